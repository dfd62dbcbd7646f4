package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `{
		"moonbeam": {"url": "https://rpc.example", "read_contract": "0x1", "write_contract": "0x2", "private_key": "0xdead"},
		"ipfs": {"base_url": "https://ipfs.example"},
		"kilt": {"url": "wss://kilt.example"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Monitor.Enabled() {
		t.Fatal("expected monitor disabled when bot_url is absent")
	}
}

func TestValidateAggregatesMissingKeys(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected a validation error")
	}
	for _, want := range []string{"moonbeam.url", "moonbeam.read_contract", "moonbeam.write_contract", "moonbeam.private_key", "ipfs.base_url", "kilt.url"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error to mention %q, got: %v", want, err)
		}
	}
}

func TestValidateRejectsNonHTTPSIPFS(t *testing.T) {
	cfg := &Config{
		Moonbeam: MoonbeamConfig{URL: "https://rpc", ReadContract: "0x1", WriteContract: "0x2", PrivateKey: "0xdead"},
		IPFS:     IPFSConfig{BaseURL: "http://ipfs.example"},
		Kilt:     KiltConfig{URL: "wss://kilt"},
	}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "https") {
		t.Fatalf("expected an https requirement error, got: %v", err)
	}
}

func TestMonitorEnabledWhenBotURLSet(t *testing.T) {
	cfg := &Config{Monitor: MonitorConfig{BotURL: "https://hooks.example/webhook"}}
	if !cfg.Monitor.Enabled() {
		t.Fatal("expected monitor enabled when bot_url is set")
	}
}
