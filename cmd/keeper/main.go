// Command keeper runs the four-stage verification pipeline: it tails
// an EVM source chain for proof-request events, fetches and verifies
// the associated evidence blob, confirms an attestation on a
// substrate-based credential chain, and submits the verification
// result back to the source chain.
package main

import (
	"context"
	"crypto/ecdsa"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/zcloak-network/keeper/pkg/config"
	"github.com/zcloak-network/keeper/pkg/ipfs"
	"github.com/zcloak-network/keeper/pkg/kilt"
	"github.com/zcloak-network/keeper/pkg/ledger"
	"github.com/zcloak-network/keeper/pkg/metrics"
	"github.com/zcloak-network/keeper/pkg/moonbeam"
	"github.com/zcloak-network/keeper/pkg/notifier"
	"github.com/zcloak-network/keeper/pkg/queue"
	"github.com/zcloak-network/keeper/pkg/supervisor"
	"github.com/zcloak-network/keeper/pkg/verifier"
	"github.com/zcloak-network/keeper/pkg/worker"
)

func main() {
	if len(os.Args) < 2 || os.Args[1] != "start" {
		fmt.Fprintln(os.Stderr, "usage: keeper start --config PATH --cache-dir PATH --vk-dir PATH [--start-number N] [--name STRING] [--prometheus-port PORT] [--database-url URL]")
		os.Exit(2)
	}

	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "path to the JSON configuration file (required)")
	cacheDir := fs.String("cache-dir", "", "directory holding the four queue sub-directories (required)")
	startNumber := fs.Uint64("start-number", 0, "block number to start scanning from (default: chain best at startup)")
	name := fs.String("name", "keeper", "name used in log lines and webhook payloads")
	prometheusPort := fs.Int("prometheus-port", 0, "port to serve /metrics on (0 disables)")
	vkDir := fs.String("vk-dir", "", "directory of verifying-key files for the proof verifier (required)")
	databaseURL := fs.String("database-url", "", "optional Postgres URL for the audit-trail ledger")
	fs.Parse(os.Args[2:])

	if *configPath == "" || *cacheDir == "" || *vkDir == "" {
		fmt.Fprintln(os.Stderr, "keeper: --config, --cache-dir, and --vk-dir are required")
		os.Exit(2)
	}

	logger := log.New(os.Stdout, "", log.LstdFlags)

	if err := run(logger, *configPath, *cacheDir, *vkDir, *databaseURL, *name, *startNumber, *prometheusPort); err != nil {
		logger.Printf("fatal: %v", err)
		os.Exit(1)
	}
}

func run(logger *log.Logger, configPath, cacheDir, vkDir, databaseURL, name string, startNumber uint64, prometheusPort int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := supervisor.NotifyContext(context.Background())
	defer stop()

	key, err := parsePrivateKey(cfg.Moonbeam.PrivateKey)
	if err != nil {
		return fmt.Errorf("parse moonbeam.private_key: %w", err)
	}

	var resubmitKey *ecdsa.PrivateKey
	if cfg.Moonbeam.PrivateKeyOptional != "" {
		resubmitKey, err = parsePrivateKey(cfg.Moonbeam.PrivateKeyOptional)
		if err != nil {
			return fmt.Errorf("parse moonbeam.private_key_optional: %w", err)
		}
	}

	if err := queue.RemoveStaleLocks(cacheDir); err != nil {
		return fmt.Errorf("remove stale locks: %w", err)
	}

	q1, err := queue.Open(filepath.Join(cacheDir, "event2ipfs"))
	if err != nil {
		return fmt.Errorf("open event2ipfs queue: %w", err)
	}
	defer q1.Close()
	q2, err := queue.Open(filepath.Join(cacheDir, "verify2attest"))
	if err != nil {
		return fmt.Errorf("open verify2attest queue: %w", err)
	}
	defer q2.Close()
	q3, err := queue.Open(filepath.Join(cacheDir, "attest2submit"))
	if err != nil {
		return fmt.Errorf("open attest2submit queue: %w", err)
	}
	defer q3.Close()
	q4, err := queue.Open(filepath.Join(cacheDir, "resubmit"))
	if err != nil {
		return fmt.Errorf("open resubmit queue: %w", err)
	}
	defer q4.Close()

	chain, err := moonbeam.Open(ctx, cfg.Moonbeam.URL, cfg.Moonbeam.ChainID,
		common.HexToAddress(cfg.Moonbeam.ReadContract), common.HexToAddress(cfg.Moonbeam.WriteContract))
	if err != nil {
		return fmt.Errorf("connect moonbeam: %w", err)
	}
	defer chain.Close()

	store, err := ipfs.New(cfg.IPFS.BaseURL)
	if err != nil {
		return fmt.Errorf("connect ipfs: %w", err)
	}

	credentials, err := kilt.Dial(ctx, cfg.Kilt.URL)
	if err != nil {
		return fmt.Errorf("connect kilt: %w", err)
	}
	defer credentials.Close()

	gnark, err := verifier.NewGnarkVerifier(vkDir)
	if err != nil {
		return fmt.Errorf("load verifying keys: %w", err)
	}

	keeperAddr := moonbeam.PrivateKeyAddress(key).Hex()
	notif := notifier.New(name, keeperAddr, cfg.Monitor.BotURL, notifier.DefaultTemplate, logger)
	go notif.Run(ctx)

	m, handler := metrics.New(keeperAddr)
	if prometheusPort > 0 {
		srv := &http.Server{Addr: fmt.Sprintf(":%d", prometheusPort), Handler: handler}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Printf("metrics server: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	var ledgerClient *ledger.Client
	if databaseURL != "" {
		ledgerClient, err = ledger.NewClient(databaseURL, ledger.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("connect ledger: %w", err)
		}
		defer ledgerClient.Close()
		if err := ledgerClient.MigrateUp(ctx); err != nil {
			return fmt.Errorf("migrate ledger: %w", err)
		}
		if status, err := ledgerClient.Health(ctx); err == nil {
			logger.Printf("ledger: healthy=%v version=%s", status.Healthy, status.Version)
		}
	}

	effectiveStart := startNumber
	if effectiveStart == 0 {
		best, err := chain.BestNumber(ctx)
		if err != nil {
			return fmt.Errorf("query best number: %w", err)
		}
		effectiveStart = best
	}

	scanWorker := worker.NewScanWorker(chain, q1, effectiveStart, logger, notif)
	fetchVerifyWorker := worker.NewFetchVerifyWorker(store, gnark, q1, q2, logger, notif)
	attestWorker := worker.NewAttestWorker(credentials, q2, q3, logger, notif)
	submitWorker := worker.NewSubmitWorker(chain, key, q3, q4, logger, notif)
	submitWorker.Ledger = ledgerClient
	submitWorker.Metrics = m
	resubmitWorker := worker.NewResubmitWorker(chain, resubmitKey, q4, logger, notif)
	resubmitWorker.Ledger = ledgerClient
	resubmitWorker.Metrics = m

	sup := supervisor.New(logger)
	sup.Metrics = m
	m.Threads.Add(5)
	sup.Add("scan", scanWorker)
	sup.Add("fetch-verify", fetchVerifyWorker)
	sup.Add("attest", attestWorker)
	sup.Add("submit", submitWorker)
	sup.Add("resubmit", resubmitWorker)

	go pollQueueDepths(ctx, m, map[string]*queue.Queue{
		"event2ipfs": q1, "verify2attest": q2, "attest2submit": q3, "resubmit": q4,
	})

	logger.Printf("keeper %q starting at block %d (cache-dir=%s)", name, effectiveStart, cacheDir)
	return sup.Run(ctx)
}

// pollQueueDepths refreshes the keeper_queue_depth_bytes gauge every
// few seconds. Depth is diagnostic only (pkg/queue.Depth's own
// comment: "not authoritative for any invariant"), so a coarse poll
// interval is fine.
func pollQueueDepths(ctx context.Context, m *metrics.Metrics, queues map[string]*queue.Queue) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for label, q := range queues {
				if depth, err := q.Depth(); err == nil {
					m.QueueDepth.WithLabelValues(label).Set(float64(depth))
				}
			}
		}
	}
}

// parsePrivateKey accepts a hex-encoded secp256k1 key with or without
// a leading "0x", matching how the rest of the config file's hex
// fields are written.
func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	trimmed := strings.TrimPrefix(hexKey, "0x")
	return crypto.HexToECDSA(trimmed)
}
