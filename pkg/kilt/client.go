// Package kilt implements the credential-chain client (component D):
// a typed storage-item read by composed key, retried on transport
// errors and timeouts. The JSON-RPC transport is go-ethereum's generic
// *rpc.Client, reused rather than introducing a second RPC stack
// (see DESIGN.md).
package kilt

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/zcloak-network/keeper/pkg/types"
)

const defaultMaxRetries = 5

// ErrNotFound is returned when the storage item does not exist,
// distinct from a transport error (spec.md §4.D: "some(bytes) | none
// | rpc-failure").
var ErrNotFound = errors.New("kilt: storage item not found")

// Client reads typed storage items from the substrate-based
// credential chain over JSON-RPC.
type Client struct {
	rpc        *rpc.Client
	maxRetries int
}

// Option configures a Client.
type Option func(*Client)

// WithMaxRetries overrides the default retry count (5).
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// Dial connects to url (http/https per spec.md §6).
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	rc, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("kilt: dial %s: %w", url, err)
	}
	c := &Client{rpc: rc, maxRetries: defaultMaxRetries}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Close() { c.rpc.Close() }

// ReadStorage performs state_getStorage for the composed key,
// retrying up to maxRetries times on transport/timeout errors (spec.md
// §4.D). Returns ErrNotFound if the node reports no value.
func (c *Client) ReadStorage(ctx context.Context, key []byte) ([]byte, error) {
	hexKey := "0x" + hex.EncodeToString(key)

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		var result *string
		err := c.rpc.CallContext(ctx, &result, "state_getStorage", hexKey)
		if err == nil {
			if result == nil {
				return nil, ErrNotFound
			}
			raw, decErr := hex.DecodeString(trimHexPrefix(*result))
			if decErr != nil {
				return nil, fmt.Errorf("kilt: decode storage value: %w", decErr)
			}
			return raw, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, fmt.Errorf("kilt: read_storage: %w", err)
		}
		if attempt == c.maxRetries {
			break
		}
		time.Sleep(backoff(attempt))
	}
	return nil, fmt.Errorf("kilt: read_storage: retries exhausted: %w", lastErr)
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

func isRetryable(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func backoff(attempt int) time.Duration {
	return time.Duration(200*(attempt+1)) * time.Millisecond
}

// ReadAttestation fetches and decodes the Attestation record bound to
// rootHash (spec.md §4.D, §6). The wire layout is a fixed-width
// encoding (no SCALE codec is available in the reference corpus):
// ctype_hash[32] || attester[32] || has_delegation(1) || delegation_id[8] || revoked(1) || deposit[16].
func (c *Client) ReadAttestation(ctx context.Context, rootHash [32]byte) (*types.Attestation, error) {
	key, err := AttestationStorageKey(rootHash)
	if err != nil {
		return nil, fmt.Errorf("kilt: compose storage key: %w", err)
	}
	raw, err := c.ReadStorage(ctx, key)
	if err != nil {
		return nil, err
	}
	return decodeAttestation(raw)
}

const attestationMinLen = 32 + 32 + 1 + 8 + 1 + 16

func decodeAttestation(raw []byte) (*types.Attestation, error) {
	if len(raw) < attestationMinLen {
		return nil, fmt.Errorf("kilt: attestation record too short (%d bytes, want >= %d)", len(raw), attestationMinLen)
	}
	a := &types.Attestation{}
	copy(a.CTypeHash[:], raw[0:32])
	copy(a.Attester[:], raw[32:64])
	hasDelegation := raw[64] != 0
	delegationID := binary.LittleEndian.Uint64(raw[65:73])
	if hasDelegation {
		a.DelegationID = &delegationID
	}
	a.Revoked = raw[73] != 0
	a.Deposit = new(big.Int).SetBytes(reverse(raw[74:90]))
	return a, nil
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}
