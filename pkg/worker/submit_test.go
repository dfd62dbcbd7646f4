package worker

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/zcloak-network/keeper/pkg/metrics"
	"github.com/zcloak-network/keeper/pkg/moonbeam"
	"github.com/zcloak-network/keeper/pkg/types"
)

type fakeSubmitChain struct {
	best             uint64
	txCount          uint64
	txCountErr       error
	gasPrice         *big.Int
	gasPriceErr      error
	hasSubmitted     bool
	hasSubmittedErr  error
	isFinished       bool
	isFinishedErr    error
	signedCallErr    error
	lastSignedNonce  uint64
	signedCallCalled int
}

func (f *fakeSubmitChain) BestNumber(ctx context.Context) (uint64, error) { return f.best, nil }

func (f *fakeSubmitChain) TransactionCount(ctx context.Context, addr common.Address) (uint64, error) {
	return f.txCount, f.txCountErr
}

func (f *fakeSubmitChain) GasPrice(ctx context.Context) (*big.Int, error) {
	return f.gasPrice, f.gasPriceErr
}

func (f *fakeSubmitChain) HasSubmitted(ctx context.Context, keeper, dataOwner common.Address, requestHash [32]byte) (bool, error) {
	return f.hasSubmitted, f.hasSubmittedErr
}

func (f *fakeSubmitChain) IsFinished(ctx context.Context, dataOwner common.Address, requestHash [32]byte) (bool, error) {
	return f.isFinished, f.isFinishedErr
}

func (f *fakeSubmitChain) SignedCall(ctx context.Context, key *ecdsa.PrivateKey, args moonbeam.SubmitArgs, opts moonbeam.CallOptions) ([32]byte, error) {
	f.signedCallCalled++
	f.lastSignedNonce = opts.Nonce
	if f.signedCallErr != nil {
		return [32]byte{}, f.signedCallErr
	}
	var h [32]byte
	h[0] = byte(f.signedCallCalled)
	return h, nil
}

func testKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

// TestSubmitWorkerSkipsAlreadyResolved exercises spec.md §4.H step 1:
// a record already submitted or finished on-chain is dropped without
// producing a Q4 entry.
func TestSubmitWorkerSkipsAlreadyResolved(t *testing.T) {
	in := newTestQueue(t)
	out := newTestQueue(t)

	r := resultWithRootHash(1)
	body, err := types.Encode([]*types.VerifyResult{r})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := in.Send(body); err != nil {
		t.Fatalf("send: %v", err)
	}

	chain := &fakeSubmitChain{hasSubmitted: true, gasPrice: big.NewInt(1)}
	w := NewSubmitWorker(chain, testKey(t), in, out, silentLogger(), nil)
	w.recvTimeout = 200 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if n, _ := out.Depth(); n != 0 {
		t.Fatalf("expected nothing sent to q4, depth=%d", n)
	}
	if chain.signedCallCalled != 0 {
		t.Fatalf("expected no signed call, got %d", chain.signedCallCalled)
	}
}

// TestSubmitWorkerSendsAndAdvancesNonce exercises spec.md §4.H's happy
// path plus the best-block-equality nonce heuristic across two
// records sent at the same best block.
func TestSubmitWorkerSendsAndAdvancesNonce(t *testing.T) {
	in := newTestQueue(t)
	out := newTestQueue(t)

	r1 := resultWithRootHash(1)
	r2 := resultWithRootHash(2)
	body, err := types.Encode([]*types.VerifyResult{r1, r2})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := in.Send(body); err != nil {
		t.Fatalf("send: %v", err)
	}

	chain := &fakeSubmitChain{best: 100, txCount: 5, gasPrice: big.NewInt(1)}
	w := NewSubmitWorker(chain, testKey(t), in, out, silentLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	item, err := out.RecvTimeout(time.Second)
	if err != nil {
		t.Fatalf("recv q4: %v", err)
	}
	if item == nil {
		t.Fatal("expected a batch on Q4")
	}
	fats, err := types.DecodeFatTxs(item.Body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(fats) != 2 {
		t.Fatalf("expected 2 fat txs, got %d", len(fats))
	}
	if fats[0].Nonce == nil || *fats[0].Nonce != 5 {
		t.Fatalf("first nonce = %+v, want 5", fats[0].Nonce)
	}
	if fats[1].Nonce == nil || *fats[1].Nonce != 6 {
		t.Fatalf("second nonce = %+v, want 6 (best-block-equality heuristic)", fats[1].Nonce)
	}
	item.Commit()

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}

// TestSubmitWorkerIncrementsSubmittedTxsMetric exercises the optional
// Metrics wiring: a successful send bumps SubmittedTxs.
func TestSubmitWorkerIncrementsSubmittedTxsMetric(t *testing.T) {
	in := newTestQueue(t)
	out := newTestQueue(t)

	r := resultWithRootHash(1)
	body, err := types.Encode([]*types.VerifyResult{r})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := in.Send(body); err != nil {
		t.Fatalf("send: %v", err)
	}

	chain := &fakeSubmitChain{best: 100, txCount: 5, gasPrice: big.NewInt(1)}
	w := NewSubmitWorker(chain, testKey(t), in, out, silentLogger(), nil)
	m, _ := metrics.New("0xabc")
	w.Metrics = m

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	item, err := out.RecvTimeout(time.Second)
	if err != nil {
		t.Fatalf("recv q4: %v", err)
	}
	item.Commit()

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	count := testutil.ToFloat64(m.SubmittedTxs.WithLabelValues(w.keeperAddr.Hex(), "submitted"))
	if count < 1 {
		t.Fatalf("expected SubmittedTxs >= 1, got %v", count)
	}
}

// TestSubmitWorkerNonceFailureQueuesForResubmitNotFatal exercises
// spec.md §7 kind 9: a TransactionCount failure does not fail the
// stage, it produces a tx_hash=none record destined for Q4.
func TestSubmitWorkerNonceFailureQueuesForResubmitNotFatal(t *testing.T) {
	in := newTestQueue(t)
	out := newTestQueue(t)

	r := resultWithRootHash(1)
	body, err := types.Encode([]*types.VerifyResult{r})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := in.Send(body); err != nil {
		t.Fatalf("send: %v", err)
	}

	chain := &fakeSubmitChain{best: 100, txCountErr: fmt.Errorf("node unreachable"), gasPrice: big.NewInt(1)}
	w := NewSubmitWorker(chain, testKey(t), in, out, silentLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	item, err := out.RecvTimeout(time.Second)
	if err != nil {
		t.Fatalf("recv q4: %v", err)
	}
	if item == nil {
		t.Fatal("expected a batch on Q4 even without a nonce")
	}
	fats, err := types.DecodeFatTxs(item.Body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(fats) != 1 || fats[0].TxHash != nil || fats[0].Nonce != nil {
		t.Fatalf("expected one tx_hash=none,nonce=none record, got %+v", fats)
	}
	item.Commit()

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}
