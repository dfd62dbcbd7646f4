package worker

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zcloak-network/keeper/pkg/moonbeam"
	"github.com/zcloak-network/keeper/pkg/types"
)

type fakeResubmitChain struct {
	best        uint64
	txCount     uint64
	txCountErr  error
	gasPrice    *big.Int
	gasPriceErr error

	includedHashes map[[32]byte]bool

	signedCallCalled int
	lastNonce        uint64
	txCountCalls     int
}

func (f *fakeResubmitChain) BestNumber(ctx context.Context) (uint64, error) { return f.best, nil }

func (f *fakeResubmitChain) TransactionCount(ctx context.Context, addr common.Address) (uint64, error) {
	f.txCountCalls++
	return f.txCount, f.txCountErr
}

func (f *fakeResubmitChain) GasPrice(ctx context.Context) (*big.Int, error) {
	return f.gasPrice, f.gasPriceErr
}

func (f *fakeResubmitChain) Transaction(ctx context.Context, hash [32]byte) (bool, bool, error) {
	return f.includedHashes[hash], false, nil
}

func (f *fakeResubmitChain) SignedCall(ctx context.Context, key *ecdsa.PrivateKey, args moonbeam.SubmitArgs, opts moonbeam.CallOptions) ([32]byte, error) {
	f.signedCallCalled++
	f.lastNonce = opts.Nonce
	var h [32]byte
	h[0] = byte(0x10 + f.signedCallCalled)
	// Mark the freshly-resubmitted hash as immediately included so a
	// test driving a real Run loop converges instead of resubmitting
	// forever.
	if f.includedHashes == nil {
		f.includedHashes = make(map[[32]byte]bool)
	}
	f.includedHashes[h] = true
	return h, nil
}

func fatTxAt(sendAt uint64, requestHash byte) *types.FatTx {
	vr := resultWithRootHash(requestHash)
	return &types.FatTx{SendAt: sendAt, GasPrice: big.NewInt(100), Payload: vr}
}

// TestResubmitWorkerNilKeyDrainsWithoutActing exercises spec.md §4.I's
// "disabled by policy" path: with no secondary key, Q4 items are
// committed without any chain interaction.
func TestResubmitWorkerNilKeyDrainsWithoutActing(t *testing.T) {
	in := newTestQueue(t)
	body, err := types.Encode([]*types.FatTx{fatTxAt(1, 1)})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := in.Send(body); err != nil {
		t.Fatalf("send: %v", err)
	}

	chain := &fakeResubmitChain{}
	w := NewResubmitWorker(chain, nil, in, silentLogger(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	w.recvTimeout = 100 * time.Millisecond
	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if chain.signedCallCalled != 0 {
		t.Fatalf("expected no signed calls with nil key, got %d", chain.signedCallCalled)
	}
}

// TestResubmitWorkerIncludedTxIsDiscarded exercises spec.md §4.I step
// 3's discard-on-inclusion path.
func TestResubmitWorkerIncludedTxIsDiscarded(t *testing.T) {
	in := newTestQueue(t)
	var hash [32]byte
	hash[0] = 0x99
	tx := fatTxAt(1, 1)
	tx.TxHash = &hash
	nonce := uint64(3)
	tx.Nonce = &nonce

	body, err := types.Encode([]*types.FatTx{tx})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := in.Send(body); err != nil {
		t.Fatalf("send: %v", err)
	}

	chain := &fakeResubmitChain{includedHashes: map[[32]byte]bool{hash: true}}
	key := testKey(t)
	w := NewResubmitWorker(chain, key, in, silentLogger(), nil)
	w.resubmitInterval = time.Millisecond
	w.recvTimeout = 100 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if w.retryQ.len() != 0 {
		t.Fatalf("expected retry queue empty after inclusion, len=%d", w.retryQ.len())
	}
	if chain.signedCallCalled != 0 {
		t.Fatalf("expected no resubmission for an included tx, got %d", chain.signedCallCalled)
	}
}

// TestResubmitWorkerResubmitsAfterMaxRetries exercises spec.md §4.I
// step 4: a tracked tx that stays un-included past max_retry_times is
// resubmitted with a bumped gas price. With the retry list empty at
// resubmit time (this is its only entry), chooseNonce falls back to
// TransactionCount rather than the back-of-queue heuristic.
func TestResubmitWorkerResubmitsAfterMaxRetries(t *testing.T) {
	in := newTestQueue(t)
	var hash [32]byte
	hash[0] = 0x55
	tx := fatTxAt(1, 1)
	tx.TxHash = &hash
	nonce := uint64(7)
	tx.Nonce = &nonce
	tx.GasPrice = big.NewInt(1000)

	body, err := types.Encode([]*types.FatTx{tx})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := in.Send(body); err != nil {
		t.Fatalf("send: %v", err)
	}

	chain := &fakeResubmitChain{best: 1, txCount: 8, gasPrice: big.NewInt(50)}
	key := testKey(t)
	w := NewResubmitWorker(chain, key, in, silentLogger(), nil)
	w.maxRetryTimes = 0 // resubmit on the very next drain pass
	w.resubmitInterval = time.Millisecond
	w.recvTimeout = 100 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if chain.signedCallCalled == 0 {
		t.Fatal("expected a resubmission")
	}
	if chain.lastNonce != 8 {
		t.Fatalf("resubmit nonce = %d, want 8 (transaction_count fallback)", chain.lastNonce)
	}
}

// TestResubmitWorkerDeferredResubmitStopsDrain exercises spec.md §4.I
// step 4's "retry next cycle": when resubmit cannot get a nonce and
// pushes the item back to the front, drain must stop instead of
// immediately re-popping and re-attempting the same item.
func TestResubmitWorkerDeferredResubmitStopsDrain(t *testing.T) {
	chain := &fakeResubmitChain{best: 1, txCountErr: fmt.Errorf("rpc unreachable")}
	key := testKey(t)
	w := NewResubmitWorker(chain, key, newTestQueue(t), silentLogger(), nil)

	rt := &types.RetryTx{Tx: fatTxAt(1, 1)}
	w.retryQ.pushBack(rt)

	if err := w.drain(context.Background()); err != nil {
		t.Fatalf("drain returned error: %v", err)
	}
	if chain.txCountCalls != 1 {
		t.Fatalf("expected exactly one TransactionCount call (no busy-loop retry), got %d", chain.txCountCalls)
	}
	if w.retryQ.len() != 1 {
		t.Fatalf("expected the item pushed back to the front, len=%d", w.retryQ.len())
	}
}

// TestResubmitWorkerExceedingQueueLenIsFatal exercises spec.md §8 B3:
// the retry queue growing past maxLocalReceiptQueue is a fatal error.
func TestResubmitWorkerExceedingQueueLenIsFatal(t *testing.T) {
	in := newTestQueue(t)

	txs := make([]*types.FatTx, 0, maxLocalReceiptQueue+1)
	for i := 0; i < maxLocalReceiptQueue+1; i++ {
		tx := fatTxAt(uint64(i+1), byte(i))
		var hash [32]byte
		hash[0] = byte(i)
		tx.TxHash = &hash
		nonce := uint64(i)
		tx.Nonce = &nonce
		txs = append(txs, tx)
	}
	body, err := types.Encode(txs)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := in.Send(body); err != nil {
		t.Fatalf("send: %v", err)
	}

	chain := &fakeResubmitChain{}
	key := testKey(t)
	w := NewResubmitWorker(chain, key, in, silentLogger(), nil)
	w.resubmitInterval = time.Millisecond
	w.recvTimeout = 100 * time.Millisecond

	err = w.Run(context.Background())
	var stageErr *StageError
	if !asStageError(err, &stageErr) {
		t.Fatalf("expected *StageError, got %T: %v", err, err)
	}
	if stageErr.Kind != KindFatal {
		t.Fatalf("kind = %v, want fatal", stageErr.Kind)
	}
}
