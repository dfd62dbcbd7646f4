package worker

import (
	"container/list"
	"context"
	"crypto/ecdsa"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zcloak-network/keeper/pkg/ledger"
	"github.com/zcloak-network/keeper/pkg/metrics"
	"github.com/zcloak-network/keeper/pkg/moonbeam"
	"github.com/zcloak-network/keeper/pkg/queue"
	"github.com/zcloak-network/keeper/pkg/types"
)

const (
	defaultMaxRetryTimes    uint8 = 10
	defaultResubmitInterval      = 30 * time.Second
	maxLocalReceiptQueue          = 200
	resubmitGasLimit       uint64 = 1_000_000
)

// ErrExceedQueueLen is the fatal error the resubmit worker raises when
// its in-memory retry list grows past maxLocalReceiptQueue (spec.md
// §5, §7 kind 10, §8 B3).
var ErrExceedQueueLen = fmt.Errorf("resubmit: retry queue exceeds %d entries", maxLocalReceiptQueue)

// ResubmitChain is the subset of the source-chain client the resubmit
// worker calls.
type ResubmitChain interface {
	BestNumber(ctx context.Context) (uint64, error)
	TransactionCount(ctx context.Context, addr common.Address) (uint64, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	Transaction(ctx context.Context, hash [32]byte) (found bool, isPending bool, err error)
	SignedCall(ctx context.Context, key *ecdsa.PrivateKey, args moonbeam.SubmitArgs, opts moonbeam.CallOptions) ([32]byte, error)
}

// retryQueue is the mutex-guarded, strictly-FIFO list of in-flight
// RetryTx the resubmit worker exclusively owns (spec.md §3
// "Ownership").
type retryQueue struct {
	mu sync.Mutex
	l  *list.List
}

func newRetryQueue() *retryQueue { return &retryQueue{l: list.New()} }

func (q *retryQueue) pushBack(tx *types.RetryTx) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.l.PushBack(tx)
}

func (q *retryQueue) pushFront(tx *types.RetryTx) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.l.PushFront(tx)
}

func (q *retryQueue) popFront() *types.RetryTx {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.l.Front()
	if e == nil {
		return nil
	}
	q.l.Remove(e)
	return e.Value.(*types.RetryTx)
}

func (q *retryQueue) back() *types.RetryTx {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.l.Back()
	if e == nil {
		return nil
	}
	return e.Value.(*types.RetryTx)
}

func (q *retryQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.l.Len()
}

// ResubmitWorker watches in-flight transactions for inclusion and
// resubmits at a bumped gas price after defaultMaxRetryTimes
// consecutive non-inclusion polls (spec.md §4.I). A nil key is the
// "configured without an optional secondary key" case: the worker
// drains Q4 without acting, since resubmission is disabled by policy.
type ResubmitWorker struct {
	chain ResubmitChain
	key   *ecdsa.PrivateKey
	addr  common.Address

	in *queue.Queue

	retryQ           *retryQueue
	localLastSentAt  uint64
	maxRetryTimes    uint8
	resubmitInterval time.Duration
	recvTimeout      time.Duration

	logger   *log.Logger
	notifier Notifier

	// Ledger, if set, receives a Record call on every resubmit attempt
	// that successfully sends a transaction (spec.md §4.M).
	Ledger *ledger.Client
	// Metrics, if set, receives a ResubmittedTxs increment on every
	// successful resubmit.
	Metrics *metrics.Metrics
}

func NewResubmitWorker(chain ResubmitChain, key *ecdsa.PrivateKey, in *queue.Queue, logger *log.Logger, notifier Notifier) *ResubmitWorker {
	w := &ResubmitWorker{
		chain:            chain,
		key:              key,
		in:               in,
		retryQ:           newRetryQueue(),
		maxRetryTimes:    defaultMaxRetryTimes,
		resubmitInterval: defaultResubmitInterval,
		recvTimeout:      5 * time.Second,
		logger:           logger,
		notifier:         notifier,
	}
	if key != nil {
		w.addr = moonbeam.PrivateKeyAddress(key)
	}
	return w
}

func (w *ResubmitWorker) Run(ctx context.Context) error {
	for {
		if done(ctx) {
			return nil
		}

		item, err := w.in.RecvTimeout(w.recvTimeout)
		if err != nil {
			return Fatal(stageResubmit, nil, fmt.Errorf("recv q4: %w", err))
		}
		if item == nil {
			continue
		}

		if w.key == nil {
			if err := item.Commit(); err != nil {
				return Fatal(stageResubmit, nil, fmt.Errorf("commit q4: %w", err))
			}
			continue
		}

		if !sleepOrDone(ctx, w.resubmitInterval) {
			item.Rollback()
			return nil
		}

		incoming, err := types.DecodeFatTxs(item.Body)
		if err != nil {
			item.Rollback()
			return Fatal(stageResubmit, nil, fmt.Errorf("decode batch: %w", err))
		}

		prevLastSentAt := w.localLastSentAt
		for _, tx := range incoming {
			if tx.SendAt <= prevLastSentAt {
				continue // replay on restart, already tracked
			}
			w.retryQ.pushBack(&types.RetryTx{Tx: tx, RetryTimes: 0})
			if tx.SendAt > w.localLastSentAt {
				w.localLastSentAt = tx.SendAt
			}
		}

		if n := w.retryQ.len(); n > maxLocalReceiptQueue {
			item.Rollback()
			return Fatal(stageResubmit, nil, fmt.Errorf("%w: have %d", ErrExceedQueueLen, n))
		}

		if err := w.drain(ctx); err != nil {
			item.Rollback()
			return err
		}

		if err := item.Commit(); err != nil {
			return Fatal(stageResubmit, nil, fmt.Errorf("commit q4: %w", err))
		}
	}
}

// drain pops from the front, checking each for inclusion, and stops
// as soon as it meets one that is neither included nor past the retry
// threshold, preserving order (spec.md §4.I step 3). It also stops,
// rather than re-popping the same head item, whenever resubmit defers
// an item back to the front for the next cycle (spec.md §4.I step 4).
func (w *ResubmitWorker) drain(ctx context.Context) error {
	for {
		rt := w.retryQ.popFront()
		if rt == nil {
			return nil
		}

		if rt.Tx.TxHash == nil {
			deferred, err := w.resubmit(ctx, rt)
			if err != nil {
				return err
			}
			if deferred {
				return nil
			}
			continue
		}

		found, _, err := w.chain.Transaction(ctx, *rt.Tx.TxHash)
		if err != nil {
			w.retryQ.pushFront(rt)
			return Transient(stageResubmit, &rt.Tx.SendAt, fmt.Errorf("transaction(%x): %w", *rt.Tx.TxHash, err))
		}
		if found {
			if w.Ledger != nil {
				if err := w.Ledger.Record(ctx, rt.Tx, ledger.OutcomeIncluded); err != nil {
					w.logger.Printf("resubmit: ledger record failed: request_hash=%x: %v", rt.Tx.Payload.RequestHash, err)
				}
			}
			continue // included, discard
		}

		rt.RetryTimes++
		if rt.RetryTimes <= w.maxRetryTimes {
			w.retryQ.pushFront(rt)
			return nil
		}

		deferred, err := w.resubmit(ctx, rt)
		if err != nil {
			return err
		}
		if deferred {
			return nil
		}
	}
}

// resubmit implements spec.md §4.I step 4's resubmit policy for rt,
// which the caller has already removed from the front of the list. A
// true deferred return means rt was pushed back onto the front for
// the caller to retry next cycle rather than being re-attempted now.
func (w *ResubmitWorker) resubmit(ctx context.Context, rt *types.RetryTx) (deferred bool, err error) {
	best, err := w.chain.BestNumber(ctx)
	if err != nil {
		w.retryQ.pushFront(rt)
		return false, Transient(stageResubmit, nil, fmt.Errorf("best_number: %w", err))
	}

	nonce, ok := w.chooseNonce(ctx, best)
	if !ok {
		w.logger.Printf("resubmit: could not determine nonce, retrying next cycle: request_hash=%x", rt.Tx.Payload.RequestHash)
		w.retryQ.pushFront(rt)
		return true, nil
	}

	gasPrice, err := w.nextGasPrice(ctx, rt.Tx.GasPrice)
	if err != nil {
		w.logger.Printf("resubmit: gas_price failed, retrying next cycle: request_hash=%x: %v", rt.Tx.Payload.RequestHash, err)
		w.retryQ.pushFront(rt)
		return true, nil
	}

	args := moonbeam.SubmitArgs{
		DataOwner:   common.Address(rt.Tx.Payload.DataOwner),
		RequestHash: rt.Tx.Payload.RequestHash,
		CType:       rt.Tx.Payload.CType,
		RootHash:    rt.Tx.Payload.RootHash,
		IsPassed:    rt.Tx.Payload.IsPassed,
		Attester:    rt.Tx.Payload.Attester,
		CalcOutput:  rt.Tx.Payload.CalcOutput,
	}
	opts := moonbeam.CallOptions{Nonce: nonce, GasPrice: gasPrice, GasLimit: resubmitGasLimit}

	txHash, err := w.chain.SignedCall(ctx, w.key, args, opts)
	if err != nil {
		w.logger.Printf("resubmit: send failed, retrying next cycle: request_hash=%x: %v", rt.Tx.Payload.RequestHash, err)
		w.retryQ.pushFront(rt)
		return true, nil
	}

	rt.RetryTimes = 0
	rt.Tx.TxHash = &txHash
	rt.Tx.Nonce = &nonce
	rt.Tx.GasPrice = gasPrice
	rt.Tx.SendAt = best
	w.retryQ.pushBack(rt)
	if w.Metrics != nil {
		w.Metrics.ResubmittedTxs.WithLabelValues(w.addr.Hex()).Inc()
	}
	if w.Ledger != nil {
		if err := w.Ledger.Record(ctx, rt.Tx, ledger.OutcomeResubmitted); err != nil {
			w.logger.Printf("resubmit: ledger record failed: request_hash=%x: %v", rt.Tx.Payload.RequestHash, err)
		}
	}
	return false, nil
}

func (w *ResubmitWorker) chooseNonce(ctx context.Context, best uint64) (uint64, bool) {
	if back := w.retryQ.back(); back != nil && back.Tx.SendAt == best && back.Tx.Nonce != nil {
		return *back.Tx.Nonce + 1, true
	}
	n, err := w.chain.TransactionCount(ctx, w.addr)
	if err != nil {
		w.logger.Printf("resubmit: transaction_count failed: %v", err)
		return 0, false
	}
	return n, true
}

// nextGasPrice implements max(previous*1.10, current) (spec.md §4.I
// step 4).
func (w *ResubmitWorker) nextGasPrice(ctx context.Context, previous *big.Int) (*big.Int, error) {
	current, err := w.chain.GasPrice(ctx)
	if err != nil {
		return nil, err
	}
	if previous == nil {
		return current, nil
	}
	bumped := new(big.Int).Mul(previous, big.NewInt(110))
	bumped.Div(bumped, big.NewInt(100))
	if bumped.Cmp(current) > 0 {
		return bumped, nil
	}
	return current, nil
}
