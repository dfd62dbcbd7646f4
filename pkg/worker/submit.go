package worker

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zcloak-network/keeper/pkg/ledger"
	"github.com/zcloak-network/keeper/pkg/metrics"
	"github.com/zcloak-network/keeper/pkg/moonbeam"
	"github.com/zcloak-network/keeper/pkg/queue"
	"github.com/zcloak-network/keeper/pkg/types"
)

const submitGasLimit uint64 = 1_000_000

// SubmitChain is the subset of the source-chain client the submit
// worker calls.
type SubmitChain interface {
	BestNumber(ctx context.Context) (uint64, error)
	TransactionCount(ctx context.Context, addr common.Address) (uint64, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	HasSubmitted(ctx context.Context, keeper, dataOwner common.Address, requestHash [32]byte) (bool, error)
	IsFinished(ctx context.Context, dataOwner common.Address, requestHash [32]byte) (bool, error)
	SignedCall(ctx context.Context, key *ecdsa.PrivateKey, args moonbeam.SubmitArgs, opts moonbeam.CallOptions) ([32]byte, error)
}

// SubmitWorker consumes Q3, checks on-chain submitted/finished flags,
// and sends signed verification-result transactions with managed
// nonces, emitting every attempt into Q4 for the resubmit worker
// (spec.md §4.H).
type SubmitWorker struct {
	chain      SubmitChain
	key        *ecdsa.PrivateKey
	keeperAddr common.Address

	in  *queue.Queue
	out *queue.Queue

	lastSent *types.FatTx

	recvTimeout time.Duration
	logger      *log.Logger
	notifier    Notifier

	// Ledger, if set, receives a Record call on every submit attempt
	// that successfully sends a transaction (spec.md §4.M).
	Ledger *ledger.Client
	// Metrics, if set, receives a SubmittedTxs increment on every
	// successful submit.
	Metrics *metrics.Metrics
}

func NewSubmitWorker(chain SubmitChain, key *ecdsa.PrivateKey, in, out *queue.Queue, logger *log.Logger, notifier Notifier) *SubmitWorker {
	return &SubmitWorker{
		chain:       chain,
		key:         key,
		keeperAddr:  moonbeam.PrivateKeyAddress(key),
		in:          in,
		out:         out,
		recvTimeout: 5 * time.Second,
		logger:      logger,
		notifier:    notifier,
	}
}

func (w *SubmitWorker) Run(ctx context.Context) error {
	for {
		if done(ctx) {
			return nil
		}

		item, err := w.in.RecvTimeout(w.recvTimeout)
		if err != nil {
			return Fatal(stageSubmit, nil, fmt.Errorf("recv q3: %w", err))
		}
		if item == nil {
			continue
		}

		results, err := types.DecodeVerifyResults(item.Body)
		if err != nil {
			item.Rollback()
			return Fatal(stageSubmit, nil, fmt.Errorf("decode batch: %w", err))
		}

		outgoing := make([]*types.FatTx, 0, len(results))
		for _, r := range results {
			tx, err := w.submitOne(ctx, r)
			if err != nil {
				item.Rollback()
				return err
			}
			if tx != nil {
				outgoing = append(outgoing, tx)
			}
		}

		if len(outgoing) > 0 {
			body, err := types.Encode(outgoing)
			if err != nil {
				item.Rollback()
				return Fatal(stageSubmit, nil, fmt.Errorf("encode batch: %w", err))
			}
			if err := w.out.Send(body); err != nil {
				item.Rollback()
				return Fatal(stageSubmit, nil, fmt.Errorf("send q4: %w", err))
			}
		}

		if err := item.Commit(); err != nil {
			return Fatal(stageSubmit, nil, fmt.Errorf("commit q3: %w", err))
		}
	}
}

// submitOne implements spec.md §4.H's per-record algorithm. A nil,
// nil return means the record is already resolved on-chain and
// nothing is appended to Q4.
func (w *SubmitWorker) submitOne(ctx context.Context, r *types.VerifyResult) (*types.FatTx, error) {
	hasSubmitted, err := w.chain.HasSubmitted(ctx, w.keeperAddr, common.Address(r.DataOwner), r.RequestHash)
	if err != nil {
		w.logger.Printf("submit: has_submitted query failed, defaulting to false: %v", err)
		hasSubmitted = false
	}
	isFinished, err := w.chain.IsFinished(ctx, common.Address(r.DataOwner), r.RequestHash)
	if err != nil {
		w.logger.Printf("submit: is_finished query failed, defaulting to false: %v", err)
		isFinished = false
	}
	if hasSubmitted || isFinished {
		return nil, nil
	}

	best, err := w.chain.BestNumber(ctx)
	if err != nil {
		return nil, Fatal(stageSubmit, nil, fmt.Errorf("best_number: %w", err))
	}

	fat := &types.FatTx{SendAt: best, Payload: r}

	nonce, haveNonce := w.chooseNonce(ctx, best)
	if !haveNonce {
		// spec.md §7 kind 9: propagate with tx_hash=none for the
		// resubmit worker to retry, rather than failing the stage.
		w.logger.Printf("submit: could not determine nonce, queuing for resubmit: request_hash=%x", r.RequestHash)
		w.lastSent = fat
		return fat, nil
	}

	gasPrice, err := w.chain.GasPrice(ctx)
	if err != nil {
		w.logger.Printf("submit: gas_price query failed, queuing for resubmit: request_hash=%x: %v", r.RequestHash, err)
		w.lastSent = fat
		return fat, nil
	}
	fat.GasPrice = gasPrice
	fat.Nonce = &nonce

	args := moonbeam.SubmitArgs{
		DataOwner:   common.Address(r.DataOwner),
		RequestHash: r.RequestHash,
		CType:       r.CType,
		RootHash:    r.RootHash,
		IsPassed:    r.IsPassed,
		Attester:    r.Attester,
		CalcOutput:  r.CalcOutput,
	}
	opts := moonbeam.CallOptions{Nonce: nonce, GasPrice: gasPrice, GasLimit: submitGasLimit}

	txHash, err := w.chain.SignedCall(ctx, w.key, args, opts)
	if err != nil {
		w.logger.Printf("submit: send failed, record queued for resubmit: request_hash=%x: %v", r.RequestHash, err)
	} else {
		fat.TxHash = &txHash
		if w.Metrics != nil {
			w.Metrics.SubmittedTxs.WithLabelValues(w.keeperAddr.Hex(), string(ledger.OutcomeSubmitted)).Inc()
		}
		if w.Ledger != nil {
			if err := w.Ledger.Record(ctx, fat, ledger.OutcomeSubmitted); err != nil {
				w.logger.Printf("submit: ledger record failed: request_hash=%x: %v", r.RequestHash, err)
			}
		}
	}

	w.lastSent = fat
	return fat, nil
}

// chooseNonce implements spec.md §4.H step 3's best-block-equality
// heuristic. The bool return is false when neither path can produce a
// nonce (§7 kind 9), which is not treated as a stage failure.
func (w *SubmitWorker) chooseNonce(ctx context.Context, best uint64) (uint64, bool) {
	if w.lastSent != nil && w.lastSent.SendAt == best && w.lastSent.Nonce != nil {
		return *w.lastSent.Nonce + 1, true
	}
	n, err := w.chain.TransactionCount(ctx, w.keeperAddr)
	if err != nil {
		w.logger.Printf("submit: transaction_count failed: %v", err)
		return 0, false
	}
	return n, true
}
