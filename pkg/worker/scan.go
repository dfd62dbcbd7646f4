package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/zcloak-network/keeper/pkg/moonbeam"
	"github.com/zcloak-network/keeper/pkg/queue"
	"github.com/zcloak-network/keeper/pkg/types"
)

const (
	scanSpan      = 10
	blockDuration = 12 * time.Second
)

// SourceChain is the subset of the source-chain client the scan
// worker calls.
type SourceChain interface {
	BestNumber(ctx context.Context) (uint64, error)
	Logs(ctx context.Context, from, to uint64) ([]*types.ProofEvent, error)
}

// ScanWorker tails the source chain in bounded spans and emits
// batched ProofEvents into Q1 (spec.md §4.E).
type ScanWorker struct {
	chain SourceChain
	out   *queue.Queue

	start uint64
	cache uint64

	idleSleep time.Duration

	logger   *log.Logger
	notifier Notifier
}

// NewScanWorker constructs a worker that begins scanning at
// startNumber (spec.md §6: "--start-number N, optional; defaults to
// chain best at startup").
func NewScanWorker(chain SourceChain, out *queue.Queue, startNumber uint64, logger *log.Logger, notifier Notifier) *ScanWorker {
	return &ScanWorker{
		chain:     chain,
		out:       out,
		start:     startNumber,
		cache:     startNumber,
		idleSleep: blockDuration,
		logger:    logger,
		notifier:  notifier,
	}
}

// Run executes the scan loop until ctx is cancelled or a StageError
// is returned (spec.md §4.E algorithm, steps 1-8).
func (w *ScanWorker) Run(ctx context.Context) error {
	for {
		if done(ctx) {
			return nil
		}

		best, err := w.chain.BestNumber(ctx)
		if err != nil {
			return Transient(stageScan, ptr(w.start), fmt.Errorf("best_number: %w", err))
		}

		if w.start == w.cache && w.start == best {
			if !sleepOrDone(ctx, w.idleSleep) {
				return nil
			}
			continue
		}

		end := minUint64(w.start+scanSpan, best)
		events, err := w.chain.Logs(ctx, w.start, end)
		if err != nil {
			wrapped := fmt.Errorf("logs(%d,%d): %w", w.start, end, err)
			if errors.Is(err, moonbeam.ErrDecodeAddProof) {
				return Fatal(stageScan, ptr(w.start), wrapped)
			}
			return Transient(stageScan, ptr(w.start), wrapped)
		}

		if len(events) > 0 {
			for _, e := range events {
				w.logger.Printf("scan: request_hash=%x data_owner=%x program_hash=%x block=%d",
					e.RequestHash, e.DataOwner, e.ProgramHash, derefUint64(e.BlockNumber))
			}
			body, err := types.Encode(events)
			if err != nil {
				return Fatal(stageScan, ptr(end), fmt.Errorf("encode batch: %w", err))
			}
			if err := w.out.Send(body); err != nil {
				return Fatal(stageScan, ptr(end), fmt.Errorf("send q1: %w", err))
			}
			w.cache = end
		} else if w.start == best {
			if !sleepOrDone(ctx, w.idleSleep) {
				return nil
			}
		}

		w.start = end
	}
}

// Cursor reports the next block the worker will scan from, used by
// the supervisor to restart a transiently-failed worker with its
// cursor preserved (spec.md §4.E "Error policy").
func (w *ScanWorker) Cursor() uint64 { return w.start }
