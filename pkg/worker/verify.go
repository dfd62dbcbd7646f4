package worker

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/zcloak-network/keeper/pkg/queue"
	"github.com/zcloak-network/keeper/pkg/types"
	"github.com/zcloak-network/keeper/pkg/verifier"
)

// ObjectStore is the subset of the object-store client the
// fetch-and-verify worker calls.
type ObjectStore interface {
	Fetch(ctx context.Context, cid string) ([]byte, error)
}

// FetchVerifyWorker consumes Q1, fetches each proof blob, runs
// verification, and emits VerifyResults into Q2 (spec.md §4.F).
type FetchVerifyWorker struct {
	store    ObjectStore
	verifier verifier.Verifier
	in       *queue.Queue
	out      *queue.Queue

	recvTimeout time.Duration
	logger      *log.Logger
	notifier    Notifier
}

func NewFetchVerifyWorker(store ObjectStore, v verifier.Verifier, in, out *queue.Queue, logger *log.Logger, notifier Notifier) *FetchVerifyWorker {
	return &FetchVerifyWorker{
		store:       store,
		verifier:    v,
		in:          in,
		out:         out,
		recvTimeout: 5 * time.Second,
		logger:      logger,
		notifier:    notifier,
	}
}

func (w *FetchVerifyWorker) Run(ctx context.Context) error {
	for {
		if done(ctx) {
			return nil
		}

		item, err := w.in.RecvTimeout(w.recvTimeout)
		if err != nil {
			return Fatal(stageFetchVerify, nil, fmt.Errorf("recv q1: %w", err))
		}
		if item == nil {
			continue
		}

		events, err := types.DecodeProofEvents(item.Body)
		if err != nil {
			item.Rollback()
			return Fatal(stageFetchVerify, nil, fmt.Errorf("decode batch: %w", err))
		}

		results := make([]*types.VerifyResult, 0, len(events))
		for _, e := range events {
			isPassed, err := w.verifyOne(ctx, e)
			if err != nil {
				item.Rollback()
				return err
			}
			results = append(results, types.FromProofEvent(e, isPassed, e.ExpectResult))
		}

		if len(results) > 0 {
			body, err := types.Encode(results)
			if err != nil {
				item.Rollback()
				return Fatal(stageFetchVerify, nil, fmt.Errorf("encode batch: %w", err))
			}
			if err := w.out.Send(body); err != nil {
				item.Rollback()
				return Fatal(stageFetchVerify, nil, fmt.Errorf("send q2: %w", err))
			}
		}

		if err := item.Commit(); err != nil {
			return Fatal(stageFetchVerify, nil, fmt.Errorf("commit q1: %w", err))
		}
	}
}

// verifyOne runs spec.md §4.F steps 1-4 for a single event. A transport
// failure fetching the blob is surfaced as a transient StageError so
// the caller rolls back and re-delivers the Q1 item; decode and
// verifier errors are logged and treated as is_passed=false without
// aborting the batch.
func (w *FetchVerifyWorker) verifyOne(ctx context.Context, e *types.ProofEvent) (bool, error) {
	blob, err := w.store.Fetch(ctx, e.ProofCID)
	if err != nil {
		return false, Transient(stageFetchVerify, e.BlockNumber, fmt.Errorf("fetch %s: %w", e.ProofCID, err))
	}

	decoded, err := hex.DecodeString(strings.TrimSpace(string(blob)))
	if err != nil {
		w.logger.Printf("fetch-verify: request_hash=%x: decode proof blob: %v", e.RequestHash, err)
		return false, nil
	}

	high, low := splitRootHash(e.RootHash)
	outputs := make([]*big.Int, 0, 2+len(e.ExpectResult))
	outputs = append(outputs, high, low)
	outputs = append(outputs, e.ExpectResult...)

	isPassed, err := w.verifier.Verify(ctx, e.ProgramHash, decoded, e.FieldNames, outputs)
	if err != nil {
		w.logger.Printf("fetch-verify: request_hash=%x: verifier error: %v", e.RequestHash, err)
		return false, nil
	}
	return isPassed, nil
}

// splitRootHash implements spec.md §4.F step 3's
// "[high128(root_hash), low128(root_hash), ...]": root_hash is a
// 32-byte value split into its high and low 128-bit halves.
func splitRootHash(rootHash [32]byte) (high, low *big.Int) {
	return new(big.Int).SetBytes(rootHash[0:16]), new(big.Int).SetBytes(rootHash[16:32])
}
