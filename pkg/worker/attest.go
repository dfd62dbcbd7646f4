package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/zcloak-network/keeper/pkg/kilt"
	"github.com/zcloak-network/keeper/pkg/queue"
	"github.com/zcloak-network/keeper/pkg/types"
)

// CredentialChain is the subset of the credential-chain client the
// attestation-filter worker calls.
type CredentialChain interface {
	ReadAttestation(ctx context.Context, rootHash [32]byte) (*types.Attestation, error)
}

// AttestWorker consumes Q2, drops records whose attestation is absent
// or revoked, enriches survivors with authoritative attester/c_type
// fields, and emits into Q3 (spec.md §4.G).
type AttestWorker struct {
	credentials CredentialChain
	in          *queue.Queue
	out         *queue.Queue

	recvTimeout time.Duration
	logger      *log.Logger
	notifier    Notifier
}

func NewAttestWorker(credentials CredentialChain, in, out *queue.Queue, logger *log.Logger, notifier Notifier) *AttestWorker {
	return &AttestWorker{
		credentials: credentials,
		in:          in,
		out:         out,
		recvTimeout: 5 * time.Second,
		logger:      logger,
		notifier:    notifier,
	}
}

func (w *AttestWorker) Run(ctx context.Context) error {
	for {
		if done(ctx) {
			return nil
		}

		item, err := w.in.RecvTimeout(w.recvTimeout)
		if err != nil {
			return Fatal(stageAttest, nil, fmt.Errorf("recv q2: %w", err))
		}
		if item == nil {
			continue
		}

		results, err := types.DecodeVerifyResults(item.Body)
		if err != nil {
			item.Rollback()
			return Fatal(stageAttest, nil, fmt.Errorf("decode batch: %w", err))
		}

		survivors := make([]*types.VerifyResult, 0, len(results))
		for _, r := range results {
			a, err := w.credentials.ReadAttestation(ctx, r.RootHash)
			switch {
			case errors.Is(err, kilt.ErrNotFound):
				continue
			case err != nil:
				item.Rollback()
				return Transient(stageAttest, r.BlockNumber, fmt.Errorf("read attestation: %w", err))
			case a.Revoked:
				w.logger.Printf("attest: dropping revoked attestation root_hash=%x data_owner=%x", r.RootHash, r.DataOwner)
				continue
			default:
				r.ApplyAttestation(a)
				survivors = append(survivors, r)
			}
		}

		// Commit Q2 regardless of whether any survivor was produced
		// (spec.md §4.G: "if the vector is empty, still commit Q2").
		if len(survivors) > 0 {
			body, err := types.Encode(survivors)
			if err != nil {
				item.Rollback()
				return Fatal(stageAttest, nil, fmt.Errorf("encode batch: %w", err))
			}
			if err := w.out.Send(body); err != nil {
				item.Rollback()
				return Fatal(stageAttest, nil, fmt.Errorf("send q3: %w", err))
			}
		}

		if err := item.Commit(); err != nil {
			return Fatal(stageAttest, nil, fmt.Errorf("commit q2: %w", err))
		}
	}
}
