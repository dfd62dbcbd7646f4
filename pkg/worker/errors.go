// Package worker implements the pipeline's five stages (scan,
// fetch-and-verify, attestation-filter, submit, resubmit) described in
// spec.md §4.E-I, connected by the durable queues in pkg/queue.
package worker

import (
	"context"
	"fmt"
	"time"
)

const (
	stageScan       = "scan"
	stageFetchVerify = "fetch-verify"
	stageAttest     = "attest"
	stageSubmit     = "submit"
	stageResubmit   = "resubmit"
)

// Kind classifies a StageError for the supervisor: KindTransient
// restarts the stage after a delay with its cursor preserved;
// KindFatal propagates up and the process exits (spec.md §7).
type Kind int

const (
	KindTransient Kind = iota
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// StageError is what a worker's Run loop returns when it cannot
// continue. BlockNumber, when set, lets a restart resume from the
// right cursor (spec.md §7 "Propagation").
type StageError struct {
	Stage       string
	BlockNumber *uint64
	Kind        Kind
	Err         error
}

func (e *StageError) Error() string {
	if e.BlockNumber != nil {
		return fmt.Sprintf("%s: block %d: %s: %v", e.Stage, *e.BlockNumber, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Transient wraps err as a stage error the supervisor should restart
// after a delay.
func Transient(stage string, blockNumber *uint64, err error) *StageError {
	return &StageError{Stage: stage, BlockNumber: blockNumber, Kind: KindTransient, Err: err}
}

// Fatal wraps err as a stage error the supervisor should escalate.
func Fatal(stage string, blockNumber *uint64, err error) *StageError {
	return &StageError{Stage: stage, BlockNumber: blockNumber, Kind: KindFatal, Err: err}
}

// Notifier delivers a stage-level failure notice to the cross-cutting
// alert channel (spec.md §4.J); pkg/notifier.Notifier satisfies this
// without pkg/worker importing it back.
type Notifier interface {
	Notify(stage string, blockNumber *uint64, err error)
}

func done(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// sleepOrDone waits for d, returning false if ctx is cancelled first.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func ptr(v uint64) *uint64 { return &v }

func derefUint64(p *uint64) uint64 {
	if p == nil {
		return 0
	}
	return *p
}

func minUint64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
