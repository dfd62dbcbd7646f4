// Package supervisor spawns the pipeline's worker goroutines, joins
// them, classifies the errors they return, and wires the process's
// signal-driven cooperative shutdown (spec.md §4.K).
package supervisor

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/zcloak-network/keeper/pkg/metrics"
	"github.com/zcloak-network/keeper/pkg/worker"
)

// defaultSleep is SLEEP_SECS from spec.md §4.K: the pause before
// restarting a worker that failed transiently.
const defaultSleep = 10 * time.Second

// Worker is anything the supervisor can run and, on a transient
// failure, restart. A worker whose restart point is worth logging
// also implements CursorAware.
type Worker interface {
	Run(ctx context.Context) error
}

// CursorAware is implemented by workers whose restart point is worth
// logging (currently only the scan worker).
type CursorAware interface {
	Cursor() uint64
}

// named pairs a worker with the label used in log lines.
type named struct {
	label string
	w     Worker
}

// Supervisor runs a fixed set of workers for the lifetime of the
// process, restarting any that fail with a transient StageError and
// propagating the first fatal one (spec.md §4.K).
type Supervisor struct {
	sleep   time.Duration
	logger  *log.Logger
	workers []named

	// Metrics, if set, receives a StageRestarts increment every time a
	// worker is restarted after a transient failure.
	Metrics *metrics.Metrics
}

// New constructs a Supervisor with no workers registered yet.
func New(logger *log.Logger) *Supervisor {
	return &Supervisor{sleep: defaultSleep, logger: logger}
}

// Add registers a worker under label, used in restart/error log lines.
func (s *Supervisor) Add(label string, w Worker) {
	s.workers = append(s.workers, named{label: label, w: w})
}

// Run starts every registered worker, blocks until ctx is cancelled or
// one of them returns a fatal error, and returns that error (nil on
// clean cancellation). Each worker independently restarts on a
// transient StageError after sleeping s.sleep.
func (s *Supervisor) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	fatalCh := make(chan error, len(s.workers))
	var wg sync.WaitGroup

	for _, nw := range s.workers {
		wg.Add(1)
		go func(nw named) {
			defer wg.Done()
			if err := s.runWithRestarts(runCtx, nw); err != nil {
				fatalCh <- err
			}
		}(nw)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-ctx.Done():
		cancel()
		<-done
		return nil
	case err := <-fatalCh:
		cancel()
		<-done
		return err
	case <-done:
		return nil
	}
}

// runWithRestarts runs one worker, restarting it after a transient
// failure until ctx is cancelled or a fatal error surfaces.
func (s *Supervisor) runWithRestarts(ctx context.Context, nw named) error {
	for {
		err := nw.w.Run(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}

		var stageErr *worker.StageError
		if !errors.As(err, &stageErr) || stageErr.Kind == worker.KindFatal {
			s.logger.Printf("supervisor: %s: fatal: %v", nw.label, err)
			return err
		}

		cursor := ""
		if ca, ok := nw.w.(CursorAware); ok {
			cursor = " cursor=" + strconv.FormatUint(ca.Cursor(), 10)
		}
		s.logger.Printf("supervisor: %s: transient failure, restarting in %s: %v%s", nw.label, s.sleep, err, cursor)
		if s.Metrics != nil {
			s.Metrics.StageRestarts.WithLabelValues(nw.label).Inc()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.sleep):
		}
	}
}

// NotifyContext registers SIGINT/SIGTERM as a cooperative cancellation
// source for ctx, matching spec.md §4.K and §5's "cooperative select
// at the process root races each worker future against signal
// streams". The returned stop func releases the signal hook.
func NotifyContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}
