package supervisor

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/zcloak-network/keeper/pkg/metrics"
	"github.com/zcloak-network/keeper/pkg/worker"
)

func discardLogger() *log.Logger { return log.New(io.Discard, "", 0) }

type scriptedWorker struct {
	calls   int32
	results []error
	cursor  uint64
}

func (w *scriptedWorker) Run(ctx context.Context) error {
	i := atomic.AddInt32(&w.calls, 1) - 1
	if int(i) >= len(w.results) {
		<-ctx.Done()
		return nil
	}
	return w.results[i]
}

func (w *scriptedWorker) Cursor() uint64 { return w.cursor }

// TestSupervisorRestartsOnTransient exercises spec.md §4.K: a
// transient StageError causes the same worker to be restarted rather
// than propagated.
func TestSupervisorRestartsOnTransient(t *testing.T) {
	w := &scriptedWorker{results: []error{
		worker.Transient("scan", nil, fmt.Errorf("rpc blip")),
	}}
	s := New(discardLogger())
	s.sleep = time.Millisecond
	s.Add("scan", w)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if atomic.LoadInt32(&w.calls) < 2 {
		t.Fatalf("expected at least 2 calls (original + restart), got %d", w.calls)
	}
}

// TestSupervisorIncrementsRestartMetric exercises the optional
// StageRestarts wiring: a transient failure must bump the counter
// labelled with the worker's name.
func TestSupervisorIncrementsRestartMetric(t *testing.T) {
	w := &scriptedWorker{results: []error{
		worker.Transient("scan", nil, fmt.Errorf("rpc blip")),
	}}
	m, _ := metrics.New("0xabc")
	s := New(discardLogger())
	s.sleep = time.Millisecond
	s.Metrics = m
	s.Add("scan", w)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	count := testutil.ToFloat64(m.StageRestarts.WithLabelValues("scan"))
	if count < 1 {
		t.Fatalf("expected StageRestarts{scan} >= 1, got %v", count)
	}
}

// TestSupervisorPropagatesFatal exercises spec.md §4.K: a fatal
// StageError from any worker stops the whole supervisor and is
// returned.
func TestSupervisorPropagatesFatal(t *testing.T) {
	failing := &scriptedWorker{results: []error{
		worker.Fatal("submit", nil, fmt.Errorf("exceeded queue length")),
	}}
	idle := &scriptedWorker{}

	s := New(discardLogger())
	s.sleep = time.Millisecond
	s.Add("submit", failing)
	s.Add("scan", idle)

	err := s.Run(context.Background())
	if err == nil {
		t.Fatal("expected a fatal error to propagate")
	}
	if se, ok := err.(*worker.StageError); !ok || se.Kind != worker.KindFatal {
		t.Fatalf("expected a fatal *StageError, got %T: %v", err, err)
	}
}

// TestSupervisorCleanShutdownOnCancel exercises the ctx-cancellation
// path: no worker ever returns an error, so Run returns nil once ctx
// is cancelled.
func TestSupervisorCleanShutdownOnCancel(t *testing.T) {
	w := &scriptedWorker{}
	s := New(discardLogger())
	s.Add("scan", w)

	ctx, cancel := context.WithCancel(context.Background())
	doneCh := make(chan error, 1)
	go func() { doneCh <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-doneCh:
		if err != nil {
			t.Fatalf("expected nil on clean shutdown, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
