package workers_test

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/evostrat/engine/internal/workers"
	"go.uber.org/zap"
)

func smallPoolConfig(name string) *workers.PoolConfig {
	cfg := workers.DefaultPoolConfig(name)
	cfg.NumWorkers = 2
	cfg.QueueSize = 4
	return cfg
}

func TestPoolExecutesSubmittedTasks(t *testing.T) {
	p := workers.NewPool(zap.NewNop(), smallPoolConfig("test"))
	p.Start()
	defer p.Stop()

	var done int32
	for i := 0; i < 10; i++ {
		for {
			err := p.SubmitFunc(func() error {
				atomic.AddInt32(&done, 1)
				return nil
			})
			if err == nil {
				break
			}
			// Submit never blocks: a full queue is retried once workers drain it.
			if err != workers.ErrQueueFull {
				t.Fatalf("submit: %v", err)
			}
			time.Sleep(time.Millisecond)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&done) < 10 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := atomic.LoadInt32(&done); got != 10 {
		t.Fatalf("expected all 10 submitted tasks to run, got %d", got)
	}
}

func TestPoolSubmitFailsWhenStopped(t *testing.T) {
	p := workers.NewPool(zap.NewNop(), smallPoolConfig("stopped"))
	if err := p.SubmitFunc(func() error { return nil }); err != workers.ErrPoolStopped {
		t.Fatalf("expected ErrPoolStopped before Start, got %v", err)
	}
}

// A panicking task must not crash the worker or the caller; it surfaces
// as a failed task and the pool keeps serving subsequent submissions.
func TestPoolRecoversFromPanickingTask(t *testing.T) {
	p := workers.NewPool(zap.NewNop(), smallPoolConfig("panic"))
	p.Start()
	defer p.Stop()

	if err := p.SubmitFunc(func() error { panic("boom") }); err != nil {
		t.Fatalf("submit: %v", err)
	}

	var recovered int32
	if err := p.SubmitFunc(func() error {
		atomic.AddInt32(&recovered, 1)
		return nil
	}); err != nil {
		t.Fatalf("submit after panic: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&recovered) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt32(&recovered) == 0 {
		t.Fatalf("expected the pool to keep serving tasks after a panicking one")
	}
	if p.Metrics().PanicRecovered == 0 {
		t.Fatalf("expected PanicRecovered to be counted")
	}
}

func TestPoolSubmitWaitReturnsTaskError(t *testing.T) {
	p := workers.NewPool(zap.NewNop(), smallPoolConfig("wait"))
	p.Start()
	defer p.Stop()

	want := errors.New("task failed")
	err := p.SubmitWait(workers.TaskFunc(func() error { return want }))
	if err == nil || err.Error() != want.Error() {
		t.Fatalf("expected SubmitWait to propagate the task's error, got %v", err)
	}
}
