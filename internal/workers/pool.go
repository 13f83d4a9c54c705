// Package workers provides the bounded worker pools the scheduler
// dispatches evaluation and execution work onto. Queues are bounded;
// a full queue surfaces as a Budget error so the scheduler can apply
// its tier-aware drop policy instead of blocking the tick loop.
package workers

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/evostrat/engine/pkg/engerr"
	"go.uber.org/zap"
)

// Task is one unit of work, typically a single strategy evaluation or a
// real-trade dispatch.
type Task interface {
	Execute() error
}

// TaskFunc adapts a closure to Task.
type TaskFunc func() error

func (f TaskFunc) Execute() error { return f() }

var (
	ErrPoolStopped = engerr.New(engerr.Internal, "worker pool is stopped")
	ErrQueueFull   = engerr.New(engerr.Budget, "worker queue is full")
)

// PoolConfig sizes one pool.
type PoolConfig struct {
	Name            string
	NumWorkers      int
	QueueSize       int
	TaskTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultPoolConfig sizes a pool for evaluation work: network-bound
// market reads plus CPU-bound rule evaluation, so 2x CPUs.
func DefaultPoolConfig(name string) *PoolConfig {
	return &PoolConfig{
		Name:            name,
		NumWorkers:      runtime.NumCPU() * 2,
		QueueSize:       4096,
		TaskTimeout:     30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// HighThroughputPoolConfig sizes a pool for the real-trade path: a
// smaller queue (real work is never bursty at evaluation scale) with a
// tighter task deadline so a wedged exchange call cannot hold a worker
// for long.
func HighThroughputPoolConfig(name string) *PoolConfig {
	return &PoolConfig{
		Name:            name,
		NumWorkers:      runtime.NumCPU(),
		QueueSize:       512,
		TaskTimeout:     10 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// PoolMetrics counts task outcomes. Fields are updated atomically.
type PoolMetrics struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksTimeout   int64
	PanicRecovered int64
}

// Pool is a fixed set of worker goroutines draining a bounded queue.
type Pool struct {
	logger *zap.Logger
	config *PoolConfig

	tasks   chan Task
	wg      sync.WaitGroup
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc

	metrics PoolMetrics
}

func NewPool(logger *zap.Logger, config *PoolConfig) *Pool {
	if config == nil {
		config = DefaultPoolConfig("default")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		logger: logger.Named("pool." + config.Name),
		config: config,
		tasks:  make(chan Task, config.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the workers. Calling Start on a running pool is a
// no-op.
func (p *Pool) Start() {
	if p.running.Swap(true) {
		return
	}
	p.logger.Info("starting worker pool",
		zap.Int("workers", p.config.NumWorkers),
		zap.Int("queue_size", p.config.QueueSize),
	)
	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.runWorker(i)
	}
}

func (p *Pool) runWorker(id int) {
	defer p.wg.Done()
	log := p.logger.With(zap.Int("worker_id", id))
	for {
		select {
		case <-p.ctx.Done():
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			p.runTask(log, task)
		}
	}
}

// runTask executes one task under the pool's deadline, recovering a
// panic so a single bad evaluation cannot take a worker down.
func (p *Pool) runTask(log *zap.Logger, task Task) {
	ctx, cancel := context.WithTimeout(p.ctx, p.config.TaskTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.PanicRecovered, 1)
				log.Error("task panicked", zap.Any("panic", r))
				done <- engerr.New(engerr.Internal, "task panicked")
			}
		}()
		done <- task.Execute()
	}()

	select {
	case err := <-done:
		if err != nil {
			atomic.AddInt64(&p.metrics.TasksFailed, 1)
			log.Debug("task failed", zap.Error(err))
			return
		}
		atomic.AddInt64(&p.metrics.TasksCompleted, 1)
	case <-ctx.Done():
		atomic.AddInt64(&p.metrics.TasksTimeout, 1)
		log.Warn("task deadline exceeded", zap.Duration("timeout", p.config.TaskTimeout))
	}
}

// Submit enqueues task without blocking. Returns ErrQueueFull under
// backpressure; the caller decides whether the work may be dropped.
func (p *Pool) Submit(task Task) error {
	if !p.running.Load() {
		return ErrPoolStopped
	}
	select {
	case p.tasks <- task:
		atomic.AddInt64(&p.metrics.TasksSubmitted, 1)
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitFunc submits a closure.
func (p *Pool) SubmitFunc(fn func() error) error {
	return p.Submit(TaskFunc(fn))
}

// SubmitWait submits task and blocks until it has run, returning the
// task's own error.
func (p *Pool) SubmitWait(task Task) error {
	if !p.running.Load() {
		return ErrPoolStopped
	}
	done := make(chan error, 1)
	if err := p.Submit(TaskFunc(func() error {
		err := task.Execute()
		done <- err
		return err
	})); err != nil {
		return err
	}
	return <-done
}

// Stop cancels the workers and waits up to ShutdownTimeout for in-flight
// tasks to return; tasks still queued are not run.
func (p *Pool) Stop() error {
	if !p.running.Swap(false) {
		return nil
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out",
			zap.Duration("timeout", p.config.ShutdownTimeout))
		return engerr.New(engerr.Internal, "worker pool shutdown timed out")
	}
}

// QueueLength reports the number of queued, not-yet-started tasks.
func (p *Pool) QueueLength() int { return len(p.tasks) }

// IsRunning reports whether Start has been called and Stop has not.
func (p *Pool) IsRunning() bool { return p.running.Load() }

// Metrics returns a snapshot of the pool's counters.
func (p *Pool) Metrics() PoolMetrics {
	return PoolMetrics{
		TasksSubmitted: atomic.LoadInt64(&p.metrics.TasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&p.metrics.TasksCompleted),
		TasksFailed:    atomic.LoadInt64(&p.metrics.TasksFailed),
		TasksTimeout:   atomic.LoadInt64(&p.metrics.TasksTimeout),
		PanicRecovered: atomic.LoadInt64(&p.metrics.PanicRecovered),
	}
}
