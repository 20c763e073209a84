// Package workerpool runs tasks on a fixed set of goroutines fed by a bounded
// queue. The sync binaries use it to apply feed messages of different
// patients concurrently.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrPoolClosed = errors.New("pool is shutting down")
	ErrQueueFull  = errors.New("task queue is full")
)

// Task is one unit of work. Context, when set, replaces the pool context
// for the task.
type Task struct {
	ID      string
	Payload any
	Context context.Context

	reply chan *Result
}

// Result is what a WorkerFunc reports. A nil Result counts as success.
type Result struct {
	TaskID   string
	Success  bool
	Error    error
	Data     any
	Attempts int
	// Permanent stops further retries of a failed task.
	Permanent bool
}

type WorkerFunc func(ctx context.Context, task *Task) *Result

type Config struct {
	Workers   int
	QueueSize int
	// MaxRetries is the number of extra attempts after a failed one.
	MaxRetries int
	// RetryDelay is multiplied by the attempt number.
	RetryDelay time.Duration
	// ShutdownTimeout bounds Stop; tasks still running afterwards see their
	// context cancelled.
	ShutdownTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:         4,
		QueueSize:       256,
		RetryDelay:      100 * time.Millisecond,
		ShutdownTimeout: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	return c
}

// Pool is safe for concurrent use. Start must be called before tasks run.
type Pool struct {
	cfg    Config
	fn     WorkerFunc
	logger *zap.Logger

	// gate guards closing queue against concurrent sends.
	gate    sync.RWMutex
	closed  bool
	queue   chan *Task
	workers sync.WaitGroup

	base   context.Context
	cancel context.CancelFunc

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	busy      atomic.Int64
}

// New creates a pool. Zero config fields take their defaults.
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, errors.New("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	base, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:    cfg,
		fn:     fn,
		logger: logger,
		queue:  make(chan *Task, cfg.QueueSize),
		base:   base,
		cancel: cancel,
	}, nil
}

func (p *Pool) Start() {
	p.workers.Add(p.cfg.Workers)
	for range p.cfg.Workers {
		go func() {
			defer p.workers.Done()
			for task := range p.queue {
				p.busy.Add(1)
				res := p.execute(task)
				p.busy.Add(-1)
				if task.reply != nil {
					task.reply <- res
				}
			}
		}()
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("queue_size", p.cfg.QueueSize))
}

// Submit queues a task without blocking. Failures of tasks queued this way
// are only logged.
func (p *Pool) Submit(task *Task) error {
	p.gate.RLock()
	defer p.gate.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- task:
		p.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitWait queues a task, waiting for room if the queue is full, and
// returns its result. It gives up when ctx is done; a task already queued
// still runs.
func (p *Pool) SubmitWait(ctx context.Context, task *Task) (*Result, error) {
	task.reply = make(chan *Result, 1)
	if err := p.enqueue(ctx, task); err != nil {
		return nil, err
	}
	select {
	case res := <-task.reply:
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) enqueue(ctx context.Context, task *Task) error {
	p.gate.RLock()
	defer p.gate.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- task:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop rejects new tasks and waits for queued ones up to ShutdownTimeout.
// Calling it again is a no-op.
func (p *Pool) Stop() error {
	p.gate.Lock()
	if p.closed {
		p.gate.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.gate.Unlock()

	drained := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(drained)
	}()

	defer p.cancel()
	select {
	case <-drained:
		p.logger.Info("worker pool stopped")
		return nil
	case <-time.After(p.cfg.ShutdownTimeout):
		p.cancel()
		<-drained
		p.logger.Warn("worker pool stop timed out", zap.Duration("timeout", p.cfg.ShutdownTimeout))
		return fmt.Errorf("worker pool stop timed out after %s", p.cfg.ShutdownTimeout)
	}
}

func (p *Pool) execute(task *Task) *Result {
	ctx := task.Context
	if ctx == nil {
		ctx = p.base
	}

	res := p.attempt(ctx, task)
	if res.Success {
		p.completed.Add(1)
		return res
	}
	p.failed.Add(1)
	p.logger.Error("task failed",
		zap.String("task_id", task.ID),
		zap.Int("attempts", res.Attempts),
		zap.Error(res.Error))
	return res
}

func (p *Pool) attempt(ctx context.Context, task *Task) *Result {
	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			return &Result{TaskID: task.ID, Error: err, Attempts: n - 1}
		}

		res := p.fn(ctx, task)
		if res == nil {
			res = &Result{Success: true}
		}
		res.TaskID, res.Attempts = task.ID, n
		if res.Success || res.Permanent || n > p.cfg.MaxRetries {
			return res
		}

		p.retried.Add(1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", n),
			zap.Error(res.Error))
		t := time.NewTimer(p.cfg.RetryDelay * time.Duration(n))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}
}

type Stats struct {
	Submitted     int64 `json:"submitted"`
	Completed     int64 `json:"completed"`
	Failed        int64 `json:"failed"`
	Retried       int64 `json:"retried"`
	Busy          int64 `json:"busy"`
	Queued        int   `json:"queued"`
	QueueCapacity int   `json:"queue_capacity"`
	Workers       int   `json:"workers"`
}

func (p *Pool) Stats() Stats {
	return Stats{
		Submitted:     p.submitted.Load(),
		Completed:     p.completed.Load(),
		Failed:        p.failed.Load(),
		Retried:       p.retried.Load(),
		Busy:          p.busy.Load(),
		Queued:        len(p.queue),
		QueueCapacity: p.cfg.QueueSize,
		Workers:       p.cfg.Workers,
	}
}

// IsHealthy reports whether the queue is under 90% full.
func (p *Pool) IsHealthy() bool {
	return len(p.queue)*10 < p.cfg.QueueSize*9
}
