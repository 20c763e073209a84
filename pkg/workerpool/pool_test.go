package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitWaitReturnsOwnResult(t *testing.T) {
	p, err := New(Config{Workers: 4, QueueSize: 64}, func(_ context.Context, task *Task) *Result {
		time.Sleep(time.Millisecond)
		return &Result{Success: true, Data: task.Payload}
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	p.Start()
	defer p.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := p.SubmitWait(context.Background(), &Task{ID: string(rune('a' + i)), Payload: i})
			if err != nil {
				t.Errorf("task %d: %v", i, err)
				return
			}
			if res.Data != i {
				t.Errorf("task %d got result for %v", i, res.Data)
			}
		}(i)
	}
	wg.Wait()

	if got := p.Stats().Completed; got != 32 {
		t.Errorf("completed = %d, want 32", got)
	}
}

func TestRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	p, _ := New(Config{Workers: 1, QueueSize: 1, MaxRetries: 2, RetryDelay: time.Millisecond}, func(context.Context, *Task) *Result {
		if calls.Add(1) < 3 {
			return &Result{Error: errors.New("transient")}
		}
		return &Result{Success: true}
	}, nil)
	p.Start()
	defer p.Stop()

	res, err := p.SubmitWait(context.Background(), &Task{ID: "t"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Attempts != 3 {
		t.Errorf("result = %+v, want success after 3 attempts", res)
	}
	if got := p.Stats().Retried; got != 2 {
		t.Errorf("retried = %d, want 2", got)
	}
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	p, _ := New(Config{Workers: 1, QueueSize: 1, MaxRetries: 5, RetryDelay: time.Millisecond}, func(context.Context, *Task) *Result {
		calls.Add(1)
		return &Result{Error: errors.New("malformed"), Permanent: true}
	}, nil)
	p.Start()
	defer p.Stop()

	res, _ := p.SubmitWait(context.Background(), &Task{ID: "t"})
	if res.Success || calls.Load() != 1 {
		t.Errorf("calls = %d, result = %+v", calls.Load(), res)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	p, _ := New(Config{Workers: 1, QueueSize: 1}, func(context.Context, *Task) *Result { return nil }, nil)
	p.Start()
	if err := p.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := p.Submit(&Task{ID: "late"}); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("err = %v, want ErrPoolClosed", err)
	}
	if err := p.Stop(); err != nil {
		t.Errorf("second stop: %v", err)
	}
}

func TestQueueFull(t *testing.T) {
	block := make(chan struct{})
	p, _ := New(Config{Workers: 1, QueueSize: 1}, func(context.Context, *Task) *Result {
		<-block
		return &Result{Success: true}
	}, nil)
	p.Start()
	defer func() {
		close(block)
		p.Stop()
	}()

	// The first task occupies the worker once it is picked up; fill the queue until it reports full.
	var err error
	for i := 0; i < 3 && err == nil; i++ {
		err = p.Submit(&Task{ID: "t"})
		time.Sleep(5 * time.Millisecond)
	}
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}
}

func TestNewRequiresFunc(t *testing.T) {
	if _, err := New(DefaultConfig(), nil, nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestSubmitWaitWaitsForRoom(t *testing.T) {
	release := make(chan struct{})
	p, _ := New(Config{Workers: 1, QueueSize: 1}, func(context.Context, *Task) *Result {
		<-release
		return &Result{Success: true}
	}, nil)
	p.Start()
	defer p.Stop()

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.SubmitWait(context.Background(), &Task{ID: "t"})
			errs <- err
		}()
	}
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("SubmitWait: %v", err)
		}
	}
	if got := p.Stats().Completed; got != 4 {
		t.Errorf("completed = %d, want 4", got)
	}
}

func TestSubmitWaitCancelledWhileQueueFull(t *testing.T) {
	release := make(chan struct{})
	p, _ := New(Config{Workers: 1, QueueSize: 1}, func(context.Context, *Task) *Result {
		<-release
		return nil
	}, nil)
	p.Start()
	defer func() {
		close(release)
		p.Stop()
	}()

	// One task runs and one waits in the queue.
	_ = p.Submit(&Task{ID: "running"})
	time.Sleep(5 * time.Millisecond)
	_ = p.Submit(&Task{ID: "queued"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.SubmitWait(ctx, &Task{ID: "late"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if p.IsHealthy() {
		t.Error("full queue should report unhealthy")
	}
}
