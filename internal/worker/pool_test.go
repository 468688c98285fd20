package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fedrelay/internal/worker"
)

func fastRetry(attempts int) worker.RetryPolicy {
	return worker.RetryPolicy{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestJobRetriesUntilSuccess(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})

	pool := worker.NewPool(worker.Config{
		Workers: 1,
		Retry:   fastRetry(5),
	})
	pool.Start(context.Background())
	defer pool.Close()

	err := pool.Submit(worker.Control, worker.Job{
		Name: "flaky",
		Fn: func(ctx context.Context) error {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n < 3 {
				return errors.New("transient")
			}
			close(done)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job never succeeded")
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestGiveUpAfterMaxAttempts(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	retries := 0
	gaveUp := make(chan error, 1)

	pool := worker.NewPool(worker.Config{
		Workers: 1,
		Retry:   fastRetry(3),
		OnRetry: func(job worker.Job, attempt int) {
			mu.Lock()
			retries++
			mu.Unlock()
		},
		OnGiveUp: func(job worker.Job, err error) {
			gaveUp <- err
		},
	})
	pool.Start(context.Background())
	defer pool.Close()

	boom := errors.New("boom")
	_ = pool.Submit(worker.Fanout, worker.Job{
		Name:  "doomed",
		RunID: "run-1",
		Fn: func(ctx context.Context) error {
			mu.Lock()
			attempts++
			mu.Unlock()
			return boom
		},
	})
	select {
	case err := <-gaveUp:
		if !errors.Is(err, boom) {
			t.Fatalf("give-up err = %v, want boom", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnGiveUp never fired")
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 || retries != 2 {
		t.Fatalf("attempts = %d retries = %d, want 3 and 2", attempts, retries)
	}
}

func TestSubmitReportsFullQueue(t *testing.T) {
	// Never started, so nothing drains the queues.
	pool := worker.NewPool(worker.Config{Workers: 1, ControlQueue: 1, FanoutQueue: 1})
	noop := worker.Job{Name: "noop", Fn: func(ctx context.Context) error { return nil }}

	if err := pool.Submit(worker.Fanout, noop); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := pool.Submit(worker.Fanout, noop); !errors.Is(err, worker.ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	// The control queue is independent of the full fan-out queue.
	if err := pool.Submit(worker.Control, noop); err != nil {
		t.Fatalf("control submit: %v", err)
	}
}

func TestSubmitAfterCloseIsRejected(t *testing.T) {
	pool := worker.NewPool(worker.Config{Workers: 1})
	pool.Start(context.Background())
	pool.Close()
	err := pool.Submit(worker.Control, worker.Job{Name: "late", Fn: func(ctx context.Context) error { return nil }})
	if !errors.Is(err, worker.ErrPoolClosed) {
		t.Fatalf("err = %v, want ErrPoolClosed", err)
	}
}

func TestControlQueueDrainsBeforeFanout(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(name string) worker.Job {
		return worker.Job{Name: name, Fn: func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}}
	}

	pool := worker.NewPool(worker.Config{Workers: 1, ControlQueue: 4, FanoutQueue: 4})
	// Queue fan-out work first, then control, before any worker runs.
	for _, n := range []string{"f1", "f2"} {
		if err := pool.Submit(worker.Fanout, record(n)); err != nil {
			t.Fatalf("submit %s: %v", n, err)
		}
	}
	for _, n := range []string{"c1", "c2"} {
		if err := pool.Submit(worker.Control, record(n)); err != nil {
			t.Fatalf("submit %s: %v", n, err)
		}
	}
	pool.Start(context.Background())
	pool.Close()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"c1", "c2", "f1", "f2"}
	if len(order) != len(want) {
		t.Fatalf("executed %d jobs, want %d: %v", len(order), len(want), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestCloseDrainsQueuedJobs(t *testing.T) {
	var mu sync.Mutex
	ran := 0
	pool := worker.NewPool(worker.Config{Workers: 2, ControlQueue: 16, FanoutQueue: 16})
	for i := 0; i < 10; i++ {
		q := worker.Control
		if i%2 == 0 {
			q = worker.Fanout
		}
		err := pool.Submit(q, worker.Job{Name: "work", Fn: func(ctx context.Context) error {
			mu.Lock()
			ran++
			mu.Unlock()
			return nil
		}})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	pool.Start(context.Background())
	pool.Close()

	mu.Lock()
	defer mu.Unlock()
	if ran != 10 {
		t.Fatalf("ran = %d, want 10", ran)
	}
}

func TestPanickingJobReachesGiveUp(t *testing.T) {
	gaveUp := make(chan error, 1)
	pool := worker.NewPool(worker.Config{
		Workers: 1,
		Retry:   fastRetry(2),
		OnGiveUp: func(job worker.Job, err error) {
			gaveUp <- err
		},
	})
	pool.Start(context.Background())
	defer pool.Close()

	_ = pool.Submit(worker.Control, worker.Job{Name: "panicky", Fn: func(ctx context.Context) error {
		panic("unexpected state")
	}})
	select {
	case err := <-gaveUp:
		if err == nil {
			t.Fatal("give-up err is nil")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnGiveUp never fired")
	}
}

// Submits racing Close must either enqueue or get ErrPoolClosed; a send on a
// closed channel panics the whole process.
func TestSubmitRacingCloseNeverPanics(t *testing.T) {
	for round := 0; round < 50; round++ {
		pool := worker.NewPool(worker.Config{
			Workers:      1,
			ControlQueue: 4,
			FanoutQueue:  4,
			Retry:        fastRetry(1),
		})
		pool.Start(context.Background())

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				job := worker.Job{Name: "noop", Fn: func(ctx context.Context) error { return nil }}
				for {
					err := pool.Submit(worker.Fanout, job)
					if errors.Is(err, worker.ErrPoolClosed) {
						return
					}
				}
			}()
		}
		pool.Close()
		wg.Wait()
	}
}
