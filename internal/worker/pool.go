// Package worker runs asynchronous jobs off the request path. Jobs are pulled
// from two bounded queues; the control queue always drains before the fan-out
// queue so high-volume per-run chatter cannot starve control-plane work.
package worker

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrPoolClosed = errors.New("worker pool is closed")
	ErrQueueFull  = errors.New("worker queue is full")
)

// Queue selects which queue a job is submitted to.
type Queue int

const (
	// Control carries state-transition side effects and aggregate
	// re-evaluation.
	Control Queue = iota
	// Fanout carries per-recipient mailbox appends.
	Fanout
)

// Job is one retriable unit of work.
type Job struct {
	// Name identifies the job in logs and give-up callbacks.
	Name string
	// RunID and SiteID scope the job for delivery warnings; may be empty.
	RunID  string
	SiteID string
	Fn     func(ctx context.Context) error
}

// RetryPolicy bounds per-job retries with exponential backoff and jitter.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

func DefaultRetryPolicy(maxAttempts int) RetryPolicy {
	if maxAttempts < 1 {
		maxAttempts = 5
	}
	return RetryPolicy{
		MaxAttempts:  maxAttempts,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	// +-25% jitter keeps retries from herding.
	d = d * (0.75 + rand.Float64()*0.5)
	return time.Duration(d)
}

type Config struct {
	Workers      int
	ControlQueue int
	FanoutQueue  int
	Retry        RetryPolicy
	Logger       *zap.Logger
	// OnGiveUp is called when a job has exhausted its attempts. The failure
	// never propagates to the originating request.
	OnGiveUp func(job Job, err error)
	// OnRetry is called before each retry; may be nil (used for metrics).
	OnRetry func(job Job, attempt int)
}

type Pool struct {
	cfg     Config
	control chan Job
	fanout  chan Job
	logger  *zap.Logger

	closed  bool
	closeMu sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewPool(cfg Config) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.ControlQueue < 1 {
		cfg.ControlQueue = 64
	}
	if cfg.FanoutQueue < 1 {
		cfg.FanoutQueue = 1024
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry = DefaultRetryPolicy(0)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:     cfg,
		control: make(chan Job, cfg.ControlQueue),
		fanout:  make(chan Job, cfg.FanoutQueue),
		logger:  logger,
	}
}

// Start launches the workers. They run until Close or ctx cancellation.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Submit enqueues a job without blocking. A full queue is reported to the
// caller rather than blocking a request handler. The mutex spans the enqueue
// itself: Close cannot close a channel between the closed check and the send.
func (p *Pool) Submit(q Queue, job Job) error {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	ch := p.control
	if q == Fanout {
		ch = p.fanout
	}
	select {
	case ch <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	control, fanout := p.control, p.fanout
	for control != nil || fanout != nil {
		// Control jobs take priority over fan-out. A closed queue is set to
		// nil so the remaining one still drains on shutdown.
		if control != nil {
			select {
			case job, ok := <-control:
				if !ok {
					control = nil
					continue
				}
				p.execute(ctx, job)
				continue
			default:
			}
		}
		select {
		case job, ok := <-control:
			if !ok {
				control = nil
				continue
			}
			p.execute(ctx, job)
		case job, ok := <-fanout:
			if !ok {
				fanout = nil
				continue
			}
			p.execute(ctx, job)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) execute(ctx context.Context, job Job) {
	var err error
	for attempt := 1; attempt <= p.cfg.Retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			if p.cfg.OnRetry != nil {
				p.cfg.OnRetry(job, attempt)
			}
			select {
			case <-time.After(p.cfg.Retry.delay(attempt - 1)):
			case <-ctx.Done():
				return
			}
		}
		if err = p.run(ctx, job); err == nil {
			return
		}
		p.logger.Debug("job attempt failed",
			zap.String("job", job.Name),
			zap.String("run_id", job.RunID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	p.logger.Warn("job gave up after retries",
		zap.String("job", job.Name),
		zap.String("run_id", job.RunID),
		zap.String("site_id", job.SiteID),
		zap.Int("attempts", p.cfg.Retry.MaxAttempts),
		zap.Error(err),
	)
	if p.cfg.OnGiveUp != nil {
		p.cfg.OnGiveUp(job, err)
	}
}

func (p *Pool) run(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job panicked", zap.String("job", job.Name), zap.Any("panic", r))
			err = errors.New("job panicked")
		}
	}()
	return job.Fn(ctx)
}

// Close stops accepting jobs and waits for in-flight work to finish. The
// channels are closed while the mutex is held so no Submit is mid-send.
func (p *Pool) Close() {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return
	}
	p.closed = true
	close(p.control)
	close(p.fanout)
	p.closeMu.Unlock()
	p.wg.Wait()
	if p.cancel != nil {
		p.cancel()
	}
}
