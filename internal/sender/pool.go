package sender

import (
	"context"
	"sync"
	"time"

	"whatsapp-platform/internal/config"
	"whatsapp-platform/internal/ratelimit"
	"whatsapp-platform/internal/whatsapp"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Task is one outbound send handed to the pool by the dispatcher or the
// automation engine.
type Task struct {
	MessageID     uint
	PhoneNumberID string // provider sender id
	To            string
	Payload       whatsapp.Payload
	Done          func(Result)
}

// Result is the final outcome of a task after retries.
type Result struct {
	MessageID uint
	Wamid     string
	Err       error
	Permanent bool
	Attempts  int
	At        time.Time
}

// Pool runs a bounded set of sender workers pulling from a bounded queue.
// When the queue is full, Enqueue blocks: backpressure, never dropping.
type Pool struct {
	queue    chan Task
	provider whatsapp.Provider
	limiter  *ratelimit.Limiter
	cfg      config.EngineConfig
	log      *zap.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func NewPool(provider whatsapp.Provider, limiter *ratelimit.Limiter, cfg config.EngineConfig, log *zap.Logger) *Pool {
	size := cfg.QueueSize
	if size <= 0 {
		size = 1
	}
	return &Pool{
		queue:    make(chan Task, size),
		provider: provider,
		limiter:  limiter,
		cfg:      cfg,
		log:      log.Named("sender"),
	}
}

// Start launches the workers. They exit when ctx is cancelled or the queue is
// closed and drained.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		n := p.cfg.PoolSize
		if n <= 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			p.wg.Add(1)
			go p.worker(ctx)
		}
	})
}

// Stop closes the queue and waits for in-flight tasks to finish.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.queue)
	})
	p.wg.Wait()
}

// Enqueue hands a task to the pool, blocking while the queue is full.
func (p *Pool) Enqueue(ctx context.Context, t Task) error {
	select {
	case p.queue <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case t, ok := <-p.queue:
			if !ok {
				return
			}
			res := p.process(ctx, t)
			if t.Done != nil {
				t.Done(res)
			}
		case <-ctx.Done():
			return
		}
	}
}

// process performs one send with bounded exponential backoff on transient
// failures. A cancelled in-flight attempt is allowed to finish its HTTP call
// via the send timeout, not forcibly aborted here.
func (p *Pool) process(ctx context.Context, t Task) Result {
	started := time.Now()
	defer func() { sendDuration.Observe(time.Since(started).Seconds()) }()

	var wamid string
	attempts := 0

	op := func() error {
		attempts++
		acquireCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		err := p.limiter.Acquire(acquireCtx, t.PhoneNumberID)
		cancel()
		if err != nil {
			// RateLimitTimeout is transient and retried.
			return err
		}

		sendCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
		defer cancel()
		id, err := p.provider.Send(sendCtx, t.PhoneNumberID, t.To, t.Payload)
		if err != nil {
			if whatsapp.IsPermanent(err) {
				return backoff.Permanent(err)
			}
			sendRetries.Inc()
			return err
		}
		wamid = id
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.BackoffInitial
	bo.MaxInterval = p.cfg.BackoffMax

	maxRetries := uint64(0)
	if p.cfg.SendMaxAttempts > 1 {
		maxRetries = p.cfg.SendMaxAttempts - 1
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx))

	res := Result{
		MessageID: t.MessageID,
		Wamid:     wamid,
		Err:       err,
		Attempts:  attempts,
		At:        time.Now().UTC(),
	}
	if err != nil {
		res.Permanent = whatsapp.IsPermanent(err)
		if res.Permanent {
			sendsTotal.WithLabelValues("failed_permanent").Inc()
		} else {
			sendsTotal.WithLabelValues("failed_transient").Inc()
		}
		p.log.Warn("send failed",
			zap.Uint("message_id", t.MessageID),
			zap.String("to", t.To),
			zap.Int("attempts", attempts),
			zap.Bool("permanent", res.Permanent),
			zap.Error(err))
		return res
	}
	sendsTotal.WithLabelValues("sent").Inc()
	p.log.Debug("send ok",
		zap.Uint("message_id", t.MessageID),
		zap.String("wamid", wamid),
		zap.Int("attempts", attempts))
	return res
}
