package ratelimit

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"
)

// ErrAcquireTimeout is returned when a token could not be acquired before the
// context deadline. Callers treat it as transient.
var ErrAcquireTimeout = errors.New("ratelimit: acquire timed out")

// Options configures bucket capacity and refill per provider tier.
type Options struct {
	Burst      int
	PerSec     float64
	TierBurst  map[string]int
	TierPerSec map[string]float64
}

// Limiter holds one independent token bucket per phone number. The buckets
// are the only fully shared mutable state on the send hot path; the map is
// guarded here, the counters inside rate.Limiter are lock-protected.
type Limiter struct {
	opts Options

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	tiers   map[string]string // phoneNumberID -> tier
}

func New(opts Options) *Limiter {
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.PerSec <= 0 {
		opts.PerSec = 1
	}
	return &Limiter{
		opts:    opts,
		buckets: make(map[string]*rate.Limiter),
		tiers:   make(map[string]string),
	}
}

// SetTier pins a phone number to a provider tier before its bucket is
// created. Unknown tiers fall back to the defaults.
func (l *Limiter) SetTier(phoneNumberID, tier string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tiers[phoneNumberID] = tier
}

func (l *Limiter) bucket(phoneNumberID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[phoneNumberID]; ok {
		return b
	}
	burst := l.opts.Burst
	perSec := l.opts.PerSec
	if tier, ok := l.tiers[phoneNumberID]; ok {
		if v, ok := l.opts.TierBurst[tier]; ok {
			burst = v
		}
		if v, ok := l.opts.TierPerSec[tier]; ok {
			perSec = v
		}
	}
	b := rate.NewLimiter(rate.Limit(perSec), burst)
	l.buckets[phoneNumberID] = b
	return b
}

// Acquire blocks the caller until the phone number's bucket yields a token or
// the context deadline expires.
func (l *Limiter) Acquire(ctx context.Context, phoneNumberID string) error {
	if err := l.bucket(phoneNumberID).Wait(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrAcquireTimeout
		}
		// rate.Limiter also fails fast when the deadline cannot possibly
		// be met; surface that the same way.
		if ctx.Err() == nil {
			return ErrAcquireTimeout
		}
		return err
	}
	return nil
}
