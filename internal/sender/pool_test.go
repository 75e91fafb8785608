package sender

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"whatsapp-platform/internal/config"
	"whatsapp-platform/internal/ratelimit"
	"whatsapp-platform/internal/whatsapp"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockProvider scripts per-call outcomes.
type mockProvider struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) (string, error)
}

func (m *mockProvider) Send(_ context.Context, _, _ string, _ whatsapp.Payload) (string, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.mu.Unlock()
	return m.fn(call)
}

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		PoolSize:        2,
		QueueSize:       4,
		AcquireTimeout:  time.Second,
		SendTimeout:     time.Second,
		SendMaxAttempts: 3,
		BackoffInitial:  time.Millisecond,
		BackoffMax:      5 * time.Millisecond,
	}
}

func newTestPool(t *testing.T, provider whatsapp.Provider, cfg config.EngineConfig) *Pool {
	t.Helper()
	limiter := ratelimit.New(ratelimit.Options{Burst: 100, PerSec: 1000})
	return NewPool(provider, limiter, cfg, zap.NewNop())
}

func runTask(t *testing.T, p *Pool, task Task) Result {
	t.Helper()
	done := make(chan Result, 1)
	task.Done = func(r Result) { done <- r }
	require.NoError(t, p.Enqueue(context.Background(), task))
	select {
	case r := <-done:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("task did not finish")
		return Result{}
	}
}

func TestProcessSuccess(t *testing.T) {
	provider := &mockProvider{fn: func(int) (string, error) { return "wamid.S", nil }}
	p := newTestPool(t, provider, testEngineConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	r := runTask(t, p, Task{MessageID: 1, PhoneNumberID: "pn1", To: "+15550001"})
	require.NoError(t, r.Err)
	assert.Equal(t, "wamid.S", r.Wamid)
	assert.Equal(t, 1, r.Attempts)
}

func TestTransientRetriedThenSucceeds(t *testing.T) {
	provider := &mockProvider{fn: func(call int) (string, error) {
		if call < 3 {
			return "", &whatsapp.SendError{Class: whatsapp.Transient, StatusCode: 503}
		}
		return "wamid.R", nil
	}}
	p := newTestPool(t, provider, testEngineConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	r := runTask(t, p, Task{MessageID: 2, PhoneNumberID: "pn1", To: "+15550001"})
	require.NoError(t, r.Err)
	assert.Equal(t, 3, r.Attempts)
}

func TestTransientExhaustsAttempts(t *testing.T) {
	provider := &mockProvider{fn: func(int) (string, error) {
		return "", &whatsapp.SendError{Class: whatsapp.Transient, StatusCode: 500}
	}}
	p := newTestPool(t, provider, testEngineConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	r := runTask(t, p, Task{MessageID: 3, PhoneNumberID: "pn1", To: "+15550001"})
	require.Error(t, r.Err)
	assert.False(t, r.Permanent)
	assert.Equal(t, 3, r.Attempts)
}

func TestPermanentFailsImmediately(t *testing.T) {
	provider := &mockProvider{fn: func(int) (string, error) {
		return "", &whatsapp.SendError{Class: whatsapp.Permanent, StatusCode: 400}
	}}
	p := newTestPool(t, provider, testEngineConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	r := runTask(t, p, Task{MessageID: 4, PhoneNumberID: "pn1", To: "+15550001"})
	require.Error(t, r.Err)
	assert.True(t, r.Permanent)
	assert.Equal(t, 1, r.Attempts, "permanent errors are never retried")
}

func TestEnqueueBlocksWhenFull(t *testing.T) {
	release := make(chan struct{})
	provider := &mockProvider{fn: func(int) (string, error) {
		<-release
		return "wamid.B", nil
	}}
	cfg := testEngineConfig()
	cfg.PoolSize = 1
	cfg.QueueSize = 1
	p := newTestPool(t, provider, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	// first task occupies the worker, second fills the queue
	require.NoError(t, p.Enqueue(ctx, Task{MessageID: 1, PhoneNumberID: "pn1"}))
	require.NoError(t, p.Enqueue(ctx, Task{MessageID: 2, PhoneNumberID: "pn1"}))

	var enqueued atomic.Bool
	go func() {
		_ = p.Enqueue(ctx, Task{MessageID: 3, PhoneNumberID: "pn1"})
		enqueued.Store(true)
	}()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, enqueued.Load(), "third enqueue must block on the full queue")

	close(release)
	assert.Eventually(t, enqueued.Load, time.Second, 10*time.Millisecond)
}

func TestEnqueueAbortsOnCancel(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	provider := &mockProvider{fn: func(int) (string, error) {
		<-block // keeps the worker busy
		return "wamid.Z", nil
	}}
	cfg := testEngineConfig()
	cfg.PoolSize = 1
	cfg.QueueSize = 1
	p := newTestPool(t, provider, cfg)
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	p.Start(workerCtx)

	require.NoError(t, p.Enqueue(context.Background(), Task{MessageID: 1, PhoneNumberID: "pn1"}))
	require.NoError(t, p.Enqueue(context.Background(), Task{MessageID: 2, PhoneNumberID: "pn1"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Enqueue(ctx, Task{MessageID: 3, PhoneNumberID: "pn1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
