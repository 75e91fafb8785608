package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Store maps natural identifiers (provider wamids, campaign+recipient pairs)
// to prevent duplicate sends and duplicate records. PutIfAbsent is the only
// write: it claims a key atomically and reports whether this caller won.
type Store interface {
	PutIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Seen(ctx context.Context, key string) (bool, error)
	// Release frees a claimed key, e.g. when the guarded send failed and a
	// later re-dispatch should be allowed to retry the recipient.
	Release(ctx context.Context, key string) error
}

// CampaignRecipientKey is the dedup key guarding one send per recipient per
// campaign.
func CampaignRecipientKey(campaignID uint, phone string) string {
	return fmt.Sprintf("dispatch:c%d:%s", campaignID, phone)
}

// WamidKey guards duplicate inbound-event processing for one provider
// message id.
func WamidKey(wamid string) string {
	return "wamid:" + wamid
}

// StatusKey guards duplicate status-event processing. The status is part of
// the key: one wamid legitimately reports sent, delivered and read in turn.
func StatusKey(wamid, status string) string {
	return "status:" + wamid + ":" + status
}

// Memory is the in-process Store used by default and in tests.
type Memory struct {
	mu      sync.Mutex
	entries map[string]time.Time // key -> expiry (zero = no expiry)
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (m *Memory) PutIfAbsent(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.entries[key]; ok {
		if exp.IsZero() || m.now().Before(exp) {
			return false, nil
		}
	}
	var exp time.Time
	if ttl > 0 {
		exp = m.now().Add(ttl)
	}
	m.entries[key] = exp
	return true, nil
}

func (m *Memory) Seen(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	if !exp.IsZero() && !m.now().Before(exp) {
		delete(m.entries, key)
		return false, nil
	}
	return true, nil
}

func (m *Memory) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}
