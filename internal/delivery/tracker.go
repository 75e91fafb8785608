package delivery

import (
	"context"
	"time"

	"whatsapp-platform/internal/models"
	"whatsapp-platform/internal/repository"
	pubmodels "whatsapp-platform/pkg/models"

	"go.uber.org/zap"
)

// Broadcaster pushes engine events to dashboard clients. The websocket hub
// satisfies it; a nil broadcaster is fine.
type Broadcaster interface {
	BroadcastEvent(eventType string, data interface{})
}

// Tracker advances each message's delivery state machine: immediate send
// results from the pool and asynchronous webhook callbacks keyed by wamid.
// All writes go through the repository's conditional transitions, so
// duplicate and out-of-order events are absorbed without regressing state.
type Tracker struct {
	store repository.Store
	hub   Broadcaster
	log   *zap.Logger
}

func NewTracker(store repository.Store, hub Broadcaster, log *zap.Logger) *Tracker {
	return &Tracker{store: store, hub: hub, log: log.Named("delivery")}
}

// MarkSent records a successful send result: queued -> sent with the
// provider-assigned wamid.
func (t *Tracker) MarkSent(ctx context.Context, messageID uint, wamid string, at time.Time) error {
	ok, err := t.store.SetMessageSent(ctx, messageID, wamid, at)
	if err != nil {
		return err
	}
	if !ok {
		// Already past queued; a webhook beat us or the campaign was
		// concurrently failed. Nothing to do.
		t.log.Debug("mark sent skipped", zap.Uint("message_id", messageID))
		return nil
	}
	t.broadcast(messageID, models.MessageSent, wamid)
	return nil
}

// MarkFailed records a failed send attempt: queued|sent -> failed with the
// reason on the row.
func (t *Tracker) MarkFailed(ctx context.Context, messageID uint, reason string) error {
	ok, err := t.store.FailMessage(ctx, messageID, reason)
	if err != nil {
		return err
	}
	if ok {
		t.broadcast(messageID, models.MessageFailed, "")
	}
	return nil
}

// HandleStatus ingests one webhook status event. Unknown wamids are logged
// and dropped: races with the provider's own retries are expected and are not
// an error surfaced to the caller.
func (t *Tracker) HandleStatus(ctx context.Context, ev pubmodels.StatusEvent) error {
	res, id, err := t.store.AdvanceMessageByWamid(ctx, ev.Wamid, ev.Status, ev.Timestamp, ev.ErrorMessage)
	if err != nil {
		statusEventsTotal.WithLabelValues(ev.Status, "error").Inc()
		return err
	}
	switch res {
	case repository.AdvanceApplied:
		statusEventsTotal.WithLabelValues(ev.Status, "applied").Inc()
		t.broadcast(id, ev.Status, ev.Wamid)
	case repository.AdvanceStale:
		// Duplicate or out-of-order; accepted idempotently.
		statusEventsTotal.WithLabelValues(ev.Status, "stale").Inc()
		t.log.Debug("stale status event",
			zap.String("wamid", ev.Wamid),
			zap.String("status", ev.Status))
	case repository.AdvanceUnknown:
		statusEventsTotal.WithLabelValues(ev.Status, "unknown").Inc()
		t.log.Warn("status event for unknown wamid",
			zap.String("wamid", ev.Wamid),
			zap.String("status", ev.Status))
	}
	return nil
}

func (t *Tracker) broadcast(messageID uint, status, wamid string) {
	if t.hub == nil {
		return
	}
	t.hub.BroadcastEvent("message_status", map[string]interface{}{
		"message_id": messageID,
		"status":     status,
		"wamid":      wamid,
	})
}
