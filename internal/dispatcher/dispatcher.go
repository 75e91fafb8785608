package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"whatsapp-platform/internal/audience"
	"whatsapp-platform/internal/config"
	"whatsapp-platform/internal/dedup"
	"whatsapp-platform/internal/delivery"
	"whatsapp-platform/internal/models"
	"whatsapp-platform/internal/repository"
	"whatsapp-platform/internal/sender"
	"whatsapp-platform/internal/whatsapp"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrInvalidTransition is returned when a schedule or cancel request does not
// apply to the campaign's current state.
var ErrInvalidTransition = errors.New("dispatcher: invalid campaign transition")

// ErrScheduleInPast is returned when a schedule request carries a past time.
var ErrScheduleInPast = errors.New("dispatcher: scheduledAt must be in the future")

var nonTerminal = []string{models.CampaignDraft, models.CampaignScheduled, models.CampaignSending}

// Dispatcher owns the campaign state machine: it resolves audiences, creates
// one queued message per recipient, hands send tasks to the pool and decides
// the campaign's terminal status once every send attempt has resolved.
type Dispatcher struct {
	store    repository.Store
	resolver *audience.Resolver
	pool     *sender.Pool
	tracker  *delivery.Tracker
	dedup    dedup.Store
	ledger   *Ledger
	hub      delivery.Broadcaster
	cfg      config.EngineConfig
	log      *zap.Logger

	now func() time.Time
	wg  sync.WaitGroup
}

func New(
	store repository.Store,
	resolver *audience.Resolver,
	pool *sender.Pool,
	tracker *delivery.Tracker,
	dd dedup.Store,
	hub delivery.Broadcaster,
	cfg config.EngineConfig,
	log *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		store:    store,
		resolver: resolver,
		pool:     pool,
		tracker:  tracker,
		dedup:    dd,
		ledger:   NewLedger(),
		hub:      hub,
		cfg:      cfg,
		log:      log.Named("dispatcher"),
		now:      time.Now,
	}
}

// Ledger exposes the campaign-to-message association for the control surface.
func (d *Dispatcher) Ledger() *Ledger {
	return d.ledger
}

// Schedule moves a draft campaign to scheduled. A nil at means send now; a
// non-nil at must lie in the future.
func (d *Dispatcher) Schedule(ctx context.Context, campaignID uint, at *time.Time) error {
	if _, err := d.store.GetCampaign(ctx, campaignID); err != nil {
		return err
	}
	if at != nil && at.Before(d.now()) {
		return ErrScheduleInPast
	}
	ok, err := d.store.ScheduleCampaign(ctx, campaignID, at)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidTransition
	}
	return nil
}

// Cancel moves a campaign to cancelled from any non-terminal state. New
// enqueues stop; in-flight sender tasks are allowed to finish.
func (d *Dispatcher) Cancel(ctx context.Context, campaignID uint) error {
	if _, err := d.store.GetCampaign(ctx, campaignID); err != nil {
		return err
	}
	d.ledger.Cancel(campaignID)
	completed := d.now().UTC()
	ok, err := d.store.TransitionCampaign(ctx, campaignID, nonTerminal, models.CampaignCancelled, "", &completed)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidTransition
	}
	d.broadcastCampaign(campaignID, models.CampaignCancelled)
	return nil
}

// MessagesFor lists the campaign's messages via the dispatch ledger; the
// association cannot be reconstructed from the entity relations alone.
func (d *Dispatcher) MessagesFor(ctx context.Context, campaignID uint) ([]models.Message, error) {
	return d.store.MessagesByIDs(ctx, d.ledger.MessageIDs(campaignID))
}

// Run polls for due scheduled campaigns until ctx is cancelled, moving each
// to sending and dispatching it on its own goroutine.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SchedulerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// Wait blocks until all in-flight campaign runs have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) tick(ctx context.Context) {
	due, err := d.store.DueCampaigns(ctx, d.now())
	if err != nil {
		d.log.Error("poll due campaigns", zap.Error(err))
		return
	}
	for _, c := range due {
		ok, err := d.store.TransitionCampaign(ctx, c.ID, []string{models.CampaignScheduled}, models.CampaignSending, "", nil)
		if err != nil {
			d.log.Error("begin sending", zap.Uint("campaign_id", c.ID), zap.Error(err))
			continue
		}
		if !ok {
			continue // another poller instance won the row
		}
		campaign := c
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.runCampaign(ctx, &campaign)
		}()
	}
}

// Dispatch runs one campaign synchronously. It is the entry point tick uses
// and is exported for tests and for send-now control paths.
func (d *Dispatcher) Dispatch(ctx context.Context, campaign *models.Campaign) {
	d.runCampaign(ctx, campaign)
}

func (d *Dispatcher) runCampaign(ctx context.Context, c *models.Campaign) {
	runID := uuid.NewString()
	log := d.log.With(zap.Uint("campaign_id", c.ID), zap.String("run_id", runID))
	log.Info("campaign dispatch started", zap.Uint("audience_id", c.AudienceID))

	d.ledger.Open(c.ID)

	res, err := d.resolver.Resolve(ctx, c.AccountID, c.AudienceID)
	if err != nil {
		d.failCampaign(ctx, c.ID, fmt.Sprintf("audience %d: %v", c.AudienceID, err))
		return
	}

	senders, err := d.senderNumbers(ctx, c.AccountID)
	if err != nil || len(senders) == 0 {
		d.failCampaign(ctx, c.ID, "no usable sender phone number on account")
		return
	}

	payload := campaignPayload(c)
	nextSender := 0
	for {
		if d.ledger.Cancelled(c.ID) {
			log.Info("campaign cancelled, stopping enqueues")
			break
		}
		rec, ok, err := res.Next(ctx)
		if err != nil {
			log.Error("audience iteration", zap.Error(err))
			break
		}
		if !ok {
			break
		}

		// Duplicate-send protection: an already-claimed recipient with a
		// non-failed message is a no-op on re-dispatch.
		key := dedup.CampaignRecipientKey(c.ID, rec.Phone)
		claimed, err := d.dedup.PutIfAbsent(ctx, key, d.cfg.DedupTTL)
		if err != nil {
			log.Error("dedup claim", zap.String("phone", rec.Phone), zap.Error(err))
			continue
		}
		if !claimed || d.ledger.Has(c.ID, rec.Phone) {
			log.Debug("recipient already dispatched", zap.String("phone", rec.Phone))
			continue
		}

		phone := senders[nextSender%len(senders)]
		nextSender++

		msg := &models.Message{
			RecipientID:           rec.ID,
			WhatsAppPhoneNumberID: &phone.ID,
			IsOutbound:            true,
			Body:                  payloadSummary(payload),
			Status:                models.MessageQueued,
		}
		if err := d.store.CreateMessage(ctx, msg); err != nil {
			log.Error("create message", zap.String("phone", rec.Phone), zap.Error(err))
			_ = d.dedup.Release(ctx, key)
			continue
		}
		d.ledger.Record(c.ID, rec.Phone, msg.ID)

		task := sender.Task{
			MessageID:     msg.ID,
			PhoneNumberID: phone.PhoneNumberID,
			To:            rec.Phone,
			Payload:       payload,
			Done: func(r sender.Result) {
				d.onResult(c.ID, key, rec.Phone, r)
			},
		}
		// Blocking enqueue: a full queue applies backpressure here rather
		// than dropping tasks.
		if err := d.pool.Enqueue(ctx, task); err != nil {
			log.Warn("enqueue aborted", zap.Uint("message_id", msg.ID), zap.Error(err))
			_ = d.tracker.MarkFailed(context.Background(), msg.ID, "dispatch aborted: "+err.Error())
			// Same cleanup as a failed send result, so a re-dispatch can
			// retry the recipient.
			_ = d.dedup.Release(context.Background(), key)
			d.ledger.Forget(c.ID, rec.Phone)
			d.settle(d.ledger.NoteResult(c.ID, false), c.ID)
		}
	}

	progress := d.ledger.Seal(c.ID)
	if progress.Total == 0 && !progress.Cancelled {
		d.failCampaign(ctx, c.ID, "audience resolved to zero recipients")
		return
	}
	d.settle(progress, c.ID)
}

// onResult books one finished send attempt and settles the campaign when it
// was the last outstanding one.
func (d *Dispatcher) onResult(campaignID uint, dedupKey, phone string, r sender.Result) {
	ctx := context.Background()
	if r.Err == nil {
		if err := d.tracker.MarkSent(ctx, r.MessageID, r.Wamid, r.At); err != nil {
			d.log.Error("mark sent", zap.Uint("message_id", r.MessageID), zap.Error(err))
		}
	} else {
		reason := r.Err.Error()
		if !r.Permanent {
			reason = fmt.Sprintf("retries exhausted after %d attempts: %v", r.Attempts, r.Err)
		}
		if err := d.tracker.MarkFailed(ctx, r.MessageID, reason); err != nil {
			d.log.Error("mark failed", zap.Uint("message_id", r.MessageID), zap.Error(err))
		}
		// Free the claim so a later re-dispatch may retry this recipient.
		_ = d.dedup.Release(ctx, dedupKey)
		d.ledger.Forget(campaignID, phone)
	}
	d.settle(d.ledger.NoteResult(campaignID, r.Err != nil && r.Permanent), campaignID)
}

// settle decides the campaign's terminal state once every message terminated.
// Completion requires termination, not delivery success; FAILED is reserved
// for the configured permanent-failure majority.
func (d *Dispatcher) settle(p Progress, campaignID uint) {
	if !p.Done() || p.Cancelled {
		return
	}
	target := models.CampaignCompleted
	if p.Total > 0 && float64(p.Permanent)/float64(p.Total) >= d.cfg.FailureThreshold {
		target = models.CampaignFailed
	}
	errMsg := ""
	if target == models.CampaignFailed {
		errMsg = fmt.Sprintf("%d of %d sends failed permanently", p.Permanent, p.Total)
	}
	completed := d.now().UTC()
	ok, err := d.store.TransitionCampaign(context.Background(), campaignID, []string{models.CampaignSending}, target, errMsg, &completed)
	if err != nil {
		d.log.Error("finish campaign", zap.Uint("campaign_id", campaignID), zap.Error(err))
		return
	}
	if ok {
		d.log.Info("campaign finished",
			zap.Uint("campaign_id", campaignID),
			zap.String("status", target),
			zap.Int("total", p.Total),
			zap.Int("permanent_failures", p.Permanent))
		d.broadcastCampaign(campaignID, target)
	}
}

func (d *Dispatcher) failCampaign(ctx context.Context, campaignID uint, reason string) {
	completed := d.now().UTC()
	ok, err := d.store.TransitionCampaign(ctx, campaignID, []string{models.CampaignSending}, models.CampaignFailed, reason, &completed)
	if err != nil {
		d.log.Error("fail campaign", zap.Uint("campaign_id", campaignID), zap.Error(err))
		return
	}
	if ok {
		d.log.Warn("campaign failed", zap.Uint("campaign_id", campaignID), zap.String("reason", reason))
		d.broadcastCampaign(campaignID, models.CampaignFailed)
	}
}

// senderNumbers returns the account's usable sending identities. Sends are
// spread round-robin across them, each gated by its own token bucket.
func (d *Dispatcher) senderNumbers(ctx context.Context, accountID uint) ([]models.PhoneNumber, error) {
	all, err := d.store.ListPhoneNumbers(ctx, accountID)
	if err != nil {
		return nil, err
	}
	usable := make([]models.PhoneNumber, 0, len(all))
	for _, p := range all {
		if p.Status != models.PhoneNumberPending {
			usable = append(usable, p)
		}
	}
	return usable, nil
}

func (d *Dispatcher) broadcastCampaign(campaignID uint, status string) {
	if d.hub == nil {
		return
	}
	d.hub.BroadcastEvent("campaign_status", map[string]interface{}{
		"campaign_id": campaignID,
		"status":      status,
	})
}

func campaignPayload(c *models.Campaign) whatsapp.Payload {
	return whatsapp.Payload{
		Type:           c.PayloadType,
		Text:           c.Text,
		TemplateID:     c.TemplateID,
		TemplateParams: []byte(c.TemplateParams),
		MediaURL:       c.MediaURL,
	}
}

func payloadSummary(p whatsapp.Payload) string {
	switch p.Type {
	case models.PayloadTemplate:
		return "template: " + p.TemplateID
	case models.PayloadMedia:
		return "media: " + p.MediaURL
	default:
		return p.Text
	}
}
