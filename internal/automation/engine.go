package automation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"whatsapp-platform/internal/config"
	"whatsapp-platform/internal/dedup"
	"whatsapp-platform/internal/delivery"
	"whatsapp-platform/internal/models"
	"whatsapp-platform/internal/repository"
	"whatsapp-platform/internal/sender"
	"whatsapp-platform/internal/whatsapp"
	pubmodels "whatsapp-platform/pkg/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Engine evaluates inbound-message and delivery-status events against the
// active automations scoped to a phone number, and executes matching flows.
// Work for one (phoneNumber, recipient) pair is serialized; a second event
// for the pair queues behind the first so two flow instances never race on
// the same conversation.
type Engine struct {
	store   repository.Store
	pool    *sender.Pool
	tracker *delivery.Tracker
	dd      dedup.Store
	ser     *Serializer
	cfg     config.EngineConfig
	log     *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session

	now func() time.Time
}

// session is a flow instance suspended at a branch, awaiting the
// conversation's next reply.
type session struct {
	id           string
	automationID uint
	branch       Action
	createdAt    time.Time
}

func NewEngine(
	store repository.Store,
	pool *sender.Pool,
	tracker *delivery.Tracker,
	dd dedup.Store,
	cfg config.EngineConfig,
	log *zap.Logger,
) *Engine {
	return &Engine{
		store:    store,
		pool:     pool,
		tracker:  tracker,
		dd:       dd,
		ser:      NewSerializer(),
		cfg:      cfg,
		log:      log.Named("automation"),
		sessions: make(map[string]*session),
		now:      time.Now,
	}
}

func convKey(phoneNumberID uint, phone string) string {
	return fmt.Sprintf("%d:%s", phoneNumberID, phone)
}

// HandleInbound records an inbound message and queues flow evaluation on the
// conversation's serial queue. Events from unknown phone numbers are dropped.
func (e *Engine) HandleInbound(ctx context.Context, ev pubmodels.InboundEvent) error {
	eventsTotal.WithLabelValues("inbound").Inc()

	pn, err := e.store.PhoneNumberByProviderID(ctx, ev.PhoneNumberID)
	if err != nil {
		e.log.Warn("inbound for unknown phone number", zap.String("phone_number_id", ev.PhoneNumberID))
		return nil
	}

	// Provider webhook retries must not duplicate the inbound record or
	// re-run flows.
	if ev.Wamid != "" {
		fresh, err := e.dd.PutIfAbsent(ctx, dedup.WamidKey(ev.Wamid), e.cfg.DedupTTL)
		if err != nil {
			return err
		}
		if !fresh {
			e.log.Debug("duplicate inbound wamid", zap.String("wamid", ev.Wamid))
			return nil
		}
	}

	rec, err := e.store.EnsureConversationRecipient(ctx, pn.ID, ev.From)
	if err != nil {
		return err
	}

	inbound := &models.Message{
		RecipientID:           rec.ID,
		WhatsAppPhoneNumberID: &pn.ID,
		Wamid:                 ev.Wamid,
		IsOutbound:            false,
		Body:                  ev.Text,
		Status:                models.MessageReceived,
	}
	if err := e.store.CreateMessage(ctx, inbound); err != nil {
		return err
	}

	e.ser.Do(convKey(pn.ID, ev.From), func() {
		e.processInbound(context.Background(), pn, rec, ev)
	})
	return nil
}

// HandleStatus queues evaluation of status-triggered automations for the
// conversation the status belongs to.
func (e *Engine) HandleStatus(ctx context.Context, ev pubmodels.StatusEvent) error {
	eventsTotal.WithLabelValues("status").Inc()

	if ev.RecipientID == "" {
		return nil
	}
	pn, err := e.store.PhoneNumberByProviderID(ctx, ev.PhoneNumberID)
	if err != nil {
		e.log.Warn("status for unknown phone number", zap.String("phone_number_id", ev.PhoneNumberID))
		return nil
	}

	// The provider retries status callbacks; a redelivered event must not
	// run status-triggered flows again.
	if ev.Wamid != "" {
		fresh, err := e.dd.PutIfAbsent(ctx, dedup.StatusKey(ev.Wamid, ev.Status), e.cfg.DedupTTL)
		if err != nil {
			return err
		}
		if !fresh {
			e.log.Debug("duplicate status event",
				zap.String("wamid", ev.Wamid),
				zap.String("status", ev.Status))
			return nil
		}
	}

	rec, err := e.store.EnsureConversationRecipient(ctx, pn.ID, ev.RecipientID)
	if err != nil {
		return err
	}

	e.ser.Do(convKey(pn.ID, ev.RecipientID), func() {
		e.processStatus(context.Background(), pn, rec, ev)
	})
	return nil
}

func (e *Engine) processInbound(ctx context.Context, pn *models.PhoneNumber, rec *models.Recipient, ev pubmodels.InboundEvent) {
	key := convKey(pn.ID, ev.From)

	// A suspended branch consumes the reply before trigger matching.
	if s := e.takeSession(key); s != nil {
		e.resumeBranch(ctx, pn, rec, s, ev)
		return
	}

	autos, err := e.store.ActiveAutomations(ctx, pn.ID)
	if err != nil {
		e.log.Error("load automations", zap.Uint("phone_number_id", pn.ID), zap.Error(err))
		return
	}
	for _, a := range autos {
		flow, err := ParseFlow(a.AutomationJSON)
		if err != nil {
			// One broken automation must not block others on the same
			// phone number.
			runsTotal.WithLabelValues("skipped_invalid").Inc()
			e.log.Warn("skipping malformed automation",
				zap.Uint("automation_id", a.ID),
				zap.Error(err))
			continue
		}
		if !flow.MatchesInbound(ev) {
			continue
		}
		runsTotal.WithLabelValues("matched").Inc()
		e.execute(ctx, key, pn, rec, a.ID, flow.Actions)
	}
}

func (e *Engine) processStatus(ctx context.Context, pn *models.PhoneNumber, rec *models.Recipient, ev pubmodels.StatusEvent) {
	key := convKey(pn.ID, ev.RecipientID)
	autos, err := e.store.ActiveAutomations(ctx, pn.ID)
	if err != nil {
		e.log.Error("load automations", zap.Uint("phone_number_id", pn.ID), zap.Error(err))
		return
	}
	for _, a := range autos {
		flow, err := ParseFlow(a.AutomationJSON)
		if err != nil {
			runsTotal.WithLabelValues("skipped_invalid").Inc()
			e.log.Warn("skipping malformed automation",
				zap.Uint("automation_id", a.ID),
				zap.Error(err))
			continue
		}
		if !flow.MatchesStatus(ev) {
			continue
		}
		runsTotal.WithLabelValues("matched").Inc()
		e.execute(ctx, key, pn, rec, a.ID, flow.Actions)
	}
}

// execute runs an action sequence in order. A branch suspends the flow as a
// session awaiting the conversation's next reply and ends this run.
func (e *Engine) execute(ctx context.Context, key string, pn *models.PhoneNumber, rec *models.Recipient, automationID uint, actions []Action) {
	for _, a := range actions {
		switch a.Type {
		case ActionSendText:
			e.send(ctx, pn, rec, whatsapp.Payload{
				Type: models.PayloadText,
				Text: e.render(a.Text, rec),
			})
		case ActionSendTemplate:
			e.send(ctx, pn, rec, whatsapp.Payload{
				Type:           models.PayloadTemplate,
				TemplateID:     a.TemplateID,
				TemplateParams: a.TemplateParams,
			})
		case ActionSendMedia:
			e.send(ctx, pn, rec, whatsapp.Payload{
				Type:     models.PayloadMedia,
				MediaURL: a.MediaURL,
				Text:     a.Caption,
			})
		case ActionWait:
			delay := time.Duration(a.Seconds) * time.Second
			if e.cfg.MaxWaitDelay > 0 && delay > e.cfg.MaxWaitDelay {
				delay = e.cfg.MaxWaitDelay
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		case ActionBranch:
			e.putSession(key, &session{
				id:           uuid.NewString(),
				automationID: automationID,
				branch:       a,
				createdAt:    e.now(),
			})
			return
		}
	}
}

// resumeBranch matches the reply against the suspended branch's cases and
// runs the chosen case (or the default sequence).
func (e *Engine) resumeBranch(ctx context.Context, pn *models.PhoneNumber, rec *models.Recipient, s *session, ev pubmodels.InboundEvent) {
	key := convKey(pn.ID, ev.From)
	reply := ev.Text
	if reply == "" {
		reply = ev.ButtonID
	}
	for _, c := range s.branch.Cases {
		if matchKeywords(reply, c.Keywords, "contains") {
			e.execute(ctx, key, pn, rec, s.automationID, c.Actions)
			return
		}
	}
	if len(s.branch.Default) > 0 {
		e.execute(ctx, key, pn, rec, s.automationID, s.branch.Default)
	}
}

// send creates the outbound message row and routes the send through the
// rate-limited pool like any campaign send.
func (e *Engine) send(ctx context.Context, pn *models.PhoneNumber, rec *models.Recipient, payload whatsapp.Payload) {
	msg := &models.Message{
		RecipientID:           rec.ID,
		WhatsAppPhoneNumberID: &pn.ID,
		IsOutbound:            true,
		Body:                  payloadBody(payload),
		Status:                models.MessageQueued,
	}
	if err := e.store.CreateMessage(ctx, msg); err != nil {
		e.log.Error("create automation message", zap.Error(err))
		return
	}

	task := sender.Task{
		MessageID:     msg.ID,
		PhoneNumberID: pn.PhoneNumberID,
		To:            rec.Phone,
		Payload:       payload,
		Done: func(r sender.Result) {
			bg := context.Background()
			if r.Err == nil {
				if err := e.tracker.MarkSent(bg, r.MessageID, r.Wamid, r.At); err != nil {
					e.log.Error("mark automation sent", zap.Error(err))
				}
				return
			}
			if err := e.tracker.MarkFailed(bg, r.MessageID, r.Err.Error()); err != nil {
				e.log.Error("mark automation failed", zap.Error(err))
			}
		},
	}
	if err := e.pool.Enqueue(ctx, task); err != nil {
		e.log.Warn("automation enqueue aborted", zap.Uint("message_id", msg.ID), zap.Error(err))
		_ = e.tracker.MarkFailed(context.Background(), msg.ID, "enqueue aborted: "+err.Error())
	}
}

func (e *Engine) render(text string, rec *models.Recipient) string {
	text = strings.ReplaceAll(text, "{{name}}", rec.Name)
	return strings.ReplaceAll(text, "{{phone}}", rec.Phone)
}

func (e *Engine) takeSession(key string) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[key]
	if !ok {
		return nil
	}
	delete(e.sessions, key)
	if e.cfg.SessionIdle > 0 && e.now().Sub(s.createdAt) > e.cfg.SessionIdle {
		return nil // expired; fall through to trigger matching
	}
	return s
}

func (e *Engine) putSession(key string, s *session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions[key] = s
}

func payloadBody(p whatsapp.Payload) string {
	switch p.Type {
	case models.PayloadTemplate:
		return "template: " + p.TemplateID
	case models.PayloadMedia:
		return "media: " + p.MediaURL
	default:
		return p.Text
	}
}
