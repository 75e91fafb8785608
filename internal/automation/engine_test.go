package automation

import (
	"context"
	"sync"
	"testing"
	"time"

	"whatsapp-platform/internal/config"
	"whatsapp-platform/internal/database"
	"whatsapp-platform/internal/dedup"
	"whatsapp-platform/internal/delivery"
	"whatsapp-platform/internal/models"
	"whatsapp-platform/internal/ratelimit"
	"whatsapp-platform/internal/repository"
	"whatsapp-platform/internal/sender"
	"whatsapp-platform/internal/whatsapp"
	pubmodels "whatsapp-platform/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// capturingProvider records every outbound payload.
type capturingProvider struct {
	mu    sync.Mutex
	sends []whatsapp.Payload
	tos   []string
}

func (p *capturingProvider) Send(_ context.Context, _, to string, payload whatsapp.Payload) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sends = append(p.sends, payload)
	p.tos = append(p.tos, to)
	return "wamid.auto." + to, nil
}

func (p *capturingProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sends)
}

func (p *capturingProvider) payloads() []whatsapp.Payload {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]whatsapp.Payload, len(p.sends))
	copy(out, p.sends)
	return out
}

type engineFixture struct {
	store    *repository.GormStore
	provider *capturingProvider
	engine   *Engine
	pn       *models.PhoneNumber
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	store := repository.NewGormStore(db)

	ctx := context.Background()
	acct := &models.Account{UserID: "u1", WabaID: "w1"}
	require.NoError(t, store.CreateAccount(ctx, acct))
	pn := &models.PhoneNumber{AccountID: acct.ID, PhoneNumberID: "pn-prov-1", Status: models.PhoneNumberRegistered}
	require.NoError(t, store.CreatePhoneNumber(ctx, pn))

	cfg := config.EngineConfig{
		PoolSize:        2,
		QueueSize:       8,
		AcquireTimeout:  time.Second,
		SendTimeout:     time.Second,
		SendMaxAttempts: 1,
		BackoffInitial:  time.Millisecond,
		BackoffMax:      time.Millisecond,
		DedupTTL:        time.Hour,
		SessionIdle:     time.Minute,
		MaxWaitDelay:    10 * time.Millisecond,
	}

	provider := &capturingProvider{}
	limiter := ratelimit.New(ratelimit.Options{Burst: 100, PerSec: 1000})
	log := zap.NewNop()
	pool := sender.NewPool(provider, limiter, cfg, log)
	runCtx, cancel := context.WithCancel(context.Background())
	pool.Start(runCtx)
	t.Cleanup(cancel)

	tracker := delivery.NewTracker(store, nil, log)
	engine := NewEngine(store, pool, tracker, dedup.NewMemory(), cfg, log)

	return &engineFixture{store: store, provider: provider, engine: engine, pn: pn}
}

func (f *engineFixture) addAutomation(t *testing.T, definition string) *models.Automation {
	t.Helper()
	a := &models.Automation{
		AccountID:             f.pn.AccountID,
		WhatsAppPhoneNumberID: f.pn.ID,
		Name:                  "auto",
		Type:                  "keyword",
		Status:                models.AutomationActive,
		AutomationJSON:        definition,
	}
	require.NoError(t, f.store.CreateAutomation(context.Background(), a))
	return a
}

func (f *engineFixture) inbound(wamid, from, text string) pubmodels.InboundEvent {
	return pubmodels.InboundEvent{
		PhoneNumberID: f.pn.PhoneNumberID,
		From:          from,
		Wamid:         wamid,
		Type:          "text",
		Text:          text,
		Timestamp:     time.Now().UTC(),
	}
}

func TestKeywordTriggerSendsReply(t *testing.T) {
	f := newEngineFixture(t)
	f.addAutomation(t, `{
		"trigger": {"type": "keyword", "keywords": ["hello"]},
		"actions": [{"type": "send_text", "text": "Hi {{phone}}!"}]
	}`)

	require.NoError(t, f.engine.HandleInbound(context.Background(), f.inbound("wamid.1", "+15550001", "hello there")))

	require.Eventually(t, func() bool { return f.provider.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	p := f.provider.payloads()[0]
	assert.Equal(t, models.PayloadText, p.Type)
	assert.Equal(t, "Hi +15550001!", p.Text)
}

func TestInboundRecordedAndDuplicateWamidDropped(t *testing.T) {
	f := newEngineFixture(t)
	f.addAutomation(t, `{
		"trigger": {"type": "default"},
		"actions": [{"type": "send_text", "text": "pong"}]
	}`)

	ev := f.inbound("wamid.dup", "+15550002", "ping")
	require.NoError(t, f.engine.HandleInbound(context.Background(), ev))
	require.NoError(t, f.engine.HandleInbound(context.Background(), ev))

	require.Eventually(t, func() bool { return f.provider.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.provider.count(), "webhook retry must not run the flow twice")
}

func TestUnknownPhoneNumberDropped(t *testing.T) {
	f := newEngineFixture(t)
	ev := f.inbound("wamid.u", "+15550003", "hi")
	ev.PhoneNumberID = "pn-unknown"
	assert.NoError(t, f.engine.HandleInbound(context.Background(), ev))
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, f.provider.count())
}

func TestMalformedAutomationSkippedOthersRun(t *testing.T) {
	f := newEngineFixture(t)
	f.addAutomation(t, `{"trigger": {"type": "keyword"}}`) // invalid: no keywords, no actions
	f.addAutomation(t, `{
		"trigger": {"type": "keyword", "keywords": ["help"]},
		"actions": [{"type": "send_text", "text": "On it"}]
	}`)

	require.NoError(t, f.engine.HandleInbound(context.Background(), f.inbound("wamid.m", "+15550004", "help")))
	require.Eventually(t, func() bool { return f.provider.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestDisabledAutomationDoesNotRun(t *testing.T) {
	f := newEngineFixture(t)
	a := f.addAutomation(t, `{
		"trigger": {"type": "default"},
		"actions": [{"type": "send_text", "text": "x"}]
	}`)
	require.NoError(t, f.store.SetAutomationStatus(context.Background(), a.ID, models.AutomationDisabled))

	require.NoError(t, f.engine.HandleInbound(context.Background(), f.inbound("wamid.d", "+15550005", "anything")))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.provider.count())
}

func TestBranchSuspendsAndResumesOnReply(t *testing.T) {
	f := newEngineFixture(t)
	f.addAutomation(t, `{
		"trigger": {"type": "keyword", "keywords": ["menu"]},
		"actions": [
			{"type": "send_text", "text": "pizza or pasta?"},
			{"type": "branch", "cases": [
				{"keywords": ["pizza"], "actions": [{"type": "send_text", "text": "pizza coming"}]},
				{"keywords": ["pasta"], "actions": [{"type": "send_text", "text": "pasta coming"}]}
			], "default": [{"type": "send_text", "text": "sorry?"}]}
		]
	}`)

	ctx := context.Background()
	require.NoError(t, f.engine.HandleInbound(ctx, f.inbound("wamid.b1", "+15550006", "menu")))
	require.Eventually(t, func() bool { return f.provider.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.engine.HandleInbound(ctx, f.inbound("wamid.b2", "+15550006", "pizza please")))
	require.Eventually(t, func() bool { return f.provider.count() == 2 }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "pizza coming", f.provider.payloads()[1].Text)
}

func TestBranchDefaultOnUnmatchedReply(t *testing.T) {
	f := newEngineFixture(t)
	f.addAutomation(t, `{
		"trigger": {"type": "keyword", "keywords": ["menu"]},
		"actions": [
			{"type": "branch", "cases": [
				{"keywords": ["pizza"], "actions": [{"type": "send_text", "text": "pizza coming"}]}
			], "default": [{"type": "send_text", "text": "did not catch that"}]}
		]
	}`)

	ctx := context.Background()
	require.NoError(t, f.engine.HandleInbound(ctx, f.inbound("wamid.c1", "+15550007", "menu")))
	require.NoError(t, f.engine.HandleInbound(ctx, f.inbound("wamid.c2", "+15550007", "sushi")))

	require.Eventually(t, func() bool { return f.provider.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "did not catch that", f.provider.payloads()[0].Text)
}

func TestStatusTriggerRuns(t *testing.T) {
	f := newEngineFixture(t)
	f.addAutomation(t, `{
		"trigger": {"type": "status", "statuses": ["read"]},
		"actions": [{"type": "send_template", "template_id": "followup"}]
	}`)

	ev := pubmodels.StatusEvent{
		PhoneNumberID: f.pn.PhoneNumberID,
		RecipientID:   "+15550008",
		Wamid:         "wamid.s",
		Status:        "read",
		Timestamp:     time.Now().UTC(),
	}
	require.NoError(t, f.engine.HandleStatus(context.Background(), ev))

	require.Eventually(t, func() bool { return f.provider.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	p := f.provider.payloads()[0]
	assert.Equal(t, models.PayloadTemplate, p.Type)
	assert.Equal(t, "followup", p.TemplateID)
}

func TestRedeliveredStatusEventRunsFlowOnce(t *testing.T) {
	f := newEngineFixture(t)
	f.addAutomation(t, `{
		"trigger": {"type": "status", "statuses": ["read"]},
		"actions": [{"type": "send_template", "template_id": "followup"}]
	}`)

	ev := pubmodels.StatusEvent{
		PhoneNumberID: f.pn.PhoneNumberID,
		RecipientID:   "+15550008",
		Wamid:         "wamid.r",
		Status:        "read",
		Timestamp:     time.Now().UTC(),
	}
	// the provider redelivers callbacks it considers unacknowledged
	require.NoError(t, f.engine.HandleStatus(context.Background(), ev))
	require.NoError(t, f.engine.HandleStatus(context.Background(), ev))

	require.Eventually(t, func() bool { return f.provider.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.provider.count(), "redelivered status event must not re-run the flow")
}

func TestInboundMessagePersisted(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.HandleInbound(ctx, f.inbound("wamid.p", "+15550009", "hello")))

	rec, err := f.store.EnsureConversationRecipient(ctx, f.pn.ID, "+15550009")
	require.NoError(t, err)

	var found bool
	require.Eventually(t, func() bool {
		msgs, err := f.store.MessagesByIDs(ctx, []uint{1, 2, 3, 4, 5})
		if err != nil {
			return false
		}
		for _, m := range msgs {
			if m.RecipientID == rec.ID && !m.IsOutbound && m.Status == models.MessageReceived && m.Wamid == "wamid.p" {
				found = true
			}
		}
		return found
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, found)
}
