package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"whatsapp-platform/internal/automation"
	"whatsapp-platform/internal/config"
	"whatsapp-platform/internal/database"
	"whatsapp-platform/internal/dedup"
	"whatsapp-platform/internal/delivery"
	"whatsapp-platform/internal/models"
	"whatsapp-platform/internal/ratelimit"
	"whatsapp-platform/internal/repository"
	"whatsapp-platform/internal/sender"
	"whatsapp-platform/internal/whatsapp"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type nullProvider struct{}

func (nullProvider) Send(context.Context, string, string, whatsapp.Payload) (string, error) {
	return "wamid.null", nil
}

func newTestRouter(t *testing.T) (*gin.Engine, *repository.GormStore, *models.PhoneNumber) {
	t.Helper()
	gin.SetMode(gin.TestMode)

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

	engCfg := config.EngineConfig{
		PoolSize:        1,
		QueueSize:       4,
		AcquireTimeout:  time.Second,
		SendTimeout:     time.Second,
		SendMaxAttempts: 1,
		BackoffInitial:  time.Millisecond,
		BackoffMax:      time.Millisecond,
		DedupTTL:        time.Hour,
	}
	cfg := &config.Config{VerifyToken: "secret-token", Engine: engCfg}

	log := zap.NewNop()
	limiter := ratelimit.New(ratelimit.Options{Burst: 100, PerSec: 1000})
	pool := sender.NewPool(nullProvider{}, limiter, engCfg, log)
	runCtx, cancel := context.WithCancel(context.Background())
	pool.Start(runCtx)
	t.Cleanup(cancel)

	tracker := delivery.NewTracker(store, nil, log)
	engine := automation.NewEngine(store, pool, tracker, dedup.NewMemory(), engCfg, log)
	h := NewHandler(cfg, tracker, engine, log)

	r := gin.New()
	r.GET("/webhook", h.VerifyWebhook)
	r.POST("/webhook", h.HandleMessage)
	return r, store, pn
}

func TestVerifyWebhook(t *testing.T) {
	r, _, _ := newTestRouter(t)

	cases := []struct {
		name      string
		query     string
		wantCode  int
		wantEcho  bool
		challenge string
	}{
		{"valid handshake", "hub.mode=subscribe&hub.verify_token=secret-token&hub.challenge=c123", http.StatusOK, true, "c123"},
		{"wrong token", "hub.mode=subscribe&hub.verify_token=nope&hub.challenge=c123", http.StatusForbidden, false, ""},
		{"wrong mode", "hub.mode=unsubscribe&hub.verify_token=secret-token&hub.challenge=c123", http.StatusForbidden, false, ""},
		{"missing params", "", http.StatusBadRequest, false, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/webhook?"+tc.query, nil)
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.wantCode, w.Code)
			if tc.wantEcho {
				assert.Equal(t, tc.challenge, w.Body.String())
			}
		})
	}
}

func statusPayload(wamid, status string) string {
	return `{
		"object": "whatsapp_business_account",
		"entry": [{"id": "e1", "changes": [{"field": "messages", "value": {
			"messaging_product": "whatsapp",
			"metadata": {"phone_number_id": "pn-prov-1"},
			"statuses": [{"id": "` + wamid + `", "status": "` + status + `", "timestamp": "1724800000", "recipient_id": "+15550001"}]
		}}]}]
	}`
}

func TestStatusCallbackAdvancesMessage(t *testing.T) {
	r, store, _ := newTestRouter(t)
	ctx := context.Background()

	m := &models.Message{RecipientID: 1, IsOutbound: true, Status: models.MessageQueued}
	require.NoError(t, store.CreateMessage(ctx, m))
	_, err := store.SetMessageSent(ctx, m.ID, "wamid.track", time.Now().UTC())
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(statusPayload("wamid.track", "delivered")))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	got, err := store.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MessageDelivered, got.Status)
	assert.NotNil(t, got.DeliveredAt)
}

func TestStatusCallbackUnknownWamidStillAcks(t *testing.T) {
	r, _, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(statusPayload("wamid.ghost", "delivered")))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code, "the provider must not retry unknown wamids")
}

func TestInboundMessagePersistedViaWebhook(t *testing.T) {
	r, store, pn := newTestRouter(t)

	body := `{
		"object": "whatsapp_business_account",
		"entry": [{"id": "e1", "changes": [{"field": "messages", "value": {
			"messaging_product": "whatsapp",
			"metadata": {"phone_number_id": "pn-prov-1"},
			"messages": [{"from": "+15550002", "id": "wamid.in1", "timestamp": "1724800000", "type": "text", "text": {"body": "hello"}}]
		}}]}]
	}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	ctx := context.Background()
	rec, err := store.EnsureConversationRecipient(ctx, pn.ID, "+15550002")
	require.NoError(t, err)

	msgs, err := store.MessagesByIDs(ctx, []uint{1})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, rec.ID, msgs[0].RecipientID)
	assert.False(t, msgs[0].IsOutbound)
	assert.Equal(t, "hello", msgs[0].Body)
	assert.Equal(t, models.MessageReceived, msgs[0].Status)
}

func TestMalformedPayloadRejected(t *testing.T) {
	r, _, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{"entry": [`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInteractiveReplyNormalized(t *testing.T) {
	r, store, pn := newTestRouter(t)

	body := `{
		"object": "whatsapp_business_account",
		"entry": [{"id": "e1", "changes": [{"field": "messages", "value": {
			"messaging_product": "whatsapp",
			"metadata": {"phone_number_id": "pn-prov-1"},
			"messages": [{"from": "+15550003", "id": "wamid.btn1", "timestamp": "1724800000", "type": "interactive",
				"interactive": {"type": "button_reply", "button_reply": {"id": "btn_yes", "title": "Yes"}}}]
		}}]}]
	}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	ctx := context.Background()
	_, err := store.EnsureConversationRecipient(ctx, pn.ID, "+15550003")
	require.NoError(t, err)

	msgs, err := store.MessagesByIDs(ctx, []uint{1})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Yes", msgs[0].Body)
}
