package webhook

import (
	"net/http"
	"strconv"
	"time"

	"whatsapp-platform/internal/automation"
	"whatsapp-platform/internal/config"
	"whatsapp-platform/internal/delivery"
	"whatsapp-platform/pkg/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler terminates the WhatsApp Cloud API webhook. It verifies the
// subscription handshake and fans incoming payloads out to the delivery
// tracker (status callbacks) and the automation engine (inbound messages).
type Handler struct {
	cfg     *config.Config
	tracker *delivery.Tracker
	engine  *automation.Engine
	log     *zap.Logger
}

func NewHandler(cfg *config.Config, tracker *delivery.Tracker, engine *automation.Engine, log *zap.Logger) *Handler {
	return &Handler{cfg: cfg, tracker: tracker, engine: engine, log: log}
}

// VerifyWebhook answers the hub.challenge handshake Meta sends when the
// webhook URL is registered.
func (h *Handler) VerifyWebhook(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode == "" || token == "" {
		c.Status(http.StatusBadRequest)
		return
	}
	if mode != "subscribe" || token != h.cfg.VerifyToken {
		c.Status(http.StatusForbidden)
		return
	}
	h.log.Info("webhook verified")
	c.String(http.StatusOK, challenge)
}

// HandleMessage ingests one webhook POST. The provider retries on non-2xx,
// so every payload that parses is acknowledged with 200 even when individual
// events are dropped; ingest is idempotent on the provider message id.
func (h *Handler) HandleMessage(c *gin.Context) {
	var payload models.WebhookPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		h.log.Warn("webhook payload rejected", zap.Error(err))
		c.Status(http.StatusBadRequest)
		return
	}

	ctx := c.Request.Context()
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			value := change.Value
			phoneNumberID := value.Metadata.PhoneNumberID

			for _, st := range value.Statuses {
				ev := normalizeStatus(phoneNumberID, st)
				if err := h.tracker.HandleStatus(ctx, ev); err != nil {
					h.log.Error("status event failed",
						zap.String("wamid", ev.Wamid), zap.Error(err))
					continue
				}
				if err := h.engine.HandleStatus(ctx, ev); err != nil {
					h.log.Error("status automation failed",
						zap.String("wamid", ev.Wamid), zap.Error(err))
				}
			}

			for _, msg := range value.Messages {
				ev := normalizeInbound(phoneNumberID, msg)
				if err := h.engine.HandleInbound(ctx, ev); err != nil {
					h.log.Error("inbound event failed",
						zap.String("wamid", ev.Wamid), zap.Error(err))
				}
			}
		}
	}

	c.Status(http.StatusOK)
}

func normalizeStatus(phoneNumberID string, st models.IncomingStatus) models.StatusEvent {
	ev := models.StatusEvent{
		Wamid:         st.ID,
		Status:        st.Status,
		Timestamp:     parseEpoch(st.Timestamp),
		PhoneNumberID: phoneNumberID,
		RecipientID:   st.RecipientID,
	}
	if len(st.Errors) > 0 {
		ev.ErrorMessage = st.Errors[0].Message
		if ev.ErrorMessage == "" {
			ev.ErrorMessage = st.Errors[0].Title
		}
	}
	return ev
}

func normalizeInbound(phoneNumberID string, msg models.IncomingMessage) models.InboundEvent {
	ev := models.InboundEvent{
		PhoneNumberID: phoneNumberID,
		From:          msg.From,
		Wamid:         msg.ID,
		Type:          msg.Type,
		Timestamp:     parseEpoch(msg.Timestamp),
	}
	switch msg.Type {
	case "text":
		ev.Text = msg.Text.Body
	case "interactive":
		if msg.Interactive != nil {
			if br := msg.Interactive.ButtonReply; br != nil {
				ev.ButtonID = br.ID
				ev.Text = br.Title
			} else if lr := msg.Interactive.ListReply; lr != nil {
				ev.ButtonID = lr.ID
				ev.Text = lr.Title
			}
		}
	case "button":
		// template quick-reply buttons arrive as plain text in some API
		// versions; keep whatever body is present
		ev.Text = msg.Text.Body
	}
	return ev
}

// parseEpoch converts the Cloud API's unix-seconds string timestamps. A
// missing or malformed value falls back to now so ordering checks still run.
func parseEpoch(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil || sec <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(sec, 0).UTC()
}
