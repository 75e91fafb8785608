package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"whatsapp-platform/internal/dispatcher"
	"whatsapp-platform/internal/models"
	"whatsapp-platform/internal/repository"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// CampaignHandler serves the campaign lifecycle: create, schedule, cancel
// and inspection of dispatched messages.
type CampaignHandler struct {
	store      repository.Store
	dispatcher *dispatcher.Dispatcher
	log        *zap.Logger
}

func NewCampaignHandler(store repository.Store, d *dispatcher.Dispatcher, log *zap.Logger) *CampaignHandler {
	return &CampaignHandler{store: store, dispatcher: d, log: log}
}

type createCampaignRequest struct {
	AccountID      uint            `json:"account_id" binding:"required"`
	AudienceID     uint            `json:"audience_id" binding:"required"`
	Name           string          `json:"name" binding:"required"`
	PayloadType    string          `json:"payload_type" binding:"required,oneof=template text media"`
	Text           string          `json:"text"`
	TemplateID     string          `json:"template_id"`
	TemplateParams json.RawMessage `json:"template_params"`
	MediaURL       string          `json:"media_url"`
}

func (r *createCampaignRequest) validatePayload() string {
	switch r.PayloadType {
	case models.PayloadText:
		if r.Text == "" {
			return "text payload requires text"
		}
	case models.PayloadTemplate:
		if r.TemplateID == "" {
			return "template payload requires template_id"
		}
	case models.PayloadMedia:
		if r.MediaURL == "" {
			return "media payload requires media_url"
		}
	}
	return ""
}

func (h *CampaignHandler) CreateCampaign(c *gin.Context) {
	var req createCampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if msg := req.validatePayload(); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}

	audience, err := h.store.GetAudience(c.Request.Context(), req.AudienceID)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	if audience.AccountID != req.AccountID {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	campaign := models.Campaign{
		AccountID:      req.AccountID,
		AudienceID:     req.AudienceID,
		Name:           req.Name,
		Status:         models.CampaignDraft,
		PayloadType:    req.PayloadType,
		Text:           req.Text,
		TemplateID:     req.TemplateID,
		TemplateParams: string(req.TemplateParams),
		MediaURL:       req.MediaURL,
	}
	if err := h.store.CreateCampaign(c.Request.Context(), &campaign); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, campaign)
}

func (h *CampaignHandler) ListCampaigns(c *gin.Context) {
	accountID, ok := queryAccountID(c)
	if !ok {
		return
	}

	campaigns, err := h.store.ListCampaigns(c.Request.Context(), accountID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if campaigns == nil {
		campaigns = []models.Campaign{}
	}
	c.JSON(http.StatusOK, campaigns)
}

func (h *CampaignHandler) GetCampaign(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	campaign, err := h.store.GetCampaign(c.Request.Context(), id)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, campaign)
}

type scheduleCampaignRequest struct {
	ScheduledAt *time.Time `json:"scheduled_at"`
}

// ScheduleCampaign moves a draft campaign to scheduled. Omitting
// scheduled_at means dispatch on the scheduler's next pass.
func (h *CampaignHandler) ScheduleCampaign(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req scheduleCampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.dispatcher.Schedule(c.Request.Context(), id, req.ScheduledAt)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, dispatcher.ErrScheduleInPast):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "scheduled_at must be in the future"})
	case errors.Is(err, dispatcher.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "only draft campaigns can be scheduled"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"status": models.CampaignScheduled})
	}
}

// CancelCampaign stops a non-terminal campaign. In-flight sends finish;
// no new messages are enqueued.
func (h *CampaignHandler) CancelCampaign(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	err := h.dispatcher.Cancel(c.Request.Context(), id)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, dispatcher.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "campaign already finished"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"status": models.CampaignCancelled})
	}
}

// GetCampaignMessages returns the messages the dispatcher created for a
// campaign during this process's lifetime.
func (h *CampaignHandler) GetCampaignMessages(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	if _, err := h.store.GetCampaign(c.Request.Context(), id); err != nil {
		respondStoreError(c, err)
		return
	}

	messages, err := h.dispatcher.MessagesFor(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	c.JSON(http.StatusOK, messages)
}
