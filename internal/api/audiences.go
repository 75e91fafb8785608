package api

import (
	"net/http"
	"strconv"

	"whatsapp-platform/internal/models"
	"whatsapp-platform/internal/repository"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AudienceHandler serves audience and recipient management.
type AudienceHandler struct {
	store repository.Store
	log   *zap.Logger
}

func NewAudienceHandler(store repository.Store, log *zap.Logger) *AudienceHandler {
	return &AudienceHandler{store: store, log: log}
}

type createAudienceRequest struct {
	AccountID uint   `json:"account_id" binding:"required"`
	Name      string `json:"name" binding:"required"`
}

func (h *AudienceHandler) CreateAudience(c *gin.Context) {
	var req createAudienceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := h.store.GetAccount(c.Request.Context(), req.AccountID); err != nil {
		respondStoreError(c, err)
		return
	}

	audience := models.Audience{AccountID: req.AccountID, Name: req.Name}
	if err := h.store.CreateAudience(c.Request.Context(), &audience); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, audience)
}

func (h *AudienceHandler) ListAudiences(c *gin.Context) {
	accountID, ok := queryAccountID(c)
	if !ok {
		return
	}

	audiences, err := h.store.ListAudiences(c.Request.Context(), accountID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if audiences == nil {
		audiences = []models.Audience{}
	}
	c.JSON(http.StatusOK, audiences)
}

func (h *AudienceHandler) GetAudience(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	audience, err := h.store.GetAudience(c.Request.Context(), id)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, audience)
}

type addRecipientsRequest struct {
	Recipients []struct {
		Phone string `json:"phone" binding:"required"`
		Name  string `json:"name"`
	} `json:"recipients" binding:"required,min=1,dive"`
}

// AddRecipients upserts a batch of recipients into an audience. Duplicates
// by phone update the existing row, so the batch is safe to retry.
func (h *AudienceHandler) AddRecipients(c *gin.Context) {
	audienceID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req addRecipientsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := h.store.GetAudience(c.Request.Context(), audienceID); err != nil {
		respondStoreError(c, err)
		return
	}

	added := 0
	for _, r := range req.Recipients {
		recipient := models.Recipient{
			AudienceID: &audienceID,
			Phone:      r.Phone,
			Name:       r.Name,
		}
		if err := h.store.UpsertRecipient(c.Request.Context(), &recipient); err != nil {
			h.log.Warn("recipient upsert failed",
				zap.Uint("audience_id", audienceID),
				zap.String("phone", r.Phone), zap.Error(err))
			continue
		}
		added++
	}

	c.JSON(http.StatusOK, gin.H{"added": added, "total": len(req.Recipients)})
}

// ListRecipients pages through an audience's recipients with keyset
// pagination: ?after=<lastID>&limit=<n>.
func (h *AudienceHandler) ListRecipients(c *gin.Context) {
	audienceID, ok := pathID(c, "id")
	if !ok {
		return
	}

	after, _ := strconv.ParseUint(c.DefaultQuery("after", "0"), 10, 32)
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 || limit > 1000 {
		limit = 100
	}

	recipients, err := h.store.RecipientsPage(c.Request.Context(), audienceID, uint(after), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if recipients == nil {
		recipients = []models.Recipient{}
	}

	var next uint
	if len(recipients) == limit {
		next = recipients[len(recipients)-1].ID
	}
	c.JSON(http.StatusOK, gin.H{"recipients": recipients, "next_after": next})
}

func queryAccountID(c *gin.Context) (uint, bool) {
	raw := c.Query("account_id")
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account_id query parameter required"})
		return 0, false
	}
	return uint(id), true
}
