package api

import (
	"encoding/json"
	"net/http"

	"whatsapp-platform/internal/automation"
	"whatsapp-platform/internal/models"
	"whatsapp-platform/internal/repository"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AutomationHandler serves automation CRUD. Definitions are validated at the
// boundary so a stored automation is always parseable.
type AutomationHandler struct {
	store repository.Store
	log   *zap.Logger
}

func NewAutomationHandler(store repository.Store, log *zap.Logger) *AutomationHandler {
	return &AutomationHandler{store: store, log: log}
}

type createAutomationRequest struct {
	AccountID             uint            `json:"account_id" binding:"required"`
	WhatsAppPhoneNumberID uint            `json:"whatsapp_phone_number_id" binding:"required"`
	Name                  string          `json:"name" binding:"required"`
	Definition            json.RawMessage `json:"definition" binding:"required"`
}

func (h *AutomationHandler) CreateAutomation(c *gin.Context) {
	var req createAutomationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	flow, err := automation.ParseFlow(string(req.Definition))
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	phone, err := h.store.GetPhoneNumber(c.Request.Context(), req.WhatsAppPhoneNumberID)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	if phone.AccountID != req.AccountID {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	a := models.Automation{
		AccountID:             req.AccountID,
		WhatsAppPhoneNumberID: req.WhatsAppPhoneNumberID,
		Name:                  req.Name,
		Type:                  flow.Trigger.Type,
		Status:                models.AutomationActive,
		AutomationJSON:        string(req.Definition),
	}
	if err := h.store.CreateAutomation(c.Request.Context(), &a); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, a)
}

func (h *AutomationHandler) ListAutomations(c *gin.Context) {
	accountID, ok := queryAccountID(c)
	if !ok {
		return
	}

	automations, err := h.store.ListAutomations(c.Request.Context(), accountID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if automations == nil {
		automations = []models.Automation{}
	}
	c.JSON(http.StatusOK, automations)
}

func (h *AutomationHandler) GetAutomation(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	a, err := h.store.GetAutomation(c.Request.Context(), id)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

type toggleAutomationRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (h *AutomationHandler) ToggleAutomation(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req toggleAutomationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := h.store.GetAutomation(c.Request.Context(), id); err != nil {
		respondStoreError(c, err)
		return
	}

	status := models.AutomationDisabled
	if *req.Enabled {
		status = models.AutomationActive
	}
	if err := h.store.SetAutomationStatus(c.Request.Context(), id, status); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": status})
}
