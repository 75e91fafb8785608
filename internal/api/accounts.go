package api

import (
	"errors"
	"net/http"
	"strconv"

	"whatsapp-platform/internal/models"
	"whatsapp-platform/internal/ratelimit"
	"whatsapp-platform/internal/repository"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AccountHandler serves account and phone-number registration.
type AccountHandler struct {
	store   repository.Store
	limiter *ratelimit.Limiter
	log     *zap.Logger
}

func NewAccountHandler(store repository.Store, limiter *ratelimit.Limiter, log *zap.Logger) *AccountHandler {
	return &AccountHandler{store: store, limiter: limiter, log: log}
}

type createAccountRequest struct {
	UserID string `json:"user_id" binding:"required"`
	WabaID string `json:"waba_id" binding:"required"`
	Name   string `json:"name"`
}

func (h *AccountHandler) CreateAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	account := models.Account{UserID: req.UserID, WabaID: req.WabaID, Name: req.Name}
	if err := h.store.CreateAccount(c.Request.Context(), &account); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "account already exists for this user and WABA"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, account)
}

func (h *AccountHandler) GetAccount(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	account, err := h.store.GetAccount(c.Request.Context(), id)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

type registerPhoneNumberRequest struct {
	PhoneNumberID string `json:"phone_number_id" binding:"required"`
	DisplayNumber string `json:"display_number"`
	RateTier      string `json:"rate_tier"`
}

// RegisterPhoneNumber binds a provider phone-number identity to an account
// and seeds its rate-limit bucket from the declared tier.
func (h *AccountHandler) RegisterPhoneNumber(c *gin.Context) {
	accountID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req registerPhoneNumberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := h.store.GetAccount(c.Request.Context(), accountID); err != nil {
		respondStoreError(c, err)
		return
	}

	phone := models.PhoneNumber{
		AccountID:     accountID,
		PhoneNumberID: req.PhoneNumberID,
		DisplayNumber: req.DisplayNumber,
		Status:        models.PhoneNumberRegistered,
		RateTier:      req.RateTier,
	}
	if err := h.store.CreatePhoneNumber(c.Request.Context(), &phone); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "phone number already registered on this account"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if req.RateTier != "" {
		h.limiter.SetTier(req.PhoneNumberID, req.RateTier)
	}

	c.JSON(http.StatusCreated, phone)
}

func (h *AccountHandler) ListPhoneNumbers(c *gin.Context) {
	accountID, ok := pathID(c, "id")
	if !ok {
		return
	}

	phones, err := h.store.ListPhoneNumbers(c.Request.Context(), accountID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if phones == nil {
		phones = []models.PhoneNumber{}
	}
	c.JSON(http.StatusOK, phones)
}

// pathID parses a numeric path parameter, replying 400 on garbage.
func pathID(c *gin.Context, name string) (uint, bool) {
	raw := c.Param(name)
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return uint(id), true
}

func respondStoreError(c *gin.Context, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
