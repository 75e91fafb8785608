package repository

import (
	"context"
	"errors"
	"time"

	"whatsapp-platform/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore implements Store on top of gorm.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Precursor states per webhook status; transitions outside these are stale or
// regressive and are ignored.
var advanceFrom = map[string][]string{
	models.MessageSent:      {models.MessageQueued},
	models.MessageDelivered: {models.MessageQueued, models.MessageSent},
	models.MessageRead:      {models.MessageQueued, models.MessageSent, models.MessageDelivered},
	models.MessageFailed:    {models.MessageQueued, models.MessageSent},
}

func wrapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func wrapConflict(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrConflict
	}
	return err
}

// --- Accounts and phone numbers ---

func (s *GormStore) CreateAccount(ctx context.Context, a *models.Account) error {
	return wrapConflict(s.db.WithContext(ctx).Create(a).Error)
}

func (s *GormStore) GetAccount(ctx context.Context, id uint) (*models.Account, error) {
	var a models.Account
	if err := s.db.WithContext(ctx).First(&a, id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &a, nil
}

func (s *GormStore) CreatePhoneNumber(ctx context.Context, p *models.PhoneNumber) error {
	return wrapConflict(s.db.WithContext(ctx).Create(p).Error)
}

func (s *GormStore) GetPhoneNumber(ctx context.Context, id uint) (*models.PhoneNumber, error) {
	var p models.PhoneNumber
	if err := s.db.WithContext(ctx).First(&p, id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &p, nil
}

func (s *GormStore) PhoneNumberByProviderID(ctx context.Context, providerID string) (*models.PhoneNumber, error) {
	var p models.PhoneNumber
	err := s.db.WithContext(ctx).Where("phone_number_id = ?", providerID).First(&p).Error
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &p, nil
}

func (s *GormStore) ListPhoneNumbers(ctx context.Context, accountID uint) ([]models.PhoneNumber, error) {
	var out []models.PhoneNumber
	err := s.db.WithContext(ctx).Where("account_id = ?", accountID).Order("id").Find(&out).Error
	return out, err
}

// AllPhoneNumbers lists every registered phone number across accounts, used
// to seed rate-limit tiers at startup.
func (s *GormStore) AllPhoneNumbers(ctx context.Context) ([]models.PhoneNumber, error) {
	var out []models.PhoneNumber
	err := s.db.WithContext(ctx).Order("id").Find(&out).Error
	return out, err
}

// --- Audiences and recipients ---

func (s *GormStore) CreateAudience(ctx context.Context, a *models.Audience) error {
	return s.db.WithContext(ctx).Create(a).Error
}

func (s *GormStore) GetAudience(ctx context.Context, id uint) (*models.Audience, error) {
	var a models.Audience
	if err := s.db.WithContext(ctx).First(&a, id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &a, nil
}

func (s *GormStore) ListAudiences(ctx context.Context, accountID uint) ([]models.Audience, error) {
	var out []models.Audience
	err := s.db.WithContext(ctx).Where("account_id = ?", accountID).Order("id").Find(&out).Error
	return out, err
}

func (s *GormStore) UpsertRecipient(ctx context.Context, r *models.Recipient) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "audience_id"}, {Name: "phone"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "whatsapp_phone_number_id", "updated_at"}),
	}).Create(r).Error
}

func (s *GormStore) RecipientsPage(ctx context.Context, audienceID uint, afterID uint, limit int) ([]models.Recipient, error) {
	var out []models.Recipient
	err := s.db.WithContext(ctx).
		Where("audience_id = ? AND id > ?", audienceID, afterID).
		Order("id").Limit(limit).
		Find(&out).Error
	return out, err
}

func (s *GormStore) GetRecipient(ctx context.Context, id uint) (*models.Recipient, error) {
	var r models.Recipient
	if err := s.db.WithContext(ctx).First(&r, id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &r, nil
}

func (s *GormStore) EnsureConversationRecipient(ctx context.Context, phoneNumberID uint, phone string) (*models.Recipient, error) {
	var r models.Recipient
	err := s.db.WithContext(ctx).
		Where("phone = ? AND whatsapp_phone_number_id = ? AND audience_id IS NULL", phone, phoneNumberID).
		First(&r).Error
	if err == nil {
		return &r, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	r = models.Recipient{Phone: phone, WhatsAppPhoneNumberID: &phoneNumberID}
	if err := s.db.WithContext(ctx).Create(&r).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

// --- Campaigns ---

func (s *GormStore) CreateCampaign(ctx context.Context, c *models.Campaign) error {
	if c.Status == "" {
		c.Status = models.CampaignDraft
	}
	return s.db.WithContext(ctx).Create(c).Error
}

func (s *GormStore) GetCampaign(ctx context.Context, id uint) (*models.Campaign, error) {
	var c models.Campaign
	if err := s.db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &c, nil
}

func (s *GormStore) ListCampaigns(ctx context.Context, accountID uint) ([]models.Campaign, error) {
	var out []models.Campaign
	err := s.db.WithContext(ctx).Where("account_id = ?", accountID).Order("id desc").Find(&out).Error
	return out, err
}

func (s *GormStore) ScheduleCampaign(ctx context.Context, id uint, at *time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Campaign{}).
		Where("id = ? AND status = ?", id, models.CampaignDraft).
		Updates(map[string]interface{}{
			"status":       models.CampaignScheduled,
			"scheduled_at": at,
		})
	return res.RowsAffected > 0, res.Error
}

func (s *GormStore) TransitionCampaign(ctx context.Context, id uint, from []string, to string, errMsg string, completedAt *time.Time) (bool, error) {
	updates := map[string]interface{}{"status": to}
	if errMsg != "" {
		updates["error_message"] = errMsg
	}
	if completedAt != nil {
		updates["completed_at"] = completedAt
	}
	res := s.db.WithContext(ctx).Model(&models.Campaign{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	return res.RowsAffected > 0, res.Error
}

func (s *GormStore) DueCampaigns(ctx context.Context, now time.Time) ([]models.Campaign, error) {
	var out []models.Campaign
	err := s.db.WithContext(ctx).
		Where("status = ? AND (scheduled_at IS NULL OR scheduled_at <= ?)", models.CampaignScheduled, now).
		Order("id").
		Find(&out).Error
	return out, err
}

// --- Messages ---

func (s *GormStore) CreateMessage(ctx context.Context, m *models.Message) error {
	if m.Status == "" {
		m.Status = models.MessageQueued
	}
	return s.db.WithContext(ctx).Create(m).Error
}

func (s *GormStore) GetMessage(ctx context.Context, id uint) (*models.Message, error) {
	var m models.Message
	if err := s.db.WithContext(ctx).First(&m, id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &m, nil
}

func (s *GormStore) MessagesByIDs(ctx context.Context, ids []uint) ([]models.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []models.Message
	err := s.db.WithContext(ctx).Where("id IN ?", ids).Order("id").Find(&out).Error
	return out, err
}

func (s *GormStore) SetMessageSent(ctx context.Context, id uint, wamid string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND status = ?", id, models.MessageQueued).
		Updates(map[string]interface{}{
			"status":  models.MessageSent,
			"wamid":   wamid,
			"sent_at": at,
		})
	return res.RowsAffected > 0, res.Error
}

func (s *GormStore) FailMessage(ctx context.Context, id uint, errMsg string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND status IN ?", id, []string{models.MessageQueued, models.MessageSent}).
		Updates(map[string]interface{}{
			"status":        models.MessageFailed,
			"error_message": errMsg,
		})
	return res.RowsAffected > 0, res.Error
}

func (s *GormStore) AdvanceMessageByWamid(ctx context.Context, wamid string, status string, ts time.Time, errMsg string) (AdvanceResult, uint, error) {
	from, ok := advanceFrom[status]
	if !ok {
		return AdvanceUnknown, 0, errors.New("repository: unknown message status " + status)
	}

	var m models.Message
	err := s.db.WithContext(ctx).Where("wamid = ?", wamid).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return AdvanceUnknown, 0, nil
	}
	if err != nil {
		return AdvanceUnknown, 0, err
	}

	// Provider status timestamps carry whole-second precision, so an event
	// in the same second as a locally recorded sent_at can arrive with an
	// earlier value. Clamp forward to keep sent_at <= delivered_at <= read_at.
	updates := map[string]interface{}{"status": status}
	switch status {
	case models.MessageSent:
		updates["sent_at"] = ts
	case models.MessageDelivered:
		updates["delivered_at"] = clampForward(ts, m.SentAt)
	case models.MessageRead:
		updates["read_at"] = clampForward(ts, m.SentAt, m.DeliveredAt)
	case models.MessageFailed:
		updates["error_message"] = errMsg
	}

	res := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("wamid = ? AND status IN ?", wamid, from).
		Updates(updates)
	if res.Error != nil {
		return AdvanceUnknown, 0, res.Error
	}
	if res.RowsAffected == 0 {
		return AdvanceStale, m.ID, nil
	}
	return AdvanceApplied, m.ID, nil
}

func clampForward(ts time.Time, prior ...*time.Time) time.Time {
	for _, p := range prior {
		if p != nil && ts.Before(*p) {
			ts = *p
		}
	}
	return ts
}

// --- Automations ---

func (s *GormStore) CreateAutomation(ctx context.Context, a *models.Automation) error {
	if a.Status == "" {
		a.Status = models.AutomationActive
	}
	return s.db.WithContext(ctx).Create(a).Error
}

func (s *GormStore) GetAutomation(ctx context.Context, id uint) (*models.Automation, error) {
	var a models.Automation
	if err := s.db.WithContext(ctx).First(&a, id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &a, nil
}

func (s *GormStore) ListAutomations(ctx context.Context, accountID uint) ([]models.Automation, error) {
	var out []models.Automation
	err := s.db.WithContext(ctx).Where("account_id = ?", accountID).Order("id").Find(&out).Error
	return out, err
}

func (s *GormStore) SetAutomationStatus(ctx context.Context, id uint, status string) error {
	res := s.db.WithContext(ctx).Model(&models.Automation{}).
		Where("id = ?", id).
		Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) ActiveAutomations(ctx context.Context, phoneNumberID uint) ([]models.Automation, error) {
	var out []models.Automation
	err := s.db.WithContext(ctx).
		Where("whatsapp_phone_number_id = ? AND status = ?", phoneNumberID, models.AutomationActive).
		Order("id").
		Find(&out).Error
	return out, err
}
