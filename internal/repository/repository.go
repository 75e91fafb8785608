package repository

import (
	"context"
	"errors"
	"time"

	"whatsapp-platform/internal/models"
)

// ErrNotFound is returned when a referenced entity does not exist or is not
// visible to the requesting account.
var ErrNotFound = errors.New("repository: not found")

// ErrConflict is returned when a natural-key uniqueness constraint is hit,
// e.g. a duplicate (audience, phone) recipient.
var ErrConflict = errors.New("repository: conflict")

// AdvanceResult reports the outcome of a conditional message transition.
type AdvanceResult int

const (
	// AdvanceApplied means the row moved to the requested state.
	AdvanceApplied AdvanceResult = iota
	// AdvanceStale means the row exists but is already at or past the
	// requested state; the event is a duplicate or arrived out of order.
	AdvanceStale
	// AdvanceUnknown means no row carries the wamid.
	AdvanceUnknown
)

// Store is the persistence boundary consumed by the engine. Implementations
// must make the message and campaign transitions conditional single-row
// writes, never blind overwrites, so they are safe under concurrent webhook
// delivery.
type Store interface {
	// Accounts and phone numbers
	CreateAccount(ctx context.Context, a *models.Account) error
	GetAccount(ctx context.Context, id uint) (*models.Account, error)
	CreatePhoneNumber(ctx context.Context, p *models.PhoneNumber) error
	GetPhoneNumber(ctx context.Context, id uint) (*models.PhoneNumber, error)
	PhoneNumberByProviderID(ctx context.Context, providerID string) (*models.PhoneNumber, error)
	ListPhoneNumbers(ctx context.Context, accountID uint) ([]models.PhoneNumber, error)

	// Audiences and recipients
	CreateAudience(ctx context.Context, a *models.Audience) error
	GetAudience(ctx context.Context, id uint) (*models.Audience, error)
	ListAudiences(ctx context.Context, accountID uint) ([]models.Audience, error)
	// UpsertRecipient inserts a recipient keyed by (audienceId, phone); an
	// existing row is updated in place, never duplicated.
	UpsertRecipient(ctx context.Context, r *models.Recipient) error
	// RecipientsPage returns recipients of an audience with ID > afterID in
	// insertion (ID) order, at most limit rows. Keyset pagination keeps the
	// resolver lazy and tolerant of concurrent growth.
	RecipientsPage(ctx context.Context, audienceID uint, afterID uint, limit int) ([]models.Recipient, error)
	GetRecipient(ctx context.Context, id uint) (*models.Recipient, error)
	// EnsureConversationRecipient finds or creates the audience-less
	// recipient that represents an inbound conversation on a phone number.
	EnsureConversationRecipient(ctx context.Context, phoneNumberID uint, phone string) (*models.Recipient, error)

	// Campaigns
	CreateCampaign(ctx context.Context, c *models.Campaign) error
	GetCampaign(ctx context.Context, id uint) (*models.Campaign, error)
	ListCampaigns(ctx context.Context, accountID uint) ([]models.Campaign, error)
	// ScheduleCampaign moves draft -> scheduled; nil at means send now.
	ScheduleCampaign(ctx context.Context, id uint, at *time.Time) (bool, error)
	// TransitionCampaign applies a compare-and-set status change; it reports
	// whether the row actually moved.
	TransitionCampaign(ctx context.Context, id uint, from []string, to string, errMsg string, completedAt *time.Time) (bool, error)
	// DueCampaigns lists scheduled campaigns whose scheduledAt is due.
	DueCampaigns(ctx context.Context, now time.Time) ([]models.Campaign, error)

	// Messages
	CreateMessage(ctx context.Context, m *models.Message) error
	GetMessage(ctx context.Context, id uint) (*models.Message, error)
	MessagesByIDs(ctx context.Context, ids []uint) ([]models.Message, error)
	// SetMessageSent moves queued -> sent with the provider wamid.
	SetMessageSent(ctx context.Context, id uint, wamid string, at time.Time) (bool, error)
	// FailMessage moves queued|sent -> failed with a reason.
	FailMessage(ctx context.Context, id uint, errMsg string) (bool, error)
	// AdvanceMessageByWamid applies a webhook status, forward-only. The
	// returned id identifies the matched row; zero when the wamid is unknown.
	AdvanceMessageByWamid(ctx context.Context, wamid string, status string, ts time.Time, errMsg string) (AdvanceResult, uint, error)

	// Automations
	CreateAutomation(ctx context.Context, a *models.Automation) error
	GetAutomation(ctx context.Context, id uint) (*models.Automation, error)
	ListAutomations(ctx context.Context, accountID uint) ([]models.Automation, error)
	SetAutomationStatus(ctx context.Context, id uint, status string) error
	ActiveAutomations(ctx context.Context, phoneNumberID uint) ([]models.Automation, error)
}
