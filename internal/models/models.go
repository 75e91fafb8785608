package models

import (
	"time"
)

// Campaign lifecycle states.
const (
	CampaignDraft     = "draft"
	CampaignScheduled = "scheduled"
	CampaignSending   = "sending"
	CampaignCompleted = "completed"
	CampaignFailed    = "failed"
	CampaignCancelled = "cancelled"
)

// Message delivery states, in forward order. Received marks inbound rows,
// which never run the outbound state machine.
const (
	MessageQueued    = "queued"
	MessageSent      = "sent"
	MessageDelivered = "delivered"
	MessageRead      = "read"
	MessageFailed    = "failed"
	MessageReceived  = "received"
)

// Campaign payload kinds.
const (
	PayloadTemplate = "template"
	PayloadText     = "text"
	PayloadMedia    = "media"
)

// Phone-number registration states.
const (
	PhoneNumberPending    = "pending"
	PhoneNumberRegistered = "registered"
	PhoneNumberSubscribed = "subscribed"
)

// Automation enable states.
const (
	AutomationActive   = "active"
	AutomationDisabled = "disabled"
)

// Account represents a tenant's WhatsApp Business identity. One account per
// owning user per WABA ID.
type Account struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_accounts_user_waba" json:"user_id"`
	WabaID    string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_accounts_user_waba" json:"waba_id"`
	Name      string    `gorm:"type:varchar(255)" json:"name"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "accounts"
}

// PhoneNumber is a sending identity bound to one Account. PhoneNumberID is the
// provider-assigned identity and is unique within the account.
type PhoneNumber struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	AccountID     uint      `gorm:"not null;index;uniqueIndex:idx_phone_numbers_account_provider" json:"account_id"`
	PhoneNumberID string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_phone_numbers_account_provider" json:"phone_number_id"`
	DisplayNumber string    `gorm:"type:varchar(32)" json:"display_number"`
	Status        string    `gorm:"type:varchar(20);default:'pending'" json:"status"`
	RateTier      string    `gorm:"type:varchar(20)" json:"rate_tier"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (PhoneNumber) TableName() string {
	return "phone_numbers"
}

// Audience is a named, account-scoped collection of recipients. Its lifecycle
// is independent of any campaign; many campaigns may reference one audience.
type Audience struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	AccountID uint      `gorm:"not null;index" json:"account_id"`
	Name      string    `gorm:"type:varchar(255);not null" json:"name"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Audience) TableName() string {
	return "audiences"
}

// Recipient is identified by phone number. AudienceID and
// WhatsAppPhoneNumberID are weak references: a recipient may outlive its
// audience or lack an inbound-conversation phone number.
type Recipient struct {
	ID                    uint      `gorm:"primaryKey" json:"id"`
	AudienceID            *uint     `gorm:"index;uniqueIndex:idx_recipients_audience_phone" json:"audience_id"`
	WhatsAppPhoneNumberID *uint     `gorm:"column:whatsapp_phone_number_id;index" json:"whatsapp_phone_number_id"`
	Phone                 string    `gorm:"type:varchar(32);not null;uniqueIndex:idx_recipients_audience_phone" json:"phone"`
	Name                  string    `gorm:"type:varchar(255)" json:"name"`
	CreatedAt             time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Recipient) TableName() string {
	return "recipients"
}

// Campaign references one account, one audience and a message payload, and
// carries the draft -> scheduled -> sending -> completed|failed|cancelled
// lifecycle. ScheduledAt and CompletedAt bound execution.
type Campaign struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	AccountID      uint       `gorm:"not null;index" json:"account_id"`
	AudienceID     uint       `gorm:"not null;index" json:"audience_id"`
	Name           string     `gorm:"type:varchar(255);not null" json:"name"`
	Status         string     `gorm:"type:varchar(20);not null;default:'draft';index" json:"status"`
	PayloadType    string     `gorm:"type:varchar(20);not null" json:"payload_type"`
	Text           string     `gorm:"type:text" json:"text"`
	TemplateID     string     `gorm:"type:varchar(255)" json:"template_id"`
	TemplateParams string     `gorm:"type:text" json:"template_params"` // JSON parameters
	MediaURL       string     `gorm:"type:text" json:"media_url"`
	ErrorMessage   string     `gorm:"type:text" json:"error_message"`
	ScheduledAt    *time.Time `json:"scheduled_at"`
	CompletedAt    *time.Time `json:"completed_at"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Campaign) TableName() string {
	return "campaigns"
}

// Message is one outbound or inbound unit tied to a recipient and optionally a
// phone number. There is deliberately no campaign foreign key: the
// dispatcher's ledger owns the campaign-to-message association.
type Message struct {
	ID                    uint       `gorm:"primaryKey" json:"id"`
	RecipientID           uint       `gorm:"not null;index" json:"recipient_id"`
	WhatsAppPhoneNumberID *uint      `gorm:"column:whatsapp_phone_number_id;index" json:"whatsapp_phone_number_id"`
	Wamid                 string     `gorm:"type:varchar(128);index" json:"wamid"`
	IsOutbound            bool       `gorm:"not null" json:"is_outbound"`
	Body                  string     `gorm:"type:text" json:"body"`
	Status                string     `gorm:"type:varchar(20);not null;default:'queued'" json:"status"`
	ErrorMessage          string     `gorm:"type:text" json:"error_message"`
	SentAt                *time.Time `json:"sent_at"`
	DeliveredAt           *time.Time `json:"delivered_at"`
	ReadAt                *time.Time `json:"read_at"`
	CreatedAt             time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Message) TableName() string {
	return "messages"
}

// Automation is a phone-number-scoped JSON flow definition with a type
// discriminator and an enable/disable status.
type Automation struct {
	ID                    uint      `gorm:"primaryKey" json:"id"`
	AccountID             uint      `gorm:"not null;index" json:"account_id"`
	WhatsAppPhoneNumberID uint      `gorm:"column:whatsapp_phone_number_id;not null;index" json:"whatsapp_phone_number_id"`
	Name                  string    `gorm:"type:varchar(255);not null" json:"name"`
	Type                  string    `gorm:"type:varchar(50);not null" json:"type"`
	Status                string    `gorm:"type:varchar(20);not null;default:'active'" json:"status"`
	AutomationJSON        string    `gorm:"type:text;not null" json:"automation_json"`
	CreatedAt             time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Automation) TableName() string {
	return "automations"
}

// CampaignTerminal reports whether a campaign status admits no further
// transitions.
func CampaignTerminal(status string) bool {
	switch status {
	case CampaignCompleted, CampaignFailed, CampaignCancelled:
		return true
	}
	return false
}
