package models

import "time"

// StatusEvent is a normalized delivery-status callback keyed by wamid.
type StatusEvent struct {
	Wamid         string    `json:"wamid"`
	Status        string    `json:"status"` // sent, delivered, read, failed
	Timestamp     time.Time `json:"timestamp"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	PhoneNumberID string    `json:"phone_number_id"` // provider sender id
	RecipientID   string    `json:"recipient_id"`    // recipient phone number
}

// InboundEvent is a normalized inbound message on a phone number.
type InboundEvent struct {
	PhoneNumberID string    `json:"phone_number_id"` // provider sender id
	From          string    `json:"from"`
	Wamid         string    `json:"wamid"`
	Type          string    `json:"type"`
	Text          string    `json:"text,omitempty"`
	ButtonID      string    `json:"button_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
