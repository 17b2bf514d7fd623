package models

import (
	"time"

	"gorm.io/gorm"
)

// Enrollment statuses. replied, bounced, unsubscribed and exited are
// terminal: no further queue rows are ever created for the pair.
const (
	RecipientStatusActive       = "active"
	RecipientStatusSent         = "sent"
	RecipientStatusReplied      = "replied"
	RecipientStatusBounced      = "bounced"
	RecipientStatusUnsubscribed = "unsubscribed"
	RecipientStatusExited       = "exited"
)

// Exit reasons recorded when an enrollment ends.
const (
	ExitReasonReplied          = "replied"
	ExitReasonBounced          = "bounced"
	ExitReasonUnsubscribed     = "unsubscribed"
	ExitReasonSequenceComplete = "sequence_complete"
)

// CampaignRecipient tracks one contact's progress through a campaign's
// step sequence. At most one record exists per (campaign, contact) pair.
type CampaignRecipient struct {
	gorm.Model
	CampaignID uint `gorm:"not null;uniqueIndex:idx_campaign_contact" json:"campaign_id"`
	ContactID  uint `gorm:"not null;uniqueIndex:idx_campaign_contact" json:"contact_id"`

	// Nil means the recipient has not started or has exited the sequence
	CurrentStepID *uint  `json:"current_step_id"`
	Status        string `gorm:"default:'active';index" json:"status"`

	SentAt         *time.Time `json:"sent_at"`
	OpenedAt       *time.Time `json:"opened_at"`
	RepliedAt      *time.Time `json:"replied_at"`
	BouncedAt      *time.Time `json:"bounced_at"`
	UnsubscribedAt *time.Time `json:"unsubscribed_at"`

	ExitReason string `json:"exit_reason"`

	// Relations
	Campaign Campaign `json:"-"`
	Contact  Contact  `json:"-"`
}

// Terminal reports whether the enrollment has ended. Terminal records are
// immutable: webhook events and scheduler passes must leave them untouched.
func (r CampaignRecipient) Terminal() bool {
	return RecipientStatusTerminal(r.Status)
}

// RecipientStatusTerminal reports whether a status ends an enrollment.
func RecipientStatusTerminal(status string) bool {
	switch status {
	case RecipientStatusReplied, RecipientStatusBounced,
		RecipientStatusUnsubscribed, RecipientStatusExited:
		return true
	}
	return false
}
