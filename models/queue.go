package models

import (
	"time"

	"gorm.io/gorm"
)

// Queue statuses. staged rows are editable and deletable; once a row leaves
// queued only the dispatcher writes to it.
const (
	QueueStatusStaged     = "staged"
	QueueStatusQueued     = "queued"
	QueueStatusProcessing = "processing"
	QueueStatusSent       = "sent"
	QueueStatusFailed     = "failed"
	QueueStatusRejected   = "rejected"
)

// QueuedEmail is one concrete, fully-rendered message instance: one row per
// recipient per step-visit.
type QueuedEmail struct {
	gorm.Model
	CampaignID uint `gorm:"not null;index" json:"campaign_id"`
	StepID     uint `gorm:"not null;index" json:"step_id"`
	ContactID  uint `gorm:"not null;index" json:"contact_id"`

	ToEmail   string `gorm:"not null" json:"to_email"`
	FromEmail string `gorm:"not null" json:"from_email"`
	Subject   string `gorm:"not null" json:"subject"`
	Body      string `gorm:"type:text" json:"body"`

	Status       string     `gorm:"default:'staged';index:idx_queue_status_due" json:"status"`
	ScheduledFor *time.Time `gorm:"index:idx_queue_status_due" json:"scheduled_for"`
	SentAt       *time.Time `json:"sent_at"`

	// Edge that scheduled this row; zero for entry-step rows. The edge's
	// condition is re-evaluated when the row comes due, not when it was
	// created.
	EdgeID uint `gorm:"default:0;index" json:"edge_id"`

	// Round-robin index into the configured sending domains
	DomainIndex int `gorm:"default:0" json:"domain_index"`

	// True once a human overrides generated or templated content
	IsEdited bool `gorm:"default:false" json:"is_edited"`

	Attempts  int    `gorm:"default:0" json:"attempts"`
	LastError string `json:"last_error"`
	MessageID string `gorm:"index" json:"message_id"`

	// Snapshot of the recipient field map used for rendering
	Metadata map[string]string `gorm:"type:jsonb;serializer:json" json:"metadata"`

	// Relations
	Campaign Campaign `json:"-"`
	Contact  Contact  `json:"-"`
}

// QueueStatusTerminal reports whether a queue row has finished its lifecycle.
func QueueStatusTerminal(status string) bool {
	switch status {
	case QueueStatusSent, QueueStatusFailed, QueueStatusRejected:
		return true
	}
	return false
}
