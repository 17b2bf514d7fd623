package models

import (
	"time"

	"gorm.io/gorm"
)

// Campaign statuses. Transitions are one-directional except draft<->staged:
// forcing a staged campaign back to draft wipes its queue for a full reset.
const (
	CampaignStatusDraft     = "draft"
	CampaignStatusStaged    = "staged"
	CampaignStatusScheduled = "scheduled"
	CampaignStatusSending   = "sending"
	CampaignStatusCompleted = "completed"
	CampaignStatusPaused    = "paused"
	CampaignStatusCancelled = "cancelled"
)

// Campaign represents a multi-step outreach campaign
type Campaign struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	// The delivery provider caps campaign names at 25 characters
	Name        string `gorm:"size:25;not null" json:"name"`
	Description string `json:"description"`

	Status      string `gorm:"default:'draft'" json:"status"`
	EmailFormat string `gorm:"default:'html'" json:"email_format"` // html, text

	// Subject is either static text or generated per recipient from a prompt
	SubjectMode   string   `gorm:"default:'static'" json:"subject_mode"` // static, generated
	Subject       string   `json:"subject"`
	SubjectPrompt string   `gorm:"type:text" json:"subject_prompt"`
	SubjectFields []string `gorm:"type:jsonb;serializer:json" json:"subject_fields"`

	// Statistics (denormalized for performance)
	TotalRecipients int `gorm:"default:0" json:"total_recipients"`

	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`

	// Relations
	Steps      []Step              `gorm:"foreignKey:CampaignID;constraint:OnDelete:CASCADE" json:"steps,omitempty"`
	Recipients []CampaignRecipient `gorm:"foreignKey:CampaignID" json:"recipients,omitempty"`
}

// Step is one stage of a campaign's follow-up sequence. Steps form a DAG
// rooted at the entry step (earliest created); a step may never reach itself.
type Step struct {
	gorm.Model
	CampaignID uint `gorm:"not null;index" json:"campaign_id"`

	Name string `gorm:"not null" json:"name"` // "Follow-up N"

	SubjectMode   string `gorm:"default:'static'" json:"subject_mode"`
	Subject       string `json:"subject"`
	SubjectPrompt string `gorm:"type:text" json:"subject_prompt"`

	// Relations
	Sections []Section  `gorm:"foreignKey:StepID;constraint:OnDelete:CASCADE" json:"sections,omitempty"`
	Edges    []StepEdge `gorm:"foreignKey:SourceStepID;constraint:OnDelete:CASCADE" json:"edges,omitempty"`
}

// Section is one content block inside a step. OrderIndex is unique per step.
type Section struct {
	gorm.Model
	StepID uint `gorm:"not null;index" json:"step_id"`

	Label string `gorm:"not null" json:"label"`
	Type  string `gorm:"default:'text'" json:"type"`   // text, button
	Mode  string `gorm:"default:'static'" json:"mode"` // static, personalized

	Content        string   `gorm:"type:text" json:"content"`
	Prompt         string   `gorm:"type:text" json:"prompt"`
	SelectedFields []string `gorm:"type:jsonb;serializer:json" json:"selected_fields"`
	URL            string   `json:"url"` // button target

	OrderIndex int `gorm:"not null" json:"order_index"`
}

// StepEdge is a timed, optionally conditional transition between steps.
// An empty condition matches unconditionally; the first matching edge wins.
type StepEdge struct {
	gorm.Model
	CampaignID   uint `gorm:"not null;index" json:"campaign_id"`
	SourceStepID uint `gorm:"not null;index" json:"source_step_id"`
	TargetStepID uint `gorm:"not null;index" json:"target_step_id"`

	DelayDays    int `gorm:"default:0" json:"delay_days"`
	DelayHours   int `gorm:"default:0" json:"delay_hours"`
	DelayMinutes int `gorm:"default:0" json:"delay_minutes"`

	Condition string `json:"condition"` // "", no_reply, opened
}

// Delay returns the edge's configured wait as a duration.
func (e StepEdge) Delay() time.Duration {
	return time.Duration(e.DelayDays)*24*time.Hour +
		time.Duration(e.DelayHours)*time.Hour +
		time.Duration(e.DelayMinutes)*time.Minute
}
