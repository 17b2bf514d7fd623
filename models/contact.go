package models

import (
	"time"

	"gorm.io/gorm"
)

// ContactList represents a list of imported contacts
type ContactList struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`
	Source      string `json:"source"` // manual, csv, api

	// Statistics
	ContactCount int `gorm:"default:0" json:"contact_count"`

	// Relations
	Memberships []ContactListMembership `gorm:"foreignKey:ContactListID" json:"memberships,omitempty"`
}

// Contact represents a single outreach recipient. Fields holds the imported
// column map verbatim; personalized sections read from it through an
// explicit allow-list.
type Contact struct {
	gorm.Model
	UserID uint `gorm:"index" json:"user_id"`

	Email     string `gorm:"not null;index" json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
	Phone     string `json:"phone"`

	// Arbitrary imported columns, keyed by column name
	Fields map[string]string `gorm:"type:jsonb;serializer:json" json:"fields"`

	// Suppression: set on unsubscribe, blocks enrollment in every campaign
	GloballyUnsubscribed bool       `gorm:"default:false;index" json:"globally_unsubscribed"`
	UnsubscribedAt       *time.Time `json:"unsubscribed_at"`
	IsBounced            bool       `gorm:"default:false" json:"is_bounced"`

	LastContactedAt *time.Time `json:"last_contacted_at"`

	// Relations
	Memberships []ContactListMembership `gorm:"foreignKey:ContactID" json:"lists,omitempty"`
}

// ContactListMembership joins contacts to lists
type ContactListMembership struct {
	gorm.Model
	ContactID     uint `gorm:"not null;index" json:"contact_id"`
	ContactListID uint `gorm:"not null;index" json:"contact_list_id"`
}

// UnsubscribeEvent is the audit trail for public unsubscribe requests
type UnsubscribeEvent struct {
	gorm.Model
	Email      string `gorm:"not null;index" json:"email"`
	ContactID  *uint  `json:"contact_id,omitempty"`
	CampaignID *uint  `json:"campaign_id,omitempty"`

	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`
}
