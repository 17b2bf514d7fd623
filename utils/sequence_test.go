package utils

import (
	"testing"

	"propreach/config"
	"propreach/models"

	"github.com/stretchr/testify/assert"
)

func TestShouldComplete(t *testing.T) {
	tests := []struct {
		name      string
		inFlight  int64
		processed int64
		want      bool
	}{
		{"all processed", 0, 10, true},
		{"single row done", 0, 1, true},
		{"rows still in flight", 2, 8, false},
		{"nothing processed yet", 5, 0, false},
		{"empty campaign never completes", 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldComplete(tt.inFlight, tt.processed))
		})
	}
}

func TestRecipientStatusTerminal(t *testing.T) {
	terminal := []string{
		models.RecipientStatusReplied,
		models.RecipientStatusBounced,
		models.RecipientStatusUnsubscribed,
		models.RecipientStatusExited,
	}
	for _, status := range terminal {
		assert.True(t, models.RecipientStatusTerminal(status), status)
	}

	live := []string{
		models.RecipientStatusActive,
		models.RecipientStatusSent,
		"",
	}
	for _, status := range live {
		assert.False(t, models.RecipientStatusTerminal(status), status)
	}

	r := models.CampaignRecipient{Status: models.RecipientStatusReplied}
	assert.True(t, r.Terminal())
}

func TestQueueStatusTerminal(t *testing.T) {
	terminal := []string{
		models.QueueStatusSent,
		models.QueueStatusFailed,
		models.QueueStatusRejected,
	}
	for _, status := range terminal {
		assert.True(t, models.QueueStatusTerminal(status), status)
	}

	pending := []string{
		models.QueueStatusStaged,
		models.QueueStatusQueued,
		models.QueueStatusProcessing,
	}
	for _, status := range pending {
		assert.False(t, models.QueueStatusTerminal(status), status)
	}
}

func TestContactFieldMap(t *testing.T) {
	contact := &models.Contact{
		Email:     "jane@example.com",
		FirstName: "Jane",
		LastName:  "Doe",
		Company:   "Acme Realty",
		Fields: map[string]string{
			"address":    "12 Oak St",
			"first_name": "Janet", // imported column wins
		},
	}

	fields := ContactFieldMap(contact)
	assert.Equal(t, "jane@example.com", fields["email"])
	assert.Equal(t, "Janet", fields["first_name"])
	assert.Equal(t, "Doe", fields["last_name"])
	assert.Equal(t, "Acme Realty", fields["company"])
	assert.Equal(t, "12 Oak St", fields["address"])
}

func TestSenderAddress(t *testing.T) {
	orig := config.AppConfig
	defer func() { config.AppConfig = orig }()

	config.AppConfig.SMTPUsername = "sam@mail.acme.com"
	config.AppConfig.SendingDomains = []string{"a.example.com", "b.example.com", "c.example.com"}

	assert.Equal(t, "sam@a.example.com", SenderAddress(0))
	assert.Equal(t, "sam@b.example.com", SenderAddress(1))
	assert.Equal(t, "sam@c.example.com", SenderAddress(2))
	// Index wraps around
	assert.Equal(t, "sam@a.example.com", SenderAddress(3))

	// Local part falls back when the SMTP user has no address form
	config.AppConfig.SMTPUsername = ""
	assert.Equal(t, "outreach@a.example.com", SenderAddress(0))
}
