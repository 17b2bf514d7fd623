package controller

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"propreach/models"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func webhookApp(cc *CampaignController) *fiber.App {
	app := fiber.New()
	app.Post("/webhooks/delivery", cc.HandleDeliveryWebhook)
	return app
}

func postWebhook(t *testing.T, app *fiber.App, token string, payload map[string]interface{}) int {
	t.Helper()

	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest("POST", "/webhooks/delivery", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("X-Webhook-Token", token)
	}

	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp.StatusCode
}

func seedSentEmail(t *testing.T, db *gorm.DB) (models.Campaign, models.Contact) {
	t.Helper()

	campaign := models.Campaign{UserID: 1, Name: "Sellers", Status: models.CampaignStatusSending}
	require.NoError(t, db.Create(&campaign).Error)
	contact := models.Contact{UserID: 1, Email: "jane@example.com"}
	require.NoError(t, db.Create(&contact).Error)
	require.NoError(t, db.Create(&models.CampaignRecipient{
		CampaignID: campaign.ID,
		ContactID:  contact.ID,
		Status:     models.RecipientStatusSent,
	}).Error)
	require.NoError(t, db.Create(&models.QueuedEmail{
		CampaignID: campaign.ID,
		ContactID:  contact.ID,
		ToEmail:    contact.Email,
		Status:     models.QueueStatusSent,
		MessageID:  "msg-abc",
	}).Error)
	return campaign, contact
}

func TestDeliveryWebhookRequiresToken(t *testing.T) {
	cc, db := newTestCampaignController(t)
	campaign, contact := seedSentEmail(t, db)
	app := webhookApp(cc)

	payload := map[string]interface{}{
		"event_type": "reply",
		"message_id": "msg-abc",
	}

	assert.Equal(t, fiber.StatusUnauthorized, postWebhook(t, app, "", payload))
	assert.Equal(t, fiber.StatusUnauthorized, postWebhook(t, app, "wrong-secret", payload))

	// Rejected requests change nothing
	var recipient models.CampaignRecipient
	require.NoError(t, db.Where("campaign_id = ? AND contact_id = ?", campaign.ID, contact.ID).
		First(&recipient).Error)
	assert.Equal(t, models.RecipientStatusSent, recipient.Status)
}

func TestDeliveryWebhookReplyEndsEnrollment(t *testing.T) {
	cc, db := newTestCampaignController(t)
	campaign, contact := seedSentEmail(t, db)
	app := webhookApp(cc)

	status := postWebhook(t, app, "hook-secret", map[string]interface{}{
		"event_type": "reply",
		"message_id": "msg-abc",
	})
	assert.Equal(t, fiber.StatusOK, status)

	var recipient models.CampaignRecipient
	require.NoError(t, db.Where("campaign_id = ? AND contact_id = ?", campaign.ID, contact.ID).
		First(&recipient).Error)
	assert.Equal(t, models.RecipientStatusReplied, recipient.Status)
	assert.Equal(t, models.ExitReasonReplied, recipient.ExitReason)
	assert.NotNil(t, recipient.RepliedAt)
}

func TestDeliveryWebhookUnknownMessage(t *testing.T) {
	cc, _ := newTestCampaignController(t)
	app := webhookApp(cc)

	status := postWebhook(t, app, "hook-secret", map[string]interface{}{
		"event_type": "open",
		"message_id": "msg-missing",
	})
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestDeliveryWebhookRejectsUnknownEvent(t *testing.T) {
	cc, db := newTestCampaignController(t)
	seedSentEmail(t, db)
	app := webhookApp(cc)

	status := postWebhook(t, app, "hook-secret", map[string]interface{}{
		"event_type": "clicked",
		"message_id": "msg-abc",
	})
	assert.Equal(t, fiber.StatusBadRequest, status)
}
