package controller

import (
	"time"

	"propreach/config"
	"propreach/models"
	"propreach/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// HandleDeliveryWebhook processes provider events (replies, bounces, opens)
// for campaign messages. The provider authenticates with a shared-secret
// header. Events for enrollments that already ended are acknowledged and
// ignored, so duplicate deliveries of the same event are harmless.
func (cc *CampaignController) HandleDeliveryWebhook(c *fiber.Ctx) error {
	if !utils.SecureCompare(c.Get("X-Webhook-Token"), config.AppConfig.WebhookSecret) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid webhook token",
		})
	}

	var input struct {
		EventType string `json:"event_type" validate:"required,oneof=reply bounce open"`
		MessageID string `json:"message_id" validate:"required"`
		Email     string `json:"email"`
		Timestamp int64  `json:"timestamp"`
	}

	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	var email models.QueuedEmail
	if err := cc.DB.Where("message_id = ?", input.MessageID).First(&email).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Message not found",
		})
	}

	at := time.Now().UTC()
	if input.Timestamp > 0 {
		at = time.Unix(input.Timestamp, 0).UTC()
	}

	logrus.WithFields(logrus.Fields{
		"event":       input.EventType,
		"message_id":  input.MessageID,
		"campaign_id": email.CampaignID,
		"contact_id":  email.ContactID,
	}).Info("Delivery event received")

	var err error
	switch input.EventType {
	case "reply":
		err = cc.Engine.HandleReply(email.CampaignID, email.ContactID, at)
	case "bounce":
		err = cc.Engine.HandleBounce(email.CampaignID, email.ContactID, at)
	case "open":
		err = cc.Engine.HandleOpen(email.CampaignID, email.ContactID, at)
	}
	if err != nil {
		cc.Logger.Printf("Failed to process %s event for message %s: %v",
			input.EventType, input.MessageID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process event",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Webhook processed successfully",
	})
}

// HandleOpenTracking serves the tracking pixel and records the open
func (cc *CampaignController) HandleOpenTracking(c *fiber.Ctx) error {
	emailID := utils.ParseUint(c.Params("emailID"))
	token := c.Params("token")

	if !utils.VerifyTrackingToken(config.AppConfig.UnsubSecret, emailID, token) {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid token")
	}

	var email models.QueuedEmail
	if err := cc.DB.First(&email, emailID).Error; err == nil {
		if err := cc.Engine.HandleOpen(email.CampaignID, email.ContactID, time.Now().UTC()); err != nil {
			cc.Logger.Printf("Failed to record open for email %d: %v", emailID, err)
		}
	}

	return c.Type("gif").Send(transparentPixel())
}

func transparentPixel() []byte {
	// 1x1 transparent GIF
	return []byte{
		0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
		0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x21,
		0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00,
		0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44,
		0x01, 0x00, 0x3b,
	}
}
