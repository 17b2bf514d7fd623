package controller

import (
	"log"
	"strings"
	"time"

	"propreach/config"
	"propreach/models"
	"propreach/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type UnsubscribeController struct {
	DB     *gorm.DB
	Logger *log.Logger
	Engine *utils.SequenceEngine
}

func NewUnsubscribeController(db *gorm.DB, logger *log.Logger, engine *utils.SequenceEngine) *UnsubscribeController {
	return &UnsubscribeController{
		DB:     db,
		Logger: logger,
		Engine: engine,
	}
}

// Unsubscribe handles the public unsubscribe link. A valid (email, token)
// pair is the sole authorization; no session is required. A valid request
// suppresses the contact globally so no other campaign enrolls them.
func (uc *UnsubscribeController) Unsubscribe(c *fiber.Ctx) error {
	email := strings.ToLower(strings.TrimSpace(c.Query("email")))
	token := c.Query("token")

	if email == "" || token == "" {
		return c.Status(fiber.StatusBadRequest).SendString("Missing email or token")
	}
	if !utils.VerifyUnsubscribeToken(config.AppConfig.UnsubSecret, email, token) {
		return c.Status(fiber.StatusForbidden).SendString("Invalid unsubscribe link")
	}

	var contact models.Contact
	if err := uc.DB.Where("lower(email) = ?", email).First(&contact).Error; err != nil {
		// Don't reveal whether the address is known
		return c.Type("html").SendString(unsubscribeConfirmation)
	}

	if !contact.GloballyUnsubscribed {
		if err := uc.Engine.HandleUnsubscribe(&contact, time.Now().UTC()); err != nil {
			uc.Logger.Printf("Failed to unsubscribe contact %d: %v", contact.ID, err)
			return c.Status(fiber.StatusInternalServerError).SendString("Something went wrong")
		}
	}

	event := models.UnsubscribeEvent{
		Email:     email,
		ContactID: &contact.ID,
		IPAddress: c.IP(),
		UserAgent: c.Get("User-Agent"),
	}
	if err := uc.DB.Create(&event).Error; err != nil {
		uc.Logger.Printf("Failed to record unsubscribe event: %v", err)
	}

	return c.Type("html").SendString(unsubscribeConfirmation)
}

const unsubscribeConfirmation = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Unsubscribed</title>
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 40px 20px; text-align: center; }
        h2 { color: #2c3e50; }
    </style>
</head>
<body>
    <h2>You have been unsubscribed</h2>
    <p>You will no longer receive emails from us.</p>
</body>
</html>`
