package routes

import (
	"log"
	"os"

	controller "propreach/controllers"
	"propreach/middleware"
	"propreach/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"gorm.io/gorm"
)

func SetupAuthRoutes(app *fiber.App, db *gorm.DB) {
	authLogger := log.New(os.Stdout, "AUTH: ", log.Ldate|log.Ltime|log.Lshortfile)
	authController := controller.NewAuthController(db, authLogger)

	auth := app.Group("/auth", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Public auth endpoints
	auth.Post("/login", authController.Login)
	auth.Post("/refresh", authController.Refresh)

	// Protected auth endpoints
	protectedAuth := auth.Group("", middleware.Protected())
	protectedAuth.Post("/logout", authController.Logout)
	protectedAuth.Get("/me", authController.Me)

	authLogger.Println("Authentication routes initialized successfully")
}

func SetupAPIRoutes(app *fiber.App, db *gorm.DB, engine *utils.SequenceEngine, mailer utils.MailService) {
	campaignController := controller.NewCampaignController(db, log.New(os.Stdout, "CAMPAIGN: ", log.LstdFlags), engine, mailer)
	contactController := controller.NewContactController(db, log.New(os.Stdout, "CONTACT: ", log.LstdFlags))
	unsubscribeController := controller.NewUnsubscribeController(db, log.New(os.Stdout, "UNSUB: ", log.LstdFlags), engine)

	// API group with versioning and protection
	api := app.Group("/api/v1", middleware.Protected(), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// WebSocket route for campaign progress; registered before the campaign
	// group so /:id does not shadow it
	api.Get("/campaigns/progress", websocket.New(
		controller.HandleCampaignProgressWS(campaignController)))

	// Campaign routes
	campaign := api.Group("/campaigns")
	campaign.Post("/", campaignController.CreateCampaign)
	campaign.Get("/", campaignController.GetCampaigns)
	campaign.Get("/:id", campaignController.GetCampaign)
	campaign.Put("/:id", campaignController.UpdateCampaign)
	campaign.Delete("/:id", campaignController.DeleteCampaign)
	campaign.Get("/:id/stats", campaignController.GetCampaignStats)

	// Lifecycle transitions
	campaign.Post("/:id/stage", campaignController.StageCampaign)
	campaign.Post("/:id/launch", campaignController.LaunchCampaign)
	campaign.Post("/:id/pause", campaignController.PauseCampaign)
	campaign.Post("/:id/resume", campaignController.ResumeCampaign)
	campaign.Post("/:id/cancel", campaignController.CancelCampaign)
	campaign.Post("/:id/reset", campaignController.ResetCampaignToDraft)
	campaign.Post("/:id/retry-failed", campaignController.RetryFailedEmails)
	campaign.Post("/:id/test-send", middleware.TestSendRateLimiter(), campaignController.TestSendCampaign)

	// Step graph
	campaign.Get("/:id/steps", campaignController.GetSteps)
	campaign.Post("/:id/steps", campaignController.AddStep)
	campaign.Put("/:id/steps", campaignController.ReplaceSteps)
	campaign.Put("/:id/steps/reorder", campaignController.ReorderSteps)
	campaign.Delete("/:id/steps/:stepID", campaignController.DeleteStep)

	// Queue review
	campaign.Get("/:id/emails", campaignController.GetQueuedEmails)
	campaign.Put("/:id/emails/:emailID", campaignController.UpdateQueuedEmail)
	campaign.Delete("/:id/emails/:emailID", campaignController.DeleteQueuedEmail)
	campaign.Post("/:id/emails/:emailID/regenerate", campaignController.RegenerateQueuedEmail)

	// Contact routes
	contact := api.Group("/contacts")
	contact.Get("/", contactController.GetContacts)
	contact.Get("/:id", contactController.GetContact)
	contact.Put("/:id", contactController.UpdateContact)
	contact.Delete("/:id", contactController.DeleteContact)

	// Contact list routes
	contactList := api.Group("/contact-lists")
	contactList.Post("/", contactController.CreateContactList)
	contactList.Get("/", contactController.GetContactLists)
	contactList.Get("/:id", contactController.GetContactList)
	contactList.Delete("/:id", contactController.DeleteContactList)
	contactList.Post("/:id/import", contactController.ImportContacts)
	contactList.Get("/:id/columns", contactController.GetContactColumns)

	// Delivery events arrive from the provider without a session
	app.Post("/webhooks/delivery", campaignController.HandleDeliveryWebhook)

	// Public endpoints: tracking pixel and unsubscribe, both token-guarded
	app.Get("/track/open/:emailID/:token", campaignController.HandleOpenTracking)
	app.Get("/unsubscribe", unsubscribeController.Unsubscribe)

	log.Println("API routes initialized successfully")
}

func SetupRoutes(app *fiber.App, db *gorm.DB, engine *utils.SequenceEngine, mailer utils.MailService) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	SetupAuthRoutes(app, db)
	SetupAPIRoutes(app, db, engine, mailer)

	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}
