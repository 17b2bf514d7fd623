package main

import (
	"context"
	"log"
	"os"

	"github.com/gofiber/fiber/v2"

	"propreach/config"
	"propreach/middleware"
	"propreach/routes"
	"propreach/utils"
	"propreach/worker"
)

func main() {
	logger := log.New(os.Stdout, "PROPREACH: ", log.Ldate|log.Ltime|log.Lshortfile)

	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	app := fiber.New()
	app.Use(middleware.CORS())

	window := utils.WindowFromConfig(config.AppConfig.SendWindow)
	renderer := &utils.Renderer{}
	engine := utils.NewSequenceEngine(config.DB,
		log.New(os.Stdout, "SEQUENCE: ", log.LstdFlags), window, renderer)
	mailer := utils.NewSMTPMailer()

	// Start the dispatch worker
	dispatchWorker := worker.NewDispatchWorker(config.DB, mailer, engine,
		log.New(os.Stdout, "DISPATCH: ", log.LstdFlags))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dispatchWorker.Start(ctx)

	routes.SetupRoutes(app, config.DB, engine, mailer)

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "running",
			"version": "1.0.0",
		})
	})

	logger.Printf("🚀 Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}
