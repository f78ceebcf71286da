package routes

import (
	"log"
	"os"

	"leadflow/config"
	controller "leadflow/controllers"
	"leadflow/middleware"
	"leadflow/services"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// Dependencies are the long-lived clients the handlers share. main builds them once.
type Dependencies struct {
	DB             *gorm.DB
	Engine         *services.Engine
	Ledger         *services.Ledger
	Cycle          controller.CycleRunner
	Dispatcher     services.Dispatcher
	Hub            *services.ActivityHub
	LimiterStorage fiber.Storage // nil keeps webhook rate limits in memory
	Config         config.Config
}

func newLogger(prefix string) *log.Logger {
	return log.New(os.Stdout, prefix, log.LstdFlags)
}

func accessLog() fiber.Handler {
	return logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	})
}

// SetupWebhookRoutes registers the signed, unauthenticated inbound endpoints
func SetupWebhookRoutes(app *fiber.App, deps Dependencies) {
	webhookController := controller.NewWebhookController(
		deps.Engine,
		deps.Ledger,
		deps.Dispatcher,
		controller.WebhookSecrets{
			TwilioAuthToken: deps.Config.Twilio.AuthToken,
			Cal:             deps.Config.CalWebhookSecret,
			Intake:          deps.Config.WebhookSecret,
		},
		deps.Config.PublicURL,
		newLogger("WEBHOOK: "),
	)

	limit := middleware.WebhookRateLimiter(deps.Config.WebhookRateLimit, deps.LimiterStorage)

	webhooks := app.Group("/api/webhooks", limit, accessLog())
	webhooks.Post("/twilio", webhookController.HandleTwilioInbound)
	webhooks.Post("/cal", webhookController.HandleCalBooking)

	app.Post("/api/leads/webhook", limit, accessLog(), webhookController.HandleLeadIntake)

	// Scheduler trigger (GET kept for manual runs)
	cronController := controller.NewCronController(deps.Cycle, newLogger("CRON: "))
	cron := app.Group("/api/cron", middleware.CronAuth(deps.Config.CronSecret), accessLog())
	cron.Post("/process-followups", cronController.ProcessFollowups)
	cron.Get("/process-followups", cronController.ProcessFollowups)
}

// SetupAPIRoutes registers the operator API behind token verification
func SetupAPIRoutes(app *fiber.App, deps Dependencies) {
	leadController := controller.NewLeadController(deps.DB, deps.Engine, deps.Dispatcher, newLogger("LEAD: "))
	messageController := controller.NewMessageController(deps.DB, newLogger("MESSAGE: "))
	sequenceController := controller.NewSequenceController(deps.DB, newLogger("SEQUENCE: "))
	settingsController := controller.NewSettingsController(deps.DB, newLogger("SETTINGS: "))
	dashboardController := controller.NewDashboardController(deps.DB, newLogger("DASHBOARD: "))

	api := app.Group("/api/v1", middleware.Protected(deps.Config.AuthJWTSecret))

	// Live activity feed; registered before the access log so the upgrade is not buffered
	if deps.Hub != nil {
		activityController := controller.NewActivityController(deps.Hub, newLogger("ACTIVITY: "))
		api.Get("/activity/ws", activityController.RequireUpgrade, websocket.New(activityController.HandleActivityWS))
	}

	api.Use(accessLog())

	// Dashboard routes
	api.Get("/dashboard/stats", dashboardController.GetDashboardStats)

	// Lead routes
	lead := api.Group("/leads")
	lead.Post("/", leadController.CreateLead)
	lead.Get("/", leadController.GetLeads)
	lead.Get("/:id", leadController.GetLead)
	lead.Put("/:id", leadController.UpdateLead)
	lead.Delete("/:id", leadController.DeleteLead)

	// Sequence control
	lead.Post("/:id/pause", leadController.PauseSequence)
	lead.Post("/:id/resume", leadController.ResumeSequence)
	lead.Post("/:id/skip", leadController.SkipStep)
	lead.Post("/:id/close", leadController.CloseLead)

	lead.Get("/:id/messages", leadController.GetLeadMessages)
	lead.Post("/:id/messages", leadController.SendMessage)
	lead.Get("/:id/rate-limit", leadController.GetRateLimit)

	api.Get("/messages", messageController.GetMessages)

	// Sequence step routes
	sequences := api.Group("/sequences")
	sequences.Get("/", sequenceController.GetSequences)
	sequences.Put("/", sequenceController.UpdateSequences)
	sequences.Post("/preview", sequenceController.PreviewTemplate)

	// Settings routes
	api.Get("/settings", settingsController.GetSettings)
	api.Put("/settings", settingsController.UpdateSettings)

	log.Println("API routes initialized successfully")
}

func SetupRoutes(app *fiber.App, deps Dependencies) {
	app.Use(middleware.Metrics())

	// Setup health check endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		status := fiber.Map{"status": "ok", "database": "ok"}
		if sqlDB, err := deps.DB.DB(); err != nil || sqlDB.PingContext(c.UserContext()) != nil {
			status["status"] = "degraded"
			status["database"] = "unreachable"
			return c.Status(fiber.StatusServiceUnavailable).JSON(status)
		}
		return c.JSON(status)
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	SetupWebhookRoutes(app, deps)
	SetupAPIRoutes(app, deps)

	// Setup 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}
