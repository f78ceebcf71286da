package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"leadflow/config"
	"leadflow/middleware"
	"leadflow/routes"
	"leadflow/services"
	"leadflow/worker"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
	"golang.org/x/time/rate"
)

func main() {
	// Initialize logger
	logger := log.New(os.Stdout, "LEADFLOW: ", log.Ldate|log.Ltime|log.Lshortfile)

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := config.AppConfig

	if cfg.IsProduction() {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
		}); err != nil {
			logger.Printf("⚠️ Sentry disabled: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Providers
	sms := services.NewTwilioClient(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken, cfg.Twilio.PhoneNumber, cfg.Twilio.APIBaseURL, cfg.ProviderTimeout)
	var email services.EmailProvider
	switch cfg.EmailProvider {
	case "resend":
		email = services.NewResendClient(cfg.ResendAPIKey, cfg.EmailFrom, "", cfg.ProviderTimeout)
	default:
		email = services.NewSMTPMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.EmailFrom)
	}

	hub := services.NewActivityHub(64)

	messenger := services.NewMessenger(config.DB, sms, email)
	messenger.Timeout = cfg.ProviderTimeout
	messenger.Throttle = rate.NewLimiter(rate.Limit(cfg.ProviderRate), cfg.ProviderBurst)
	messenger.Events = hub

	// SMS limits live in Redis when available so every instance shares them
	var limiter services.RateLimiter = services.NewLeadRateLimiter(config.DB)
	var limiterStorage fiber.Storage
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Printf("⚠️ Redis unreachable, using database rate limits: %v", err)
		} else {
			limiter = services.NewRedisRateLimiter(client)
			limiterStorage = middleware.NewRedisStorage(client)
			defer client.Close()
		}
	}

	engine := services.NewEngine(services.NewLeadStore(config.DB), messenger, limiter)
	engine.Events = hub
	engine.Concurrency = cfg.FollowupConcurrency
	engine.BookingLink = cfg.CalBookingLink

	ledger := services.NewLedger(config.DB)
	cycle := services.NewCycleRunner(engine, ledger, cfg.FollowupBatchSize)
	cycle.Events = hub

	// Instant responses go through RabbitMQ when configured
	async := services.NewAsyncDispatcher(engine, 2*time.Minute)
	var dispatcher services.Dispatcher = async
	if cfg.AMQPURL != "" {
		if conn, err := amqp.Dial(cfg.AMQPURL); err != nil {
			logger.Printf("⚠️ RabbitMQ unreachable, dispatching in-process: %v", err)
		} else {
			defer conn.Close()
			dispatcher = startQueue(ctx, conn, cfg.AMQPQueue, engine, async, logger)
		}
	}

	// Create Fiber app
	app := fiber.New(fiber.Config{AppName: "leadflow"})

	// Add CORS middleware
	corsConfig := middleware.DefaultCORSConfig()
	corsConfig.AllowedOrigins = cfg.CORSOrigins
	app.Use(middleware.CORS(corsConfig))

	// Setup routes
	routes.SetupRoutes(app, routes.Dependencies{
		DB:             config.DB,
		Engine:         engine,
		Ledger:         ledger,
		Cycle:          cycle,
		Dispatcher:     dispatcher,
		Hub:            hub,
		LimiterStorage: limiterStorage,
		Config:         cfg,
	})

	// Background workers
	if cfg.SchedulerEnabled {
		followupWorker := worker.NewFollowupWorker(cycle, cfg.SchedulerInterval, log.New(os.Stdout, "SCHEDULER: ", log.LstdFlags))
		go followupWorker.Start(ctx)
	}
	if cfg.IMAP.Host != "" {
		inboxWorker := worker.NewInboxWorker(cfg.IMAP, engine, ledger, log.New(os.Stdout, "INBOX: ", log.LstdFlags))
		go inboxWorker.Start(ctx)
	}

	go func() {
		<-ctx.Done()
		logger.Println("Shutting down server...")
		if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
			logger.Printf("Shutdown error: %v", err)
		}
	}()

	// Start server
	logger.Printf("🚀 Server starting on port %s", cfg.ServerPort)
	if err := app.Listen(":" + cfg.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}

	async.Wait()
	logger.Println("Server stopped")
}

// startQueue wires the publishing dispatcher and the consumer on separate channels
func startQueue(ctx context.Context, conn *amqp.Connection, queue string, engine *services.Engine, fallback services.Dispatcher, logger *log.Logger) services.Dispatcher {
	pubCh, err := conn.Channel()
	if err != nil {
		logger.Printf("⚠️ Failed to open AMQP channel: %v", err)
		return fallback
	}
	dispatcher, err := services.NewAMQPDispatcher(pubCh, queue, fallback)
	if err != nil {
		logger.Printf("⚠️ Failed to set up instant queue: %v", err)
		return fallback
	}

	consumeCh, err := conn.Channel()
	if err != nil {
		logger.Printf("⚠️ Failed to open consumer channel: %v", err)
		return fallback
	}
	consumer := worker.NewInstantConsumer(consumeCh, queue, engine, log.New(os.Stdout, "QUEUE: ", log.LstdFlags))
	go consumer.Start(ctx)

	return dispatcher
}
