package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"leadflow/models"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	DB        *gorm.DB
	AppConfig Config
	envLoaded bool
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

type TwilioConfig struct {
	AccountSID  string `json:"account_sid"`
	AuthToken   string `json:"-"`
	PhoneNumber string `json:"phone_number"`
	APIBaseURL  string `json:"api_base_url"`
}

type IMAPConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	Username     string        `json:"username"`
	Password     string        `json:"-"`
	Mailbox      string        `json:"mailbox"`
	PollInterval time.Duration `json:"poll_interval"`
}

type Config struct {
	Environment    string `json:"environment"`
	ServerPort     string `json:"server_port"`
	PublicURL      string `json:"public_url"`
	CORSOrigins    []string
	DBHost         string `json:"db_host"`
	DBPort         string `json:"db_port"`
	DBUser         string `json:"db_user"`
	DBPassword     string `json:"-"`
	DBName         string `json:"db_name"`
	DBSSLMode      string `json:"db_ssl_mode"`
	DBMaxIdleConns int    `json:"db_max_idle_conns"`
	DBMaxOpenConns int    `json:"db_max_open_conns"`

	Redis  RedisConfig  `json:"redis"`
	Twilio TwilioConfig `json:"twilio"`
	IMAP   IMAPConfig   `json:"imap"`

	// Email delivery: "smtp" or "resend"
	EmailProvider string `json:"email_provider"`
	SMTPHost      string `json:"smtp_host"`
	SMTPPort      int    `json:"smtp_port"`
	SMTPUsername  string `json:"smtp_username"`
	SMTPPassword  string `json:"-"`
	EmailFrom     string `json:"email_from"`
	ResendAPIKey  string `json:"-"`

	// Shared secrets
	WebhookSecret    string `json:"-"`
	CalWebhookSecret string `json:"-"`
	CronSecret       string `json:"-"`
	AuthJWTSecret    string `json:"-"`

	CalBookingLink string `json:"cal_booking_link"`

	SchedulerEnabled    bool          `json:"scheduler_enabled"`
	SchedulerInterval   time.Duration `json:"scheduler_interval"`
	FollowupBatchSize   int           `json:"followup_batch_size"`
	FollowupConcurrency int           `json:"followup_concurrency"`
	ProviderTimeout     time.Duration `json:"provider_timeout"`
	ProviderRate        float64       `json:"provider_rate"`
	ProviderBurst       int           `json:"provider_burst"`

	AMQPURL   string `json:"-"`
	AMQPQueue string `json:"amqp_queue"`

	WebhookRateLimit int    `json:"webhook_rate_limit"`
	SentryDSN        string `json:"-"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
	envLoaded = true
}

func LoadConfig() error {
	AppConfig = Config{
		Environment:    getEnv("ENVIRONMENT", "development"),
		ServerPort:     getEnv("SERVER_PORT", "3000"),
		PublicURL:      strings.TrimRight(getEnv("PUBLIC_URL", ""), "/"),
		CORSOrigins:    getEnvAsList("CORS_ORIGINS", []string{"http://localhost:3000"}),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "leadflow"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 50),

		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Twilio: TwilioConfig{
			AccountSID:  getEnv("TWILIO_ACCOUNT_SID", ""),
			AuthToken:   getEnv("TWILIO_AUTH_TOKEN", ""),
			PhoneNumber: getEnv("TWILIO_PHONE_NUMBER", ""),
			APIBaseURL:  getEnv("TWILIO_API_BASE_URL", ""),
		},
		IMAP: IMAPConfig{
			Host:         getEnv("IMAP_HOST", ""),
			Port:         getEnvAsInt("IMAP_PORT", 993),
			Username:     getEnv("IMAP_USERNAME", ""),
			Password:     getEnv("IMAP_PASSWORD", ""),
			Mailbox:      getEnv("IMAP_MAILBOX", "INBOX"),
			PollInterval: getEnvAsDuration("IMAP_POLL_INTERVAL", 2*time.Minute),
		},

		EmailProvider: strings.ToLower(getEnv("EMAIL_PROVIDER", "smtp")),
		SMTPHost:      getEnv("SMTP_HOST", ""),
		SMTPPort:      getEnvAsInt("SMTP_PORT", 587),
		SMTPUsername:  getEnv("SMTP_USERNAME", ""),
		SMTPPassword:  getEnv("SMTP_PASSWORD", ""),
		EmailFrom:     getEnv("EMAIL_FROM", "noreply@example.com"),
		ResendAPIKey:  getEnv("RESEND_API_KEY", ""),

		WebhookSecret:    getEnv("WEBHOOK_SECRET", ""),
		CalWebhookSecret: getEnv("CAL_WEBHOOK_SECRET", ""),
		CronSecret:       getEnv("CRON_SECRET", ""),
		AuthJWTSecret:    getEnv("AUTH_JWT_SECRET", ""),

		CalBookingLink: getEnv("CAL_BOOKING_LINK", ""),

		SchedulerEnabled:    getEnvAsBool("SCHEDULER_ENABLED", false),
		SchedulerInterval:   getEnvAsDuration("SCHEDULER_INTERVAL", 5*time.Minute),
		FollowupBatchSize:   getEnvAsInt("FOLLOWUP_BATCH_SIZE", 20),
		FollowupConcurrency: getEnvAsInt("FOLLOWUP_CONCURRENCY", 1),
		ProviderTimeout:     getEnvAsDuration("PROVIDER_TIMEOUT", 15*time.Second),
		ProviderRate:        getEnvAsFloat("PROVIDER_RATE", 1),
		ProviderBurst:       getEnvAsInt("PROVIDER_BURST", 5),

		AMQPURL:   getEnv("AMQP_URL", ""),
		AMQPQueue: getEnv("AMQP_QUEUE", "instant_responses"),

		WebhookRateLimit: getEnvAsInt("WEBHOOK_RATE_LIMIT", 120),
		SentryDSN:        getEnv("SENTRY_DSN", ""),
	}

	if err := AppConfig.Validate(); err != nil {
		return err
	}

	logConfig()
	return nil
}

// Validate checks the settings the service cannot start without
func (c *Config) Validate() error {
	if c.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if c.EmailProvider != "smtp" && c.EmailProvider != "resend" {
		return fmt.Errorf("EMAIL_PROVIDER must be smtp or resend, got %q", c.EmailProvider)
	}
	if c.FollowupBatchSize <= 0 {
		return fmt.Errorf("FOLLOWUP_BATCH_SIZE must be positive")
	}
	if c.IsProduction() {
		if c.WebhookSecret == "" {
			return fmt.Errorf("WEBHOOK_SECRET is required in production")
		}
		if c.CronSecret == "" {
			return fmt.Errorf("CRON_SECRET is required in production")
		}
		if c.Twilio.AuthToken == "" {
			return fmt.Errorf("TWILIO_AUTH_TOKEN is required in production")
		}
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func ConnectDB() error {
	log.Println("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	log.Println("Using connection string:", maskPassword(dsn))

	logLevel := logger.Warn
	if !AppConfig.IsProduction() {
		logLevel = logger.Info
	}

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logLevel),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	log.Println("✅ Successfully connected to the database")
	log.Println("🔄 Starting database migration...")
	if err := MigrateDB(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Println("✅ Database migration completed")

	if err := SeedDefaults(DB); err != nil {
		return fmt.Errorf("failed to seed defaults: %w", err)
	}
	return nil
}

// MigrateDB creates or updates every table the service uses
func MigrateDB(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Lead{},
		&models.Message{},
		&models.SequenceStep{},
		&models.ProcessedWebhook{},
		&models.Setting{},
	)
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if !envLoaded && fallback == "" {
		log.Printf("⚠️ Environment variable %s not found and no fallback provided", key)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.Atoi(strings.TrimSpace(valueStr))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsFloat(key string, fallback float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(valueStr), 64)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.ParseBool(strings.TrimSpace(valueStr))
	if err != nil {
		return fallback
	}
	return value
}

// getEnvAsDuration accepts Go durations ("90s", "5m") or a bare number of seconds
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := strings.TrimSpace(getEnv(key, ""))
	if valueStr == "" {
		return fallback
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func getEnvAsList(key string, fallback []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var items []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return fallback
	}
	return items
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	log.Println("🔧 Loaded configuration:")
	log.Printf("Environment: %s", AppConfig.Environment)
	log.Printf("Server Port: %s", AppConfig.ServerPort)
	log.Printf("Database: %s@%s:%s/%s",
		AppConfig.DBUser,
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBName)
	log.Printf("Redis: %t, AMQP: %t, IMAP: %t",
		AppConfig.Redis.Enabled,
		AppConfig.AMQPURL != "",
		AppConfig.IMAP.Host != "")
	log.Printf("Email provider: %s, Twilio: %t",
		AppConfig.EmailProvider,
		AppConfig.Twilio.AccountSID != "")
	log.Printf("Scheduler: %t every %s, batch %d, concurrency %d",
		AppConfig.SchedulerEnabled,
		AppConfig.SchedulerInterval,
		AppConfig.FollowupBatchSize,
		AppConfig.FollowupConcurrency)
}
