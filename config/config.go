package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"propreach/models"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
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

// SendWindowConfig is the default business-hours window applied when a
// campaign is scheduled. All times are wall-clock in Timezone.
type SendWindowConfig struct {
	Timezone     string `json:"timezone"`
	StartHour    int    `json:"start_hour"`
	EndHour      int    `json:"end_hour"`
	SkipWeekends bool   `json:"skip_weekends"`
}

type Config struct {
	Environment    string   `json:"environment"`
	ServerPort     string   `json:"server_port"`
	AppURL         string   `json:"app_url"`
	DBHost         string   `json:"db_host"`
	DBPort         string   `json:"db_port"`
	DBUser         string   `json:"db_user"`
	DBPassword     string   `json:"-"`
	DBName         string   `json:"db_name"`
	DBSSLMode      string   `json:"db_ssl_mode"`
	DBMaxIdleConns int      `json:"db_max_idle_conns"`
	DBMaxOpenConns int      `json:"db_max_open_conns"`
	JWTSecret      string   `json:"-"`
	UnsubSecret    string   `json:"-"`
	WebhookSecret  string   `json:"-"`
	SMTPHost       string   `json:"smtp_host"`
	SMTPPort       int      `json:"smtp_port"`
	SMTPUsername   string   `json:"smtp_username"`
	SMTPPassword   string   `json:"-"`
	SendingDomains []string `json:"sending_domains"`

	SendWindow       SendWindowConfig `json:"send_window"`
	MaxSendAttempts  int              `json:"max_send_attempts"`
	DispatchInterval time.Duration    `json:"dispatch_interval"`
	DispatchBatch    int              `json:"dispatch_batch"`

	RateLimitTestSend int         `json:"rate_limit_test_send"`
	Redis             RedisConfig `json:"redis"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
	envLoaded = true
}

func LoadConfig() error {
	AppConfig = Config{
		Environment:    getEnv("ENVIRONMENT", "development"),
		ServerPort:     getEnv("SERVER_PORT", "5000"),
		AppURL:         getEnv("APP_URL", "http://localhost:5000"),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "propreach"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),

		JWTSecret:     getEnv("JWT_SECRET", ""),
		UnsubSecret:   getEnv("UNSUBSCRIBE_SECRET", ""),
		WebhookSecret: getEnv("DELIVERY_WEBHOOK_SECRET", ""),

		SMTPHost:       getEnv("SMTP_HOST", "localhost"),
		SMTPPort:       getEnvAsInt("SMTP_PORT", 587),
		SMTPUsername:   getEnv("SMTP_USERNAME", ""),
		SMTPPassword:   getEnv("SMTP_PASSWORD", ""),
		SendingDomains: splitList(getEnv("SENDING_DOMAINS", "")),

		SendWindow: SendWindowConfig{
			Timezone:     getEnv("SEND_TIMEZONE", "America/Los_Angeles"),
			StartHour:    getEnvAsInt("SEND_HOUR_START", 9),
			EndHour:      getEnvAsInt("SEND_HOUR_END", 17),
			SkipWeekends: getEnv("SEND_SKIP_WEEKENDS", "true") != "false",
		},
		MaxSendAttempts:  getEnvAsInt("MAX_SEND_ATTEMPTS", 3),
		DispatchInterval: time.Duration(getEnvAsInt("DISPATCH_INTERVAL_SECONDS", 30)) * time.Second,
		DispatchBatch:    getEnvAsInt("DISPATCH_BATCH_SIZE", 50),

		RateLimitTestSend: getEnvAsInt("RATE_LIMIT_TEST_SEND", 5),
		Redis: RedisConfig{
			Enabled:  getEnv("REDIS_ENABLED", "false") == "true",
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
	}

	// Validate required configurations
	if AppConfig.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if AppConfig.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if AppConfig.UnsubSecret == "" {
		return fmt.Errorf("UNSUBSCRIBE_SECRET is required")
	}
	if AppConfig.WebhookSecret == "" {
		return fmt.Errorf("DELIVERY_WEBHOOK_SECRET is required")
	}
	if len(AppConfig.SendingDomains) == 0 {
		// Round-robin degrades to a single domain derived from the SMTP user
		AppConfig.SendingDomains = []string{AppConfig.SMTPHost}
	}
	if AppConfig.SendWindow.StartHour < 0 || AppConfig.SendWindow.EndHour > 24 ||
		AppConfig.SendWindow.StartHour >= AppConfig.SendWindow.EndHour {
		return fmt.Errorf("invalid send window: start=%d end=%d",
			AppConfig.SendWindow.StartHour, AppConfig.SendWindow.EndHour)
	}
	if _, err := time.LoadLocation(AppConfig.SendWindow.Timezone); err != nil {
		return fmt.Errorf("invalid SEND_TIMEZONE %q: %w", AppConfig.SendWindow.Timezone, err)
	}

	logConfig()
	return nil
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

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
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
	if err := migrateDB(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Println("✅ Database migration completed")
	return nil
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
	var value int
	_, err := fmt.Sscanf(valueStr, "%d", &value)
	if err != nil {
		return fallback
	}
	return value
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
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
	log.Printf("Send window: %02d:00-%02d:00 %s (skip weekends: %t)",
		AppConfig.SendWindow.StartHour,
		AppConfig.SendWindow.EndHour,
		AppConfig.SendWindow.Timezone,
		AppConfig.SendWindow.SkipWeekends)
	log.Printf("Sending domains: %d configured", len(AppConfig.SendingDomains))
}

func migrateDB(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.RefreshToken{},
		&models.Contact{},
		&models.ContactList{},
		&models.ContactListMembership{},
		&models.Campaign{},
		&models.Step{},
		&models.Section{},
		&models.StepEdge{},
		&models.CampaignRecipient{},
		&models.QueuedEmail{},
		&models.UnsubscribeEvent{},
	)
}
