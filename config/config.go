package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"dmailbox/models"
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

type VaultConfig struct {
	URL        string `json:"url"`
	APIKey     string `json:"-"`
	TimeoutSec int    `json:"timeout_sec"`
	// InMemory switches dev mode to the in-process vault, no URL needed.
	InMemory bool `json:"in_memory"`
}

type Config struct {
	Environment          string      `json:"environment"`
	ServerPort           string      `json:"server_port"`
	EncryptionKey        string      `json:"-"`
	PairingSecretHash    string      `json:"-"`
	DBHost               string      `json:"db_host"`
	DBPort               string      `json:"db_port"`
	DBUser               string      `json:"db_user"`
	DBPassword           string      `json:"-"`
	DBName               string      `json:"db_name"`
	DBSSLMode            string      `json:"db_ssl_mode"`
	DBMaxIdleConns       int         `json:"db_max_idle_conns"`
	DBMaxOpenConns       int         `json:"db_max_open_conns"`
	Vault                VaultConfig `json:"vault"`
	Redis                RedisConfig `json:"redis"`
	SentryDSN            string      `json:"-"`
	ReconcileIntervalSec int         `json:"reconcile_interval_sec"`
	DefaultRegistry      string      `json:"default_registry"`
	RateLimitDistribute  int         `json:"rate_limit_distribute"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
	envLoaded = true
}

func LoadConfig() error {
	AppConfig = Config{
		Environment:       getEnv("ENVIRONMENT", "development"),
		ServerPort:        getEnv("SERVER_PORT", "5000"),
		EncryptionKey:     getEnv("ENCRYPTION_KEY", ""),
		PairingSecretHash: getEnv("PAIRING_SECRET_HASH", ""),
		DBHost:            getEnv("DB_HOST", "localhost"),
		DBPort:            getEnv("DB_PORT", "5432"),
		DBUser:            getEnv("DB_USER", "postgres"),
		DBPassword:        getEnv("DB_PASSWORD", ""),
		DBName:            getEnv("DB_NAME", "dmailbox"),
		DBSSLMode:         getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 100),
		Vault: VaultConfig{
			URL:        getEnv("VAULT_URL", ""),
			APIKey:     getEnv("VAULT_API_KEY", ""),
			TimeoutSec: getEnvAsInt("VAULT_TIMEOUT_SEC", 15),
			InMemory:   getEnv("VAULT_IN_MEMORY", "false") == "true",
		},
		Redis: RedisConfig{
			Enabled:  getEnv("REDIS_ENABLED", "false") == "true",
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		SentryDSN:            getEnv("SENTRY_DSN", ""),
		ReconcileIntervalSec: getEnvAsInt("RECONCILE_INTERVAL_SEC", 30),
		DefaultRegistry:      getEnv("DEFAULT_REGISTRY", ""),
		RateLimitDistribute:  getEnvAsInt("RATE_LIMIT_DISTRIBUTE", 30),
	}

	// Validate required configurations
	if AppConfig.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if AppConfig.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if AppConfig.PairingSecretHash == "" {
		return fmt.Errorf("PAIRING_SECRET_HASH is required")
	}
	if !AppConfig.Vault.InMemory && AppConfig.Vault.URL == "" {
		return fmt.Errorf("VAULT_URL is required unless VAULT_IN_MEMORY=true")
	}
	if AppConfig.Environment == "production" && AppConfig.Vault.InMemory {
		return fmt.Errorf("VAULT_IN_MEMORY is not allowed in production")
	}

	logConfig()
	return nil
}

// ReconcileInterval returns the reconciler tick as a duration.
func ReconcileInterval() time.Duration {
	if AppConfig.ReconcileIntervalSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(AppConfig.ReconcileIntervalSec) * time.Second
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

	log.Println("Successfully connected to the database")
	log.Println("Starting database migration...")
	if err := migrateDB(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Println("Database migration completed")
	return nil
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if !envLoaded && fallback == "" {
		log.Printf("Environment variable %s not found and no fallback provided", key)
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
	log.Println("Loaded configuration:")
	log.Printf("Environment: %s", AppConfig.Environment)
	log.Printf("Server Port: %s", AppConfig.ServerPort)
	log.Printf("Database: %s@%s:%s/%s",
		AppConfig.DBUser,
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBName)
	log.Printf("Vault: in_memory=%t url=%s", AppConfig.Vault.InMemory, AppConfig.Vault.URL)
	log.Printf("Reconcile interval: %ds", AppConfig.ReconcileIntervalSec)
}

func migrateDB(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Identity{},
		&models.Message{},
		&models.Attachment{},
		&models.Poll{},
	)
}
