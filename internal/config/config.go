package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"construction-migration-backend/internal/services/importer"
	"construction-migration-backend/internal/services/migration"
	"construction-migration-backend/internal/services/reconciliation"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Settings collects every externally supplied knob. Nothing migration-
// related is hardcoded: batch size, concurrency, retries and tolerances all
// come from the environment with sensible defaults.
type Settings struct {
	Addr         string
	UpdatePolicy importer.UpdatePolicy
	Migration    migration.Settings
}

func Load() Settings {
	return Settings{
		Addr:         getEnv("ADDR", ":8080"),
		UpdatePolicy: importer.UpdatePolicy(getEnv("UPDATE_POLICY", string(importer.PolicyOverwrite))),
		Migration: migration.Settings{
			Importer: importer.Settings{
				BatchSize:   getEnvInt("BATCH_SIZE", importer.DefaultBatchSize),
				Concurrency: getEnvInt("IMPORT_CONCURRENCY", importer.DefaultConcurrency),
				MaxRetries:  getEnvInt("IMPORT_MAX_RETRIES", importer.DefaultMaxRetries),
				BackoffBase: time.Duration(getEnvInt("IMPORT_BACKOFF_MS", 200)) * time.Millisecond,
				TxnTimeout:  time.Duration(getEnvInt("IMPORT_TXN_TIMEOUT_MS", 30000)) * time.Millisecond,
			},
			MinConfidence:   getEnvFloat("MIN_CONFIDENCE", 0.6),
			ReviewThreshold: getEnvFloat("REVIEW_THRESHOLD", 0.8),
			Tolerance: reconciliation.Tolerance{
				Abs: getEnvFloat("TOLERANCE_ABS", reconciliation.DefaultAbsTolerance),
				Rel: getEnvFloat("TOLERANCE_REL", reconciliation.DefaultRelTolerance),
			},
			NotifyEvery:   int64(getEnvInt("NOTIFY_EVERY", 100)),
			SourceRetries: getEnvInt("SOURCE_RETRIES", 3),
		},
	}
}

// InitDB connects to the destination database using env configuration.
func InitDB() *gorm.DB {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "host=" + getEnv("DB_HOST", "localhost") +
			" user=" + getEnv("DB_USER", "postgres") +
			" password=" + getEnv("DB_PASSWORD", "postgres") +
			" dbname=" + getEnv("DB_NAME", "construction_migration") +
			" port=" + getEnv("DB_PORT", "5432") +
			" sslmode=" + getEnv("DB_SSLMODE", "disable")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	return db
}

// NewLogger builds the process logger; APP_ENV=development switches to the
// human-readable encoder.
func NewLogger() *zap.Logger {
	var logger *zap.Logger
	var err error
	if getEnv("APP_ENV", "production") == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	return logger
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
