package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/shoplens/renderscope/internal/domain"
)

// SchemaVersion is the current telemetry event schema version stamped on
// every persisted event.
const SchemaVersion = 1

// Config holds process-wide configuration for the renderscope service.
// Loaded once in main and passed explicitly into constructors.
type Config struct {
	Environment        string
	Addr               string
	DatabaseURL        string
	MigrationsDir      string
	PipelineToken      string
	MaxInlineBytes     int
	RetentionDays      map[string]int
	EmitQueueSize      int
	EmitWorkers        int
	S3Endpoint         string
	S3Region           string
	S3Bucket           string
	S3AccessKey        string
	S3SecretKey        string
	S3ForcePathStyle   bool
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
	EventStreamBuffer  int
	ShutdownTimeout    time.Duration
}

// Load constructs a Config from environment variables.
func Load() Config {
	return Config{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("API_ADDR", ":4600"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://renderscope:renderscope@db:5432/renderscope?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		PipelineToken:      GetString("PIPELINE_AUTH_TOKEN", ""),
		MaxInlineBytes:     GetInt("MAX_INLINE_PAYLOAD_BYTES", 10000),
		RetentionDays:      retentionDays(),
		EmitQueueSize:      GetInt("EMIT_QUEUE_SIZE", 1024),
		EmitWorkers:        GetInt("EMIT_WORKERS", 4),
		S3Endpoint:         GetString("S3_ENDPOINT", ""),
		S3Region:           GetString("S3_REGION", "us-east-1"),
		S3Bucket:           GetString("S3_BUCKET", "renderscope-artifacts"),
		S3AccessKey:        GetString("S3_ACCESS_KEY", ""),
		S3SecretKey:        GetString("S3_SECRET_KEY", ""),
		S3ForcePathStyle:   GetBool("S3_FORCE_PATH_STYLE", true),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
		EventStreamBuffer:  GetInt("WS_EVENT_BUFFER", 100),
		ShutdownTimeout:    time.Duration(GetInt("SHUTDOWN_TIMEOUT_SECONDS", 10)) * time.Second,
	}
}

func retentionDays() map[string]int {
	return map[string]int{
		domain.RetentionShort:     GetInt("RETENTION_SHORT_DAYS", 7),
		domain.RetentionStandard:  GetInt("RETENTION_STANDARD_DAYS", 30),
		domain.RetentionLong:      GetInt("RETENTION_LONG_DAYS", 90),
		domain.RetentionSensitive: GetInt("RETENTION_SENSITIVE_DAYS", 3),
	}
}

// GetString retrieves an environment variable or returns a fallback when unset.
func GetString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetInt retrieves an environment variable as integer or returns fallback.
func GetInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// GetBool retrieves an environment variable as bool or returns fallback.
func GetBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}
