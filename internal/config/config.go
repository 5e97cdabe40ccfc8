/**
 * Configuration for the annotation converter worker
 *
 * Loads configuration from environment variables matching .env.nexus
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds worker configuration
type Config struct {
	// Redis configuration
	RedisURL  string
	QueueName string
	QueueMode string // "list" (go-redis BRPOP) or "asynq"

	// PostgreSQL configuration
	DatabaseURL string

	// Qdrant geometry index configuration
	QdrantURL           string
	QdrantCollection    string
	EnableGeometryIndex bool

	// Platform API
	PlatformURL   string
	PlatformToken string

	// FileProcess API for artifact storage of emitted documents
	FileProcessAPIURL    string
	EnableArtifactUpload bool

	// Worker configuration
	WorkerConcurrency int
	MaxFileSize       int64
	ProcessingTimeout int // milliseconds

	// Conversion options file (YAML) applied to every job
	OptionsPath string

	// Health endpoint listen address
	HealthAddr string

	// Temporary directory for downloaded archives and job output
	TempDir string

	LogLevel string
	NodeEnv  string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		RedisURL:             getEnvOrDefault("REDIS_URL", "redis://nexus-redis:6379"),
		QueueName:            getEnvOrDefault("QUEUE_NAME", "converter:jobs"),
		QueueMode:            getEnvOrDefault("QUEUE_MODE", "list"),
		DatabaseURL:          getEnvOrThrow("DATABASE_URL"),
		QdrantURL:            getEnvOrDefault("QDRANT_URL", "nexus-qdrant:6334"),
		QdrantCollection:     getEnvOrDefault("QDRANT_COLLECTION", "annotation_geometry"),
		EnableGeometryIndex:  getEnvAsBoolOrDefault("ENABLE_GEOMETRY_INDEX", true),
		PlatformURL:          getEnvOrDefault("PLATFORM_URL", "http://xtreme1-backend:8080"),
		PlatformToken:        getEnvOrDefault("PLATFORM_TOKEN", ""),
		FileProcessAPIURL:    getEnvOrDefault("FILEPROCESS_API_URL", "http://nexus-fileprocess-api:8096"),
		EnableArtifactUpload: getEnvAsBoolOrDefault("ENABLE_ARTIFACT_UPLOAD", false),
		WorkerConcurrency:    getEnvAsIntOrDefault("WORKER_CONCURRENCY", 4),
		MaxFileSize:          getEnvAsInt64OrDefault("MAX_FILE_SIZE", 2147483648), // 2GB
		ProcessingTimeout:    getEnvAsIntOrDefault("PROCESSING_TIMEOUT", 600000),  // 10 minutes
		OptionsPath:          getEnvOrDefault("CONVERTER_OPTIONS", ""),
		HealthAddr:           getEnvOrDefault("HEALTH_ADDR", ":8098"),
		TempDir:              getEnvOrDefault("TEMP_DIR", "/tmp/annotation-converter"),
		LogLevel:             getEnvOrDefault("LOG_LEVEL", "info"),
		NodeEnv:              getEnvOrDefault("NODE_ENV", "development"),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.QueueMode != "list" && c.QueueMode != "asynq" {
		return fmt.Errorf("QUEUE_MODE must be list or asynq, got %q", c.QueueMode)
	}

	if c.EnableGeometryIndex && c.QdrantURL == "" {
		return fmt.Errorf("QDRANT_URL is required when ENABLE_GEOMETRY_INDEX is set")
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.MaxFileSize < 1024 || c.MaxFileSize > 10737418240 { // 1KB to 10GB
		return fmt.Errorf("MAX_FILE_SIZE must be between 1KB and 10GB, got %d", c.MaxFileSize)
	}

	if c.ProcessingTimeout < 1000 {
		return fmt.Errorf("PROCESSING_TIMEOUT must be at least 1000ms, got %d", c.ProcessingTimeout)
	}

	return nil
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrThrow gets environment variable or panics
func getEnvOrThrow(key string) string {
	value := os.Getenv(key)
	if value == "" {
		panic(fmt.Sprintf("Required environment variable %s is not set", key))
	}
	return value
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsInt64OrDefault gets environment variable as int64 or returns default
func getEnvAsInt64OrDefault(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsBoolOrDefault gets environment variable as bool or returns default
func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	valueStr := strings.TrimSpace(os.Getenv(key))
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}
