// Package config provides configuration for the assistant service.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the assistant service configuration.
type Config struct {
	// Server settings
	HTTPPort int

	// Database
	DatabaseURL string

	// Model provider
	Provider        string // openai | gemini | claude
	Model           string
	OpenAIAPIKey    string
	GeminiAPIKey    string
	AnthropicAPIKey string

	// Keys manager (optional remote secret source)
	KeysManagerURL   string
	KeysManagerToken string

	// Storage (S3-compatible)
	StorageEndpoint  string
	StorageRegion    string
	StorageAccessKey string
	StorageSecretKey string
	StorageBucket    string

	// Timeouts
	RunTimeout          time.Duration
	ToolDefaultTimeout  time.Duration
	ConfirmationTimeout time.Duration
	HeartbeatInterval   time.Duration

	// Logging
	LogLevel string
}

// Load loads configuration from a .env file (if present) and the
// environment.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		HTTPPort:            getEnvInt("HTTP_PORT", 8080),
		DatabaseURL:         getEnv("DATABASE_URL", "file:assist.db?cache=shared&mode=rwc"),
		Provider:            getEnv("MODEL_PROVIDER", "openai"),
		Model:               getEnv("MODEL_NAME", ""),
		OpenAIAPIKey:        getEnv("OPENAI_API_KEY", ""),
		GeminiAPIKey:        getEnv("GEMINI_API_KEY", ""),
		AnthropicAPIKey:     getEnv("ANTHROPIC_API_KEY", ""),
		KeysManagerURL:      getEnv("KEYS_MANAGER_URL", ""),
		KeysManagerToken:    getEnv("KEYS_MANAGER_TOKEN", ""),
		StorageEndpoint:     getEnv("STORAGE_ENDPOINT", ""),
		StorageRegion:       getEnv("STORAGE_REGION", "us-east-1"),
		StorageAccessKey:    getEnv("STORAGE_ACCESS_KEY", ""),
		StorageSecretKey:    getEnv("STORAGE_SECRET_KEY", ""),
		StorageBucket:       getEnv("STORAGE_BUCKET", ""),
		RunTimeout:          time.Duration(getEnvInt("RUN_TIMEOUT_MS", 300000)) * time.Millisecond,
		ToolDefaultTimeout:  time.Duration(getEnvInt("TOOL_TIMEOUT_MS", 10000)) * time.Millisecond,
		ConfirmationTimeout: time.Duration(getEnvInt("CONFIRMATION_TIMEOUT_MS", 600000)) * time.Millisecond,
		HeartbeatInterval:   time.Duration(getEnvInt("HEARTBEAT_INTERVAL_MS", 25000)) * time.Millisecond,
		LogLevel:            getEnv("LOG_LEVEL", "info"),
	}
	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
