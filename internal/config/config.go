/**
 * Configuration for the Comic Typesetter service
 *
 * Loads configuration from environment variables (optionally seeded from .env)
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds service configuration
type Config struct {
	// HTTP server
	ListenAddr    string
	MaxUploadSize int64

	// OCR engine
	OCRLanguage     string
	TessdataPrefix  string
	PageSegMode     int
	PreprocessScale int
	MaxImagePixels  int64

	// Annotation defaults
	DefaultFontSize   int
	DefaultFontFamily string
	FontMapPath       string

	// Export
	ExportFilename string

	// Recognition cache (disabled when RedisURL is empty)
	RedisURL string
	CacheTTL time.Duration

	// Sessions and lifecycle
	SessionIdleTimeout time.Duration
	ShutdownTimeout    time.Duration

	LogLevel string
	AppEnv   string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		ListenAddr:         getEnvOrDefault("LISTEN_ADDR", ":8080"),
		MaxUploadSize:      getEnvAsInt64OrDefault("MAX_UPLOAD_SIZE", 32<<20), // 32MB
		OCRLanguage:        getEnvOrDefault("OCR_LANGUAGE", "eng"),
		TessdataPrefix:     getEnvOrDefault("TESSDATA_PREFIX", ""),
		PageSegMode:        getEnvAsIntOrDefault("OCR_PAGE_SEG_MODE", 3),
		PreprocessScale:    getEnvAsIntOrDefault("PREPROCESS_SCALE", 2),
		MaxImagePixels:     getEnvAsInt64OrDefault("MAX_IMAGE_PIXELS", 25_000_000),
		DefaultFontSize:    getEnvAsIntOrDefault("DEFAULT_FONT_SIZE", 16),
		DefaultFontFamily:  getEnvOrDefault("DEFAULT_FONT_FAMILY", "Arial"),
		FontMapPath:        getEnvOrDefault("FONT_MAP_PATH", ""),
		ExportFilename:     getEnvOrDefault("EXPORT_FILENAME", "translated_comic.png"),
		RedisURL:           getEnvOrDefault("REDIS_URL", ""),
		CacheTTL:           getEnvAsSecondsOrDefault("CACHE_TTL_SECONDS", 24*time.Hour),
		SessionIdleTimeout: getEnvAsSecondsOrDefault("SESSION_IDLE_TIMEOUT_SECONDS", time.Hour),
		ShutdownTimeout:    getEnvAsSecondsOrDefault("SHUTDOWN_TIMEOUT_SECONDS", 10*time.Second),
		LogLevel:           strings.ToLower(getEnvOrDefault("LOG_LEVEL", "info")),
		AppEnv:             getEnvOrDefault("APP_ENV", "development"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR is required")
	}

	if c.OCRLanguage == "" {
		return fmt.Errorf("OCR_LANGUAGE is required")
	}

	if c.PageSegMode < 0 || c.PageSegMode > 13 {
		return fmt.Errorf("OCR_PAGE_SEG_MODE must be between 0 and 13, got %d", c.PageSegMode)
	}

	if c.PreprocessScale < 1 || c.PreprocessScale > 8 {
		return fmt.Errorf("PREPROCESS_SCALE must be between 1 and 8, got %d", c.PreprocessScale)
	}

	if c.MaxImagePixels < 1 {
		return fmt.Errorf("MAX_IMAGE_PIXELS must be positive, got %d", c.MaxImagePixels)
	}

	if c.DefaultFontSize < 1 {
		return fmt.Errorf("DEFAULT_FONT_SIZE must be positive, got %d", c.DefaultFontSize)
	}

	if c.DefaultFontFamily == "" {
		return fmt.Errorf("DEFAULT_FONT_FAMILY is required")
	}

	if c.ExportFilename == "" || strings.ContainsAny(c.ExportFilename, `/\"`) {
		return fmt.Errorf("EXPORT_FILENAME must be a plain file name, got %q", c.ExportFilename)
	}

	if c.MaxUploadSize < 1024 || c.MaxUploadSize > 1<<30 { // 1KB to 1GB
		return fmt.Errorf("MAX_UPLOAD_SIZE must be between 1KB and 1GB, got %d", c.MaxUploadSize)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error, got %q", c.LogLevel)
	}

	return nil
}

// CacheEnabled reports whether a Redis recognition cache is configured
func (c *Config) CacheEnabled() bool {
	return c.RedisURL != ""
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
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

// getEnvAsSecondsOrDefault reads a whole number of seconds
func getEnvAsSecondsOrDefault(key string, defaultValue time.Duration) time.Duration {
	seconds := getEnvAsInt64OrDefault(key, -1)
	if seconds < 0 {
		return defaultValue
	}
	return time.Duration(seconds) * time.Second
}
