package common

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Database  DatabaseConfig
	Server    ServerConfig
	Decode    DecodeConfig
	LLM       LLMConfig
	RateLimit RateLimitConfig
	Queue     QueueConfig
}

// DatabaseConfig holds database-related configuration. When DSN is empty the
// service falls back to the embedded SQLite store at SQLitePath.
type DatabaseConfig struct {
	DSN             string
	SQLitePath      string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	DialTimeout     time.Duration
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Addr          string
	MaxUploadSize int64
	SubmitRPS     int
}

// DecodeConfig holds input decoding configuration
type DecodeConfig struct {
	Pdftoppm string
	DPI      int
	MaxPages int
}

// LLMConfig holds model gateway configuration
type LLMConfig struct {
	APIKey       string
	BaseURL      string
	SimpleModel  string
	RegularModel string
	ComplexModel string
	Timeout      time.Duration
	MaxRetries   int
	BackoffMin   time.Duration
	BackoffMax   time.Duration
}

// RateLimitConfig holds per-user budget ceilings
type RateLimitConfig struct {
	RPM int
	TPM int
	RPD int
}

// QueueConfig holds queue manager configuration
type QueueConfig struct {
	JobTimeout    time.Duration
	StuckDeadline time.Duration
	ReaperSpec    string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			DSN:             getEnv("DB_URL", ""),
			SQLitePath:      getEnv("SQLITE_PATH", "extractable.db"),
			MaxConns:        getEnvAsInt32("DB_MAX_CONNS", 20),
			MinConns:        getEnvAsInt32("DB_MIN_CONNS", 5),
			MaxConnLifetime: getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime: getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:     getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
		},
		Server: ServerConfig{
			Addr:          getEnv("HTTP_ADDR", ":8080"),
			MaxUploadSize: int64(getEnvAsInt("MAX_UPLOAD_SIZE", 10<<20)),
			SubmitRPS:     getEnvAsInt("SUBMIT_RPS", 5),
		},
		Decode: DecodeConfig{
			Pdftoppm: getEnv("PDFTOPPM_PATH", "pdftoppm"),
			DPI:      getEnvAsInt("PDF_RENDER_DPI", 300),
			MaxPages: getEnvAsInt("PDF_MAX_PAGES", 50),
		},
		LLM: LLMConfig{
			APIKey:       getEnv("OPENAI_API_KEY", ""),
			BaseURL:      getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			SimpleModel:  getEnv("OPENAI_SIMPLE_MODEL", "gpt-5-nano"),
			RegularModel: getEnv("OPENAI_REGULAR_MODEL", "gpt-5-mini"),
			ComplexModel: getEnv("OPENAI_COMPLEX_MODEL", "gpt-5"),
			Timeout:      getEnvAsDuration("OPENAI_TIMEOUT", 120*time.Second),
			MaxRetries:   getEnvAsInt("MAX_RETRIES", 3),
			BackoffMin:   getEnvAsDuration("BACKOFF_MIN", 1*time.Second),
			BackoffMax:   getEnvAsDuration("BACKOFF_MAX", 60*time.Second),
		},
		RateLimit: RateLimitConfig{
			RPM: getEnvAsInt("RATE_LIMIT_RPM", 60),
			TPM: getEnvAsInt("RATE_LIMIT_TPM", 32000),
			RPD: getEnvAsInt("RATE_LIMIT_RPD", 1500),
		},
		Queue: QueueConfig{
			JobTimeout:    getEnvAsDuration("JOB_TIMEOUT", 15*time.Minute),
			StuckDeadline: getEnvAsDuration("STUCK_JOB_DEADLINE", 30*time.Minute),
			ReaperSpec:    getEnv("REAPER_CRON", "*/5 * * * *"),
		},
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	if c.LLM.APIKey == "" {
		return NewAppError("CONFIG_ERROR", "OPENAI_API_KEY is required", ErrInvalidInput)
	}
	if c.Server.Addr == "" {
		return NewAppError("CONFIG_ERROR", "HTTP_ADDR is required", ErrInvalidInput)
	}
	if c.RateLimit.RPM <= 0 || c.RateLimit.TPM <= 0 || c.RateLimit.RPD <= 0 {
		return NewAppError("CONFIG_ERROR", "rate limit ceilings must be positive", ErrInvalidInput)
	}
	if c.LLM.MaxRetries < 1 {
		return NewAppError("CONFIG_ERROR", "MAX_RETRIES must be at least 1", ErrInvalidInput)
	}
	if c.LLM.BackoffMin <= 0 || c.LLM.BackoffMax < c.LLM.BackoffMin {
		return NewAppError("CONFIG_ERROR", "backoff bounds must satisfy 0 < min <= max", ErrInvalidInput)
	}
	if !strings.HasPrefix(c.Server.Addr, ":") && !strings.Contains(c.Server.Addr, ":") {
		return NewAppError("CONFIG_ERROR", "HTTP_ADDR must include a port", ErrInvalidInput)
	}
	return nil
}
