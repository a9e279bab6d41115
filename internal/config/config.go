package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port     string
	Env      string
	LogLevel string

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// Scheduling tunables. WalkInSpacing is the number of advance slots
	// allowed between consecutive walk-in insertions; PullWindow is how far
	// ahead of the current time a freed slot may be backfilled.
	WalkInSpacing       int
	PullWindow          time.Duration
	CutoffLead          time.Duration
	NoShowGrace         time.Duration
	ConsultationMinutes int

	// Lifecycle sweeper and rebalance workers.
	SweepInterval    time.Duration
	RebalanceWorkers int
	RebalanceBuffer  int

	AdminJWTSecret     string
	CORSAllowedOrigins []string

	// Walk-in check-in rate limit, requests/sec per IP; zero disables.
	WalkInRate  float64
	WalkInBurst int

	// SendGrid patient notifications
	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		WalkInSpacing:       getEnvAsInt("WALKIN_SPACING", 3),
		PullWindow:          getEnvAsDuration("PULL_WINDOW", 60*time.Minute),
		CutoffLead:          getEnvAsDuration("CUTOFF_LEAD", 15*time.Minute),
		NoShowGrace:         getEnvAsDuration("NOSHOW_GRACE", 15*time.Minute),
		ConsultationMinutes: getEnvAsInt("CONSULTATION_MINUTES", 15),

		SweepInterval:    getEnvAsDuration("SWEEP_INTERVAL", time.Minute),
		RebalanceWorkers: getEnvAsInt("REBALANCE_WORKERS", 2),
		RebalanceBuffer:  getEnvAsInt("REBALANCE_BUFFER", 128),

		AdminJWTSecret:     getEnv("ADMIN_JWT_SECRET", ""),
		CORSAllowedOrigins: splitCommaList(getEnv("CORS_ALLOWED_ORIGINS", "")),

		WalkInRate:  getEnvAsFloat("WALKIN_RATE_LIMIT", 0),
		WalkInBurst: getEnvAsInt("WALKIN_RATE_BURST", 5),

		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "OPD Scheduler"),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func splitCommaList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
