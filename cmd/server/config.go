package main

import (
	"flag"
	"os"
	"strconv"
	"time"

	adpconfig "github.com/thenexusengine/tne_addecision/internal/config"
	"github.com/thenexusengine/tne_addecision/internal/pipeline"
	"github.com/thenexusengine/tne_addecision/internal/planner"
)

// ServerConfig holds all server configuration
type ServerConfig struct {
	// Server
	Port string

	// Decision defaults; requests may override per call
	LatencyBudget     time.Duration
	EarlyWinThreshold float64

	// Database
	DatabaseConfig *DatabaseConfig

	// Redis
	RedisURL string

	// Health notifications
	NotifyURL     string
	NotifyEnabled bool
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

// ParseConfig parses configuration from flags and environment variables
func ParseConfig() *ServerConfig {
	// Parse flags with environment variable fallbacks
	port := flag.String("port", getEnvOrDefault("ADP_PORT", "8000"), "Server port")
	budget := flag.Duration("latency-budget", adpconfig.DefaultLatencyBudget, "Default decision latency budget")
	earlyWin := flag.Float64("early-win", getEnvFloatOrDefault("ADP_EARLY_WIN_CPM", 0), "Early-win CPM threshold (0 disables)")
	notifyURL := flag.String("notify-url", getEnvOrDefault("NOTIFY_URL", ""), "Health notification endpoint")
	notifyEnabled := flag.Bool("notify-enabled", getEnvBoolOrDefault("NOTIFY_ENABLED", true), "Enable health notifications")
	flag.Parse()

	cfg := &ServerConfig{
		Port:              *port,
		LatencyBudget:     *budget,
		EarlyWinThreshold: *earlyWin,
		RedisURL:          os.Getenv("REDIS_URL"),
		NotifyURL:         *notifyURL,
		NotifyEnabled:     *notifyEnabled,
	}

	// Parse database config if DB_HOST is set
	if dbHost := os.Getenv("DB_HOST"); dbHost != "" {
		cfg.DatabaseConfig = &DatabaseConfig{
			Host:     dbHost,
			Port:     getEnvOrDefault("DB_PORT", "5432"),
			User:     getEnvOrDefault("DB_USER", "addecision"),
			Password: getEnvOrDefault("DB_PASSWORD", ""),
			Name:     getEnvOrDefault("DB_NAME", "addecision"),
			SSLMode:  getEnvOrDefault("DB_SSL_MODE", "disable"),
		}
	}

	return cfg
}

// ToPipelineConfig converts ServerConfig to pipeline.Config
func (c *ServerConfig) ToPipelineConfig() pipeline.Config {
	return pipeline.Config{
		PlannerConfig: &planner.Config{
			MinTimeout:    adpconfig.MinSourceTimeout,
			MaxTimeout:    adpconfig.MaxSourceTimeout,
			LatencyBudget: c.LatencyBudget,
		},
		MaxConcurrentCalls: adpconfig.DefaultMaxConcurrentCalls,
	}
}

// getEnvOrDefault returns the environment variable value or a default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBoolOrDefault returns the environment variable as bool or a default
func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

// getEnvFloatOrDefault returns the environment variable as float64 or a default
func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return f
}
