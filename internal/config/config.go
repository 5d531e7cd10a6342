// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // CONCIERGE_TIMEZONE must resolve in minimal images

	"github.com/power100/concierge/internal/domain"
	"github.com/power100/concierge/internal/routing"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	FrontendURL     string
	LogLevel        slog.Level
	DevContractorID int64

	Store     StoreConfig
	Routing   RoutingConfig
	Machine   MachineConfig
	Agents    AgentConfig
	Timeout   TimeoutConfig
	RateLimit RateLimitConfig

	TransitionHistorySize int
	MaxRequestBodySize    int64
}

// StoreConfig selects the session store backend.
type StoreConfig struct {
	Driver      string // "sqlite" or "postgres"
	Path        string
	DatabaseURL string
}

// RoutingConfig controls the agent routing policy and the event lookup.
type RoutingConfig struct {
	Timezone         string
	Location         *time.Location
	ActiveStatuses   []string
	ProviderStatuses []string
}

// MachineConfig controls the in-process machine registry.
type MachineConfig struct {
	OptimisticLocking bool
	IdleTTL           time.Duration
	SweepInterval     time.Duration
}

// AgentConfig points the personas at upstream services. Empty URLs fall back
// to the built-in scripted replies.
type AgentConfig struct {
	StandardURL string
	EventURL    string
	APIKey      string
	Timeout     time.Duration
}

// TimeoutConfig holds server timeouts.
type TimeoutConfig struct {
	HealthCheck time.Duration
	Shutdown    time.Duration
}

// RateLimitConfig throttles message routing per contractor.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		FrontendURL:     getEnv("FRONTEND_URL", ""),
		LogLevel:        getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		DevContractorID: int64(getEnvInt("DEV_CONTRACTOR_ID", 0)),
		Store: StoreConfig{
			Driver:      strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
			Path:        getEnv("DB_PATH", "./data/concierge.db"),
			DatabaseURL: getEnv("DATABASE_URL", ""),
		},
		Routing: RoutingConfig{
			Timezone:         getEnv("CONCIERGE_TIMEZONE", "UTC"),
			ActiveStatuses:   getEnvList("CONCIERGE_ACTIVE_STATUSES", routing.DefaultPolicy().ActiveStatuses),
			ProviderStatuses: getEnvList("CONCIERGE_PROVIDER_STATUSES", []string{domain.EventStatusRegistered, domain.EventStatusCheckedIn, domain.EventStatusAttending}),
		},
		Machine: MachineConfig{
			OptimisticLocking: getEnvBool("CONCIERGE_OPTIMISTIC_LOCKING", false),
			IdleTTL:           getEnvDuration("MACHINE_IDLE_TTL", 30*time.Minute),
			SweepInterval:     getEnvDuration("MACHINE_SWEEP_INTERVAL", 5*time.Minute),
		},
		Agents: AgentConfig{
			StandardURL: getEnv("STANDARD_AGENT_URL", ""),
			EventURL:    getEnv("EVENT_AGENT_URL", ""),
			APIKey:      getEnv("AGENT_API_KEY", ""),
			Timeout:     getEnvDuration("AGENT_TIMEOUT", 60*time.Second),
		},
		Timeout: TimeoutConfig{
			HealthCheck: getEnvDuration("HEALTH_CHECK_TIMEOUT", 5*time.Second),
			Shutdown:    getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		RateLimit: RateLimitConfig{
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 30),
			Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		TransitionHistorySize: getEnvInt("TRANSITION_HISTORY_SIZE", 50),
		MaxRequestBodySize:    int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 64*1024)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set and
// resolves derived values.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", c.Store.Driver)
	}

	loc, err := time.LoadLocation(c.Routing.Timezone)
	if err != nil {
		return fmt.Errorf("CONCIERGE_TIMEZONE: %w", err)
	}
	c.Routing.Location = loc

	if len(c.Routing.ActiveStatuses) == 0 {
		return fmt.Errorf("CONCIERGE_ACTIVE_STATUSES cannot be empty")
	}
	if len(c.Routing.ProviderStatuses) == 0 {
		return fmt.Errorf("CONCIERGE_PROVIDER_STATUSES cannot be empty")
	}
	if c.Machine.SweepInterval <= 0 {
		return fmt.Errorf("MACHINE_SWEEP_INTERVAL must be > 0")
	}
	if c.TransitionHistorySize <= 0 {
		return fmt.Errorf("TRANSITION_HISTORY_SIZE must be > 0")
	}
	if c.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0")
	}
	return nil
}

// Policy returns the routing policy described by the configuration.
func (c *Config) Policy() routing.Policy {
	return routing.Policy{
		ActiveStatuses: c.Routing.ActiveStatuses,
		Location:       c.Routing.Location,
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env == "development"
	}
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return routing.ParseStatuses(value)
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}
