// Package config loads runtime configuration from the environment, with an
// optional YAML overrides file for eligibility tuning.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/admetrica/report-orchestrator/internal/eligibility"
)

type Config struct {
	Logging    LoggingConfig
	Store      StoreConfig
	Accounts   AccountsConfig
	Perfdata   PerfdataConfig
	Provider   ProviderConfig
	Scheduler  SchedulerConfig
	Queue      QueueConfig
	DeadLetter DeadLetterConfig
	Metrics    MetricsConfig

	// Optional YAML file overriding eligibility offsets and timezones.
	EligibilityFile string
}

type LoggingConfig struct {
	Format string
	Level  string
}

type StoreConfig struct {
	Backend     string // "postgres" | "memory"
	PostgresDSN string
}

type AccountsConfig struct {
	Backend     string // "postgres" | "static"
	PostgresDSN string
}

type PerfdataConfig struct {
	Backend     string // "postgres" | "memory"
	PostgresDSN string
}

type ProviderConfig struct {
	Backend  string // "http" | "stub"
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

type SchedulerConfig struct {
	BackfillCron string
	CreateCron   string
	PollCron     string
	FanOut       int
	DueLimit     int
}

type QueueConfig struct {
	MaxInFlight int
}

type DeadLetterConfig struct {
	Backend   string // "blob" | "local" | "none"
	BucketURL string
	LocalDir  string
	Prefix    string
}

type MetricsConfig struct {
	Enabled    bool
	ListenAddr string
}

// MustLoad reads configuration from environment variables, applying
// defaults suitable for local development.
func MustLoad() Config {
	log.Println("[config] loading")

	return Config{
		Logging: LoggingConfig{
			Format: getenvDefault("LOG_FORMAT", "text"),
			Level:  getenvDefault("LOG_LEVEL", "info"),
		},
		Store: StoreConfig{
			Backend:     getenvDefault("STORE_BACKEND", "memory"),
			PostgresDSN: os.Getenv("STORE_DSN"),
		},
		Accounts: AccountsConfig{
			Backend:     getenvDefault("ACCOUNTS_BACKEND", "static"),
			PostgresDSN: os.Getenv("ACCOUNTS_DSN"),
		},
		Perfdata: PerfdataConfig{
			Backend:     getenvDefault("PERFDATA_BACKEND", "memory"),
			PostgresDSN: os.Getenv("PERFDATA_DSN"),
		},
		Provider: ProviderConfig{
			Backend:  getenvDefault("PROVIDER_BACKEND", "stub"),
			Endpoint: os.Getenv("PROVIDER_ENDPOINT"),
			APIKey:   os.Getenv("PROVIDER_API_KEY"),
			Timeout:  parseDuration(getenvDefault("PROVIDER_TIMEOUT", "30s")),
		},
		Scheduler: SchedulerConfig{
			BackfillCron: getenvDefault("BACKFILL_CRON", "@hourly"),
			CreateCron:   getenvDefault("CREATE_CRON", "@every 15m"),
			PollCron:     getenvDefault("POLL_CRON", "@every 5m"),
			FanOut:       parseInt(getenvDefault("SWEEP_FAN_OUT", "4")),
			DueLimit:     parseInt(getenvDefault("SWEEP_DUE_LIMIT", "500")),
		},
		Queue: QueueConfig{
			MaxInFlight: parseInt(getenvDefault("QUEUE_MAX_IN_FLIGHT", "8")),
		},
		DeadLetter: DeadLetterConfig{
			Backend:   getenvDefault("DEAD_LETTER_BACKEND", "none"),
			BucketURL: os.Getenv("DEAD_LETTER_BUCKET_URL"),
			LocalDir:  os.Getenv("DEAD_LETTER_DIR"),
			Prefix:    getenvDefault("DEAD_LETTER_PREFIX", "dead-letter/"),
		},
		Metrics: MetricsConfig{
			Enabled:    os.Getenv("METRICS_ENABLED") != "false",
			ListenAddr: getenvDefault("METRICS_ADDR", ":9090"),
		},
		EligibilityFile: os.Getenv("ELIGIBILITY_FILE"),
	}
}

// LoadEligibility reads eligibility overrides from the configured YAML file.
// A missing path yields the built-in defaults.
func LoadEligibility(path string) (eligibility.Config, error) {
	var cfg eligibility.Config
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read eligibility file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse eligibility file %s: %w", path, err)
	}
	return cfg, nil
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func parseInt(v string) int {
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return parsed
}

func parseDuration(v string) time.Duration {
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return parsed
}
