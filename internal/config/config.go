// Package config loads the service configuration from YAML and applies runtime overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/router-for-me/PageBlocks/internal/settings"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that points at the config file.
const EnvConfigPath = "PAGEBLOCKS_CONFIG"

// EnvOpenAIKey overrides openai.api_key when set.
const EnvOpenAIKey = "OPENAI_API_KEY"

// Config is the complete service configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Server    ServerConfig    `yaml:"server"`
	JWT       JWTConfig       `yaml:"jwt"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Costs     CostsConfig     `yaml:"costs"`
	Queue     QueueConfig     `yaml:"queue"`
	Retention RetentionConfig `yaml:"retention"`
	Redis     RedisConfig     `yaml:"redis"`
	Logging   LoggingConfig   `yaml:"logging"`
	Pages     PagesConfig     `yaml:"pages"`
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	// DSN is a postgres URL/keyword DSN or a SQLite path.
	DSN string `yaml:"dsn"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// JWTConfig configures bearer token verification.
type JWTConfig struct {
	Secret string        `yaml:"secret"`
	TTL    time.Duration `yaml:"ttl"`
}

// OpenAIConfig configures the chat completion provider.
type OpenAIConfig struct {
	APIKey         string  `yaml:"api_key"`
	BaseURL        string  `yaml:"base_url"`
	Model          string  `yaml:"model"`
	MaxTokens      int     `yaml:"max_tokens"`
	Temperature    float64 `yaml:"temperature"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
}

// Price is a per-million-token rate pair.
type Price struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

// CostsConfig configures cost tracking and the monthly budget.
type CostsConfig struct {
	Enabled       bool             `yaml:"enabled"`
	MonthlyBudget float64          `yaml:"monthly_budget"`
	Prices        map[string]Price `yaml:"prices"`
}

// QueueConfig configures deferred page generation.
type QueueConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	ProcessSchedule string        `yaml:"process_schedule"`
	BatchSize       int           `yaml:"batch_size"`
	StuckAfter      time.Duration `yaml:"stuck_after"`
}

// RetentionConfig configures cleanup windows in days.
type RetentionConfig struct {
	LogDays   int `yaml:"log_days"`
	QueueDays int `yaml:"queue_days"`
}

// RedisConfig enables the shared progress store when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoggingConfig configures logrus output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// PagesConfig configures the page collaborator.
type PagesConfig struct {
	PostType string `yaml:"post_type"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{DSN: "data/pageblocks.db"},
		Server:   ServerConfig{Addr: ":8080"},
		JWT:      JWTConfig{TTL: 24 * time.Hour},
		OpenAI: OpenAIConfig{
			BaseURL:        "https://api.openai.com/v1",
			Model:          "gpt-4o-mini",
			MaxTokens:      1500,
			Temperature:    0.7,
			TimeoutSeconds: 60,
		},
		Costs: CostsConfig{
			Enabled:       true,
			MonthlyBudget: 50,
			Prices: map[string]Price{
				"gpt-4o":      {Input: 2.50, Output: 10.00},
				"gpt-4o-mini": {Input: 0.15, Output: 0.60},
			},
		},
		Queue: QueueConfig{
			MaxAttempts:     3,
			ProcessSchedule: "@every 1m",
			BatchSize:       5,
			StuckAfter:      30 * time.Minute,
		},
		Retention: RetentionConfig{
			LogDays:   settings.DefaultLogRetentionDays,
			QueueDays: settings.DefaultQueueRetentionDays,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Pages:   PagesConfig{PostType: "seo_page"},
	}
}

// Load reads path (or the PAGEBLOCKS_CONFIG file when path is empty) over the defaults.
// A missing file is not an error; defaults and environment overrides still apply.
func Load(path string) (*Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv(EnvConfigPath))
	}
	if path != "" {
		data, errRead := os.ReadFile(path)
		switch {
		case errRead == nil:
			if errUnmarshal := yaml.Unmarshal(data, cfg); errUnmarshal != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
			}
		case os.IsNotExist(errRead):
		default:
			return nil, fmt.Errorf("config: read %s: %w", path, errRead)
		}
	}
	if key := strings.TrimSpace(os.Getenv(EnvOpenAIKey)); key != "" {
		cfg.OpenAI.APIKey = key
	}
	if errValidate := cfg.Validate(); errValidate != nil {
		return nil, errValidate
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("config: database.dsn is required")
	}
	if c.OpenAI.MaxTokens <= 0 {
		return fmt.Errorf("config: openai.max_tokens must be positive")
	}
	if c.OpenAI.Temperature < 0 || c.OpenAI.Temperature > 2 {
		return fmt.Errorf("config: openai.temperature must be between 0 and 2")
	}
	if c.Costs.MonthlyBudget < 0 {
		return fmt.Errorf("config: costs.monthly_budget must not be negative")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("config: queue.max_attempts must be positive")
	}
	return nil
}

// Timeout returns the per-call provider timeout.
func (c OpenAIConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}
