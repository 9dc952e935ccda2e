// Package config loads application settings from a .env file, an optional
// YAML file and the environment, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// FileEnv names the environment variable holding the YAML config path.
const FileEnv = "NIM_CONFIG_FILE"

// Config is the application configuration.
type Config struct {
	Environment string `yaml:"environment" validate:"oneof=development production"`
	LogLevel    string `yaml:"log_level" validate:"oneof=debug info warn error"`

	// AnthropicAPIKey authenticates chat turns and memory extraction.
	AnthropicAPIKey string `yaml:"anthropic_api_key" validate:"required"`
	Model           string `yaml:"model" validate:"required"`
	ExtractorModel  string `yaml:"extractor_model"`
	MaxTokens       int64  `yaml:"max_tokens" validate:"gt=0"`

	// DataPath is the SQLite file holding local memories, documents,
	// conversations and flags.
	DataPath string `yaml:"data_path" validate:"required"`

	// MetricsAddr serves /metrics when set.
	MetricsAddr string `yaml:"metrics_addr" validate:"omitempty,hostname_port"`

	Memory    MemoryConfig    `yaml:"memory"`
	Remote    RemoteConfig    `yaml:"remote"`
	Sync      SyncConfig      `yaml:"sync"`
	Migration MigrationConfig `yaml:"migration"`
}

// MemoryConfig tunes the local memory engine.
type MemoryConfig struct {
	Enabled         bool   `yaml:"enabled"`
	MaxLocalRecords int    `yaml:"max_local_records" validate:"gt=0"`
	MemoryBudget    int    `yaml:"memory_budget" validate:"gt=0"`
	DocumentBudget  int    `yaml:"document_budget" validate:"gt=0"`
	EmbeddingDims   int    `yaml:"embedding_dims" validate:"gte=16"`
	CacheEntries    int64  `yaml:"cache_entries" validate:"gte=0"`
	Tokenizer       string `yaml:"tokenizer" validate:"oneof=heuristic tiktoken"`

	// LexiconPath overrides the built-in lexicon and is watched for changes.
	LexiconPath string `yaml:"lexicon_path"`
}

// RemoteConfig points at the remote memory service.
type RemoteConfig struct {
	URL          string        `yaml:"url" validate:"omitempty,url"`
	Token        string        `yaml:"token" validate:"required_with=URL"`
	Entitled     bool          `yaml:"entitled"`
	Timeout      time.Duration `yaml:"timeout" validate:"gt=0"`
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0"`
}

// Configured reports whether a remote service is set up.
func (r RemoteConfig) Configured() bool {
	return r.URL != "" && r.Token != ""
}

// RemoteCompatible reports whether the chat model can use remote memory.
// The remote service only serves Claude models.
func (c *Config) RemoteCompatible() bool {
	return strings.HasPrefix(c.Model, "claude")
}

// SyncConfig points at the conversation snapshot feed.
type SyncConfig struct {
	URL   string `yaml:"url" validate:"omitempty,url"`
	Token string `yaml:"token"`
}

// MigrationConfig tunes the local to remote migration.
type MigrationConfig struct {
	BatchSize   int  `yaml:"batch_size" validate:"gt=0"`
	MaxAttempts int  `yaml:"max_attempts" validate:"gt=0"`
	Cleanup     bool `yaml:"cleanup"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Environment: "development",
		LogLevel:    "info",
		Model:       "claude-sonnet-4-20250514",
		MaxTokens:   4096,
		DataPath:    "nim-recall.db",
		Memory: MemoryConfig{
			Enabled:         true,
			MaxLocalRecords: 100,
			MemoryBudget:    750,
			DocumentBudget:  1000,
			EmbeddingDims:   256,
			CacheEntries:    10000,
			Tokenizer:       "tiktoken",
		},
		Remote: RemoteConfig{
			Timeout:      15 * time.Second,
			PollInterval: time.Minute,
		},
		Migration: MigrationConfig{
			BatchSize:   10,
			MaxAttempts: 3,
			Cleanup:     true,
		},
	}
}

// Load reads .env, the YAML file named by NIM_CONFIG_FILE and the
// environment, then validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Environment = envStr("NIM_ENV", c.Environment)
	c.LogLevel = envStr("LOG_LEVEL", c.LogLevel)
	c.AnthropicAPIKey = envStr("ANTHROPIC_API_KEY", c.AnthropicAPIKey)
	c.Model = envStr("NIM_MODEL", c.Model)
	c.ExtractorModel = envStr("NIM_EXTRACTOR_MODEL", c.ExtractorModel)
	c.MaxTokens = int64(envInt("NIM_MAX_TOKENS", int(c.MaxTokens)))
	c.DataPath = envStr("NIM_DATA_PATH", c.DataPath)
	c.MetricsAddr = envStr("NIM_METRICS_ADDR", c.MetricsAddr)

	c.Memory.Enabled = envBool("NIM_MEMORY_ENABLED", c.Memory.Enabled)
	c.Memory.MaxLocalRecords = envInt("NIM_MEMORY_MAX_LOCAL", c.Memory.MaxLocalRecords)
	c.Memory.MemoryBudget = envInt("NIM_MEMORY_BUDGET", c.Memory.MemoryBudget)
	c.Memory.DocumentBudget = envInt("NIM_DOCUMENT_BUDGET", c.Memory.DocumentBudget)
	c.Memory.EmbeddingDims = envInt("NIM_EMBEDDING_DIMS", c.Memory.EmbeddingDims)
	c.Memory.Tokenizer = envStr("NIM_TOKENIZER", c.Memory.Tokenizer)
	c.Memory.LexiconPath = envStr("NIM_LEXICON_PATH", c.Memory.LexiconPath)

	c.Remote.URL = envStr("NIM_REMOTE_URL", c.Remote.URL)
	c.Remote.Token = envStr("NIM_REMOTE_TOKEN", c.Remote.Token)
	c.Remote.Entitled = envBool("NIM_REMOTE_ENTITLED", c.Remote.Entitled)
	c.Remote.Timeout = envDuration("NIM_REMOTE_TIMEOUT", c.Remote.Timeout)
	c.Remote.PollInterval = envDuration("NIM_REMOTE_POLL_INTERVAL", c.Remote.PollInterval)

	c.Sync.URL = envStr("NIM_SYNC_URL", c.Sync.URL)
	c.Sync.Token = envStr("NIM_SYNC_TOKEN", c.Sync.Token)

	c.Migration.BatchSize = envInt("NIM_MIGRATION_BATCH_SIZE", c.Migration.BatchSize)
	c.Migration.MaxAttempts = envInt("NIM_MIGRATION_MAX_ATTEMPTS", c.Migration.MaxAttempts)
	c.Migration.Cleanup = envBool("NIM_MIGRATION_CLEANUP", c.Migration.Cleanup)
}

var validate = validator.New()

// Validate checks the struct tags and returns one readable error.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, formatFieldError(e))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func formatFieldError(e validator.FieldError) string {
	field := strings.TrimPrefix(e.Namespace(), "Config.")
	switch e.Tag() {
	case "required", "required_with":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "gt", "gte":
		return fmt.Sprintf("%s must be %s %s", field, map[string]string{"gt": ">", "gte": ">="}[e.Tag()], e.Param())
	case "url", "hostname_port":
		return fmt.Sprintf("%s must be a valid %s", field, e.Tag())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
