// Package config loads capabot settings. Values come from Default, then an
// optional YAML file, then CAPABOT_* environment variables, and are validated
// last.
//
//	log:
//	  level: debug
//	completion:
//	  provider: anthropic
//	  model: claude-sonnet-4-5
//	limits:
//	  max_capability_calls: 6
//	capabilities:
//	  redis_url: redis://localhost:6379/0
//
// The environment equivalent of completion.model is CAPABOT_COMPLETION_MODEL.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/martinemde/capabot/capabilities/web"
	"github.com/martinemde/capabot/completion"
	"github.com/martinemde/capabot/logging"
	"github.com/martinemde/capabot/orchestrator"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CAPABOT_"

// fallbackContextWindow is used for models missing from the catalog.
const fallbackContextWindow = 16000

// Config is the full application configuration.
type Config struct {
	Log          logging.Options `yaml:"log" envPrefix:"LOG_"`
	Completion   Completion      `yaml:"completion" envPrefix:"COMPLETION_"`
	Limits       Limits          `yaml:"limits" envPrefix:"LIMITS_"`
	Capabilities Capabilities    `yaml:"capabilities" envPrefix:"CAPABILITIES_"`
	Persona      string          `yaml:"persona" env:"PERSONA"`
	Server       Server          `yaml:"server" envPrefix:"SERVER_"`
	Discord      Discord         `yaml:"discord" envPrefix:"DISCORD_"`
	Transcript   Transcript      `yaml:"transcript" envPrefix:"TRANSCRIPT_"`
}

// Completion selects the model service.
type Completion struct {
	Provider    string        `yaml:"provider" env:"PROVIDER" validate:"required"`
	Model       string        `yaml:"model" env:"MODEL" validate:"required"`
	APIKey      string        `yaml:"api_key" env:"API_KEY"`
	Temperature float64       `yaml:"temperature" env:"TEMPERATURE" validate:"gte=0,lte=2"`
	MaxTokens   int           `yaml:"max_tokens" env:"MAX_TOKENS" validate:"gt=0"`
	Timeout     time.Duration `yaml:"timeout" env:"TIMEOUT" validate:"gte=0"`
	MaxRetries  int           `yaml:"max_retries" env:"MAX_RETRIES" validate:"gte=0"`
}

// Limits bound each run. A zero TokenLimit is derived from the model's
// context window minus MaxTokens.
type Limits struct {
	MaxRetryCount       int           `yaml:"max_retry_count" env:"MAX_RETRY_COUNT" validate:"gte=0"`
	MaxCapabilityCalls  int           `yaml:"max_capability_calls" env:"MAX_CAPABILITY_CALLS" validate:"gte=0"`
	TokenLimit          int           `yaml:"token_limit" env:"TOKEN_LIMIT" validate:"gte=0"`
	WarningBuffer       int           `yaml:"warning_buffer" env:"WARNING_BUFFER" validate:"gte=0"`
	DispatchTimeout     time.Duration `yaml:"dispatch_timeout" env:"DISPATCH_TIMEOUT" validate:"gte=0"`
	CompletionTimeout   time.Duration `yaml:"completion_timeout" env:"COMPLETION_TIMEOUT" validate:"gte=0"`
	ResultCharLimit     int           `yaml:"result_char_limit" env:"RESULT_CHAR_LIMIT" validate:"gte=0"`
	LoopDetectionWindow int           `yaml:"loop_detection_window" env:"LOOP_DETECTION_WINDOW" validate:"gte=0"`
}

// Capabilities configures the capability registry and its backing services.
type Capabilities struct {
	Manifest    string        `yaml:"manifest" env:"MANIFEST"`
	Disabled    []string      `yaml:"disabled" env:"DISABLED" envSeparator:","`
	RedisURL    string        `yaml:"redis_url" env:"REDIS_URL" validate:"omitempty,url"`
	MemoryTTL   time.Duration `yaml:"memory_ttl" env:"MEMORY_TTL" validate:"gte=0"`
	MemoryLimit int           `yaml:"memory_limit" env:"MEMORY_LIMIT" validate:"gte=0"`
	Web         web.Options   `yaml:"web" envPrefix:"WEB_"`
}

// Server configures the HTTP front-end.
type Server struct {
	Addr        string        `yaml:"addr" env:"ADDR" validate:"required"`
	CORSOrigins []string      `yaml:"cors_origins" env:"CORS_ORIGINS" envSeparator:","`
	RunTimeout  time.Duration `yaml:"run_timeout" env:"RUN_TIMEOUT" validate:"gte=0"`
}

// Discord configures the chat bot.
type Discord struct {
	Token        string   `yaml:"token" env:"TOKEN"`
	ChannelIDs   []string `yaml:"channel_ids" env:"CHANNEL_IDS" envSeparator:","`
	RespondToDMs bool     `yaml:"respond_to_dms" env:"RESPOND_TO_DMS"`
	HistorySize  int      `yaml:"history_size" env:"HISTORY_SIZE" validate:"gte=0,lte=100"`
}

// Transcript configures the optional audit log.
type Transcript struct {
	DSN string `yaml:"dsn" env:"DSN"`
}

// Enabled reports whether transcripts should be written.
func (t Transcript) Enabled() bool {
	return t.DSN != ""
}

// Default returns the built-in configuration.
func Default() *Config {
	defaults := orchestrator.DefaultLimits()
	model := "claude-sonnet-4-5"
	if info := completion.DefaultModel("anthropic"); info != nil {
		model = info.ID
	}
	return &Config{
		Log: logging.Options{Level: "info", Format: "text"},
		Completion: Completion{
			Provider:    "anthropic",
			Model:       model,
			Temperature: 0.7,
			MaxTokens:   1024,
			Timeout:     90 * time.Second,
			MaxRetries:  2,
		},
		Limits: Limits{
			MaxRetryCount:       defaults.MaxRetryCount,
			MaxCapabilityCalls:  defaults.MaxCapabilityCalls,
			WarningBuffer:       defaults.WarningBuffer,
			DispatchTimeout:     30 * time.Second,
			CompletionTimeout:   defaults.CompletionTimeout,
			ResultCharLimit:     defaults.ResultCharLimit,
			LoopDetectionWindow: defaults.LoopDetectionWindow,
		},
		Capabilities: Capabilities{
			MemoryLimit: 10,
			Web: web.Options{
				MaxBytes: web.DefaultMaxBytes,
				Timeout:  web.DefaultTimeout,
			},
		},
		Server: Server{
			Addr:       ":8080",
			RunTimeout: 5 * time.Minute,
		},
		Discord: Discord{
			RespondToDMs: true,
			HistorySize:  20,
		},
	}
}

// Load reads path (if not empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := decodeYAML(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	return finish(cfg, os.Environ())
}

// Parse is Load for an in-memory document and explicit environment
// ("KEY=value" pairs).
func Parse(data []byte, environ []string) (*Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		if err := decodeYAML(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}
	return finish(cfg, environ)
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

func finish(cfg *Config, environ []string) (*Config, error) {
	if err := env.ParseWithOptions(cfg, env.Options{
		Prefix:      EnvPrefix,
		Environment: env.ToMap(environ),
	}); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	if cfg.Limits.TokenLimit == 0 {
		cfg.Limits.TokenLimit = cfg.DerivedTokenLimit()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DerivedTokenLimit is the model's context window less the reply budget.
func (c *Config) DerivedTokenLimit() int {
	window := completion.ContextWindow(c.Completion.Model, fallbackContextWindow)
	limit := window - c.Completion.MaxTokens
	if limit <= c.Limits.WarningBuffer {
		limit = window
	}
	return limit
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field rules and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if err := structValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%s: failed %q rule", fe.Namespace(), fe.Tag()))
			}
		} else {
			errs = append(errs, err)
		}
	}
	if err := c.Limits.ToOrchestrator().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("limits: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ToOrchestrator converts to the loop's limits. DispatchTimeout belongs to
// the capability dispatcher and is not included.
func (l Limits) ToOrchestrator() orchestrator.Limits {
	return orchestrator.Limits{
		MaxRetryCount:       l.MaxRetryCount,
		MaxCapabilityCalls:  l.MaxCapabilityCalls,
		TokenLimit:          l.TokenLimit,
		WarningBuffer:       l.WarningBuffer,
		CompletionTimeout:   l.CompletionTimeout,
		ResultCharLimit:     l.ResultCharLimit,
		LoopDetectionWindow: l.LoopDetectionWindow,
	}
}

// RetryPolicy returns the completion client's retry policy.
func (c Completion) RetryPolicy() completion.RetryPolicy {
	p := completion.DefaultRetryPolicy()
	p.MaxRetries = c.MaxRetries
	return p
}
