package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// New loads configuration from environment variables into any given struct type.
// It uses generics to work with different config structs.
func New[T any]() (*T, error) {
	cfg := new(T)
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv loads content of ENV_FILE (e.g .env.{server}) into environment variables
func LoadEnv() error {
	envfile := os.Getenv("ENV_FILE")

	if envfile == "" {
		return godotenv.Load()
	}

	return godotenv.Load(envfile)
}

// Config holds all settings for the callgate service.
type Config struct {
	ListenAddr   string `env:"LISTEN_ADDR" envDefault:":8080"`
	IsProduction bool   `env:"IS_PRODUCTION" envDefault:"false"`

	// Redis configuration (session key store + correlation map)
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"redis:6379" validate:"required"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Session key TTL in seconds (default: 1 hour). Producers own key
	// creation; this TTL is only applied when Put is invoked locally.
	SessionKeyTTLSec int `env:"SESSION_KEY_TTL_SEC" envDefault:"3600" validate:"gt=0"`

	CorrelationPrefix string `env:"CORRELATION_PREFIX" envDefault:"callgate:corr:v1"`

	// DTMF extraction bounds
	ExtractionWindowSec   int `env:"EXTRACTION_WINDOW_SEC" envDefault:"5" validate:"gt=0"`
	ExtractionMaxAttempts int `env:"EXTRACTION_MAX_ATTEMPTS" envDefault:"3" validate:"gt=0"`
	ToneDebounceMs        int `env:"TONE_DEBOUNCE_MS" envDefault:"250" validate:"gte=0"`

	// Key lookup bounds
	LookupMaxAttempts int `env:"LOOKUP_MAX_ATTEMPTS" envDefault:"3" validate:"gt=0"`
	LookupBackoffMs   int `env:"LOOKUP_BACKOFF_MS" envDefault:"200" validate:"gt=0"`

	// Overall authentication deadline; a caller is on the line, so every
	// wait in the flow must be finite.
	AuthDeadlineSec int `env:"AUTH_DEADLINE_SEC" envDefault:"30" validate:"gt=0"`

	// How long terminal decisions are kept for late attach attempts.
	DecisionRetentionSec int `env:"DECISION_RETENTION_SEC" envDefault:"300" validate:"gt=0"`
}

// Validate checks the loaded configuration against its struct tags and
// returns an actionable message for the first violation.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config field %s failed %q validation (value: %v)", fe.StructField(), fe.Tag(), fe.Value())
		}
		return err
	}
	return nil
}

func (c *Config) SessionKeyTTL() time.Duration {
	return time.Duration(c.SessionKeyTTLSec) * time.Second
}

func (c *Config) ExtractionWindow() time.Duration {
	return time.Duration(c.ExtractionWindowSec) * time.Second
}

func (c *Config) ToneDebounce() time.Duration {
	return time.Duration(c.ToneDebounceMs) * time.Millisecond
}

func (c *Config) LookupBackoff() time.Duration {
	return time.Duration(c.LookupBackoffMs) * time.Millisecond
}

func (c *Config) AuthDeadline() time.Duration {
	return time.Duration(c.AuthDeadlineSec) * time.Second
}

func (c *Config) DecisionRetention() time.Duration {
	return time.Duration(c.DecisionRetentionSec) * time.Second
}
