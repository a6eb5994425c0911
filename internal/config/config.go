package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port           string   `yaml:"port"`
		AllowedOrigins []string `yaml:"allowed_origins"`
		ReadTimeout    string   `yaml:"read_timeout"`
		WriteTimeout   string   `yaml:"write_timeout"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		TTL      string `yaml:"ttl"`
		LockTTL  string `yaml:"lock_ttl"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	NATS struct {
		URL           string `yaml:"url"`
		Stream        string `yaml:"stream"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"nats"`
	Auth struct {
		PublicKey string `yaml:"public_key"`
		Audience  string `yaml:"audience"`
	} `yaml:"auth"`
	Quiz struct {
		TTL              string `yaml:"ttl"`
		Catalog          string `yaml:"catalog"`
		QuestionDuration string `yaml:"question_duration"`
		SpeedBonus       int    `yaml:"speed_bonus"`
		GracePeriod      string `yaml:"grace_period"`
		Retention        string `yaml:"retention"`
		StoreRetries     *int   `yaml:"store_retries"`
	} `yaml:"quiz"`
}

// Load reads YAML config from path.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Log.Level != "" {
		if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
			return fmt.Errorf("log.level: %w", err)
		}
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}
	if c.Quiz.SpeedBonus < 0 {
		return fmt.Errorf("quiz.speed_bonus must not be negative")
	}
	if c.Quiz.StoreRetries != nil && *c.Quiz.StoreRetries < 0 {
		return fmt.Errorf("quiz.store_retries must not be negative")
	}
	return nil
}

// LogLevel returns the configured level, info when unset.
func (c Config) LogLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil || c.Log.Level == "" {
		return zerolog.InfoLevel
	}
	return level
}

// StoreRetries returns the configured retry count or the fallback when unset.
func (c Config) StoreRetries(fallback int) int {
	if c.Quiz.StoreRetries == nil {
		return fallback
	}
	return *c.Quiz.StoreRetries
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
