// Package config loads process configuration from the environment and an optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`

	KafkaBrokers []string `mapstructure:"KAFKA_BROKERS"`

	ReferenceTimezone string        `mapstructure:"REFERENCE_TIMEZONE"`
	SweepCron         string        `mapstructure:"SWEEP_CRON"`
	SweepWorkers      int           `mapstructure:"SWEEP_WORKERS"`
	SweepTimeout      time.Duration `mapstructure:"SWEEP_TIMEOUT"`

	OTLPEndpoint    string  `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate float64 `mapstructure:"TRACE_SAMPLE_RATE"`

	// APIKeys maps an API key to the client it identifies, from "key:client,..."
	APIKeys map[string]string `mapstructure:"-"`

	OutboxPollInterval time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "KAFKA_BROKERS",
	"REFERENCE_TIMEZONE", "SWEEP_CRON", "SWEEP_WORKERS", "SWEEP_TIMEOUT",
	"OTLP_ENDPOINT", "TRACE_SAMPLE_RATE", "API_KEYS", "OUTBOX_POLL_INTERVAL",
}

// Load reads the configuration. It does not validate; call Validate.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("REFERENCE_TIMEZONE", "UTC")
	v.SetDefault("SWEEP_CRON", "1 0 * * *")
	v.SetDefault("SWEEP_WORKERS", 8)
	v.SetDefault("SWEEP_TIMEOUT", "30m")
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)
	v.SetDefault("OUTBOX_POLL_INTERVAL", "500ms")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))
	apiKeys, err := parseAPIKeys(v.GetString("API_KEYS"))
	if err != nil {
		return nil, err
	}
	cfg.APIKeys = apiKeys
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// UsesMemoryStore reports whether no database is configured
func (c *Config) UsesMemoryStore() bool {
	return c.DatabaseURL == ""
}

// Location resolves REFERENCE_TIMEZONE
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.ReferenceTimezone)
	if err != nil {
		return nil, fmt.Errorf("REFERENCE_TIMEZONE %q: %w", c.ReferenceTimezone, err)
	}
	return loc, nil
}

// Validate checks that the configuration is safe to run
func (c *Config) Validate() error {
	if c.UsesMemoryStore() && !c.IsDev() {
		return fmt.Errorf("DATABASE_URL is required outside development (ENV=%q)", c.Env)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := cron.ParseStandard(c.SweepCron); err != nil {
		return fmt.Errorf("SWEEP_CRON %q: %w", c.SweepCron, err)
	}
	if c.SweepWorkers < 1 {
		return fmt.Errorf("SWEEP_WORKERS must be at least 1, got %d", c.SweepWorkers)
	}
	if c.SweepTimeout <= 0 {
		return fmt.Errorf("SWEEP_TIMEOUT must be positive, got %s", c.SweepTimeout)
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATE must be between 0 and 1, got %v", c.TraceSampleRate)
	}
	if !c.IsDev() && len(c.APIKeys) == 0 {
		return fmt.Errorf("API_KEYS is required outside development")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseAPIKeys(s string) (map[string]string, error) {
	keys := make(map[string]string)
	for _, pair := range splitList(s) {
		key, client, ok := strings.Cut(pair, ":")
		key, client = strings.TrimSpace(key), strings.TrimSpace(client)
		if !ok || key == "" || client == "" {
			return nil, fmt.Errorf("API_KEYS entry %q must be key:client", pair)
		}
		keys[key] = client
	}
	return keys, nil
}
