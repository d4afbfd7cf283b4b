package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for the custody service.
type Config struct {
	ListenAddress  string          `yaml:"listen"`
	MetricsAddress string          `yaml:"metrics_listen"`
	DatabaseURL    string          `yaml:"database_url"`
	JWTSecret      string          `yaml:"jwt_secret"`
	JWTIssuer      string          `yaml:"jwt_issuer"`
	ProofKey       string          `yaml:"proof_signing_key"`
	Processor      ProcessorConfig `yaml:"processor"`
	Refunds        RefundConfig    `yaml:"refunds"`
	Proofs         ProofConfig     `yaml:"proofs"`
}

// ProcessorConfig points at the external payment processor.
type ProcessorConfig struct {
	BaseURL       string   `yaml:"base_url"`
	APIKey        string   `yaml:"api_key"`
	WebhookSecret string   `yaml:"webhook_secret"`
	Timeout       Duration `yaml:"timeout"`
	MaxRetries    uint64   `yaml:"max_retries"`
	RetryBackoff  Duration `yaml:"retry_backoff"`
}

// RefundConfig tunes the refund reconciliation loop.
type RefundConfig struct {
	Interval Duration `yaml:"interval"`
	Grace    Duration `yaml:"grace"`
}

// ProofConfig tunes proof verification.
type ProofConfig struct {
	TTL Duration `yaml:"ttl"`
}

// Load reads configuration from the supplied path and applies environment
// overrides for secrets.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("database_url is required (or set PAYLOCK_DATABASE_URL)")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt_secret is required (or set PAYLOCK_JWT_SECRET)")
	}
	if cfg.ProofKey == "" {
		return Config{}, fmt.Errorf("proof_signing_key is required (or set PAYLOCK_PROOF_KEY)")
	}
	if cfg.Processor.BaseURL == "" {
		return Config{}, fmt.Errorf("processor.base_url is required (or set PAYLOCK_PROCESSOR_URL)")
	}
	if cfg.Processor.WebhookSecret == "" {
		return Config{}, fmt.Errorf("processor.webhook_secret is required (or set PAYLOCK_PROCESSOR_WEBHOOK_SECRET)")
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]*string{
		"PAYLOCK_LISTEN":                   &cfg.ListenAddress,
		"PAYLOCK_METRICS_LISTEN":           &cfg.MetricsAddress,
		"PAYLOCK_DATABASE_URL":             &cfg.DatabaseURL,
		"PAYLOCK_JWT_SECRET":               &cfg.JWTSecret,
		"PAYLOCK_JWT_ISSUER":               &cfg.JWTIssuer,
		"PAYLOCK_PROOF_KEY":                &cfg.ProofKey,
		"PAYLOCK_PROCESSOR_URL":            &cfg.Processor.BaseURL,
		"PAYLOCK_PROCESSOR_API_KEY":        &cfg.Processor.APIKey,
		"PAYLOCK_PROCESSOR_WEBHOOK_SECRET": &cfg.Processor.WebhookSecret,
	}
	for name, target := range overrides {
		if value := os.Getenv(name); value != "" {
			*target = value
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	if cfg.MetricsAddress == "" {
		cfg.MetricsAddress = ":9090"
	}
	if cfg.JWTIssuer == "" {
		cfg.JWTIssuer = "paylock"
	}
	if cfg.Processor.Timeout.Duration == 0 {
		cfg.Processor.Timeout.Duration = 10 * time.Second
	}
	if cfg.Processor.MaxRetries == 0 {
		cfg.Processor.MaxRetries = 3
	}
	if cfg.Processor.RetryBackoff.Duration == 0 {
		cfg.Processor.RetryBackoff.Duration = 500 * time.Millisecond
	}
	if cfg.Refunds.Interval.Duration == 0 {
		cfg.Refunds.Interval.Duration = 5 * time.Minute
	}
	if cfg.Refunds.Grace.Duration == 0 {
		cfg.Refunds.Grace.Duration = time.Minute
	}
	if cfg.Proofs.TTL.Duration == 0 {
		cfg.Proofs.TTL.Duration = 30 * 24 * time.Hour
	}
}
