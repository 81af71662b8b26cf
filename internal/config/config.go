// Package config loads and validates the bandaid configuration file.
//
// Configuration is a YAML document with ${ENV_VAR} interpolation so
// secrets (database URL, inference API keys) stay out of the file.
// Validation is fatal: the core refuses to initialize on an invalid
// config rather than guessing.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/rawblock/bandaid/pkg/models"
)

type ProxyConfig struct {
	Host string `yaml:"host" validate:"required"`
	Port int    `yaml:"port" validate:"gte=1024,lte=65535"`
}

type DashboardConfig struct {
	Host    string `yaml:"host" validate:"required"`
	Port    int    `yaml:"port" validate:"gte=1024,lte=65535"`
	Enabled bool   `yaml:"enabled"`
}

// ModelEndpoint points at one model served by the local inference
// sidecar. An empty URL means the detector runs in its built-in
// fallback mode (or stays disabled if it has none).
type ModelEndpoint struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url" validate:"omitempty,url"`
}

type ModelsConfig struct {
	Device     string        `yaml:"device" validate:"oneof=cpu cuda mps auto"`
	LazyLoad   bool          `yaml:"lazy_load"`
	NER        ModelEndpoint `yaml:"ner"`
	Guard      ModelEndpoint `yaml:"guard"`
	Embeddings ModelEndpoint `yaml:"embeddings"`
}

type ConfidenceConfig struct {
	High      float64 `yaml:"high" validate:"gte=0,lte=1"`
	MediumMin float64 `yaml:"medium_min" validate:"gte=0,lte=1"`
	Low       float64 `yaml:"low" validate:"gte=0,lte=1"`
}

type ChecksConfig struct {
	NER        bool `yaml:"ner"`
	Guard      bool `yaml:"guard"`
	Regex      bool `yaml:"regex"`
	SeedPhrase bool `yaml:"seed_phrase"`
	Embeddings bool `yaml:"embeddings"`
}

type GuardConfig struct {
	TimeoutSeconds float64 `yaml:"timeout_seconds" validate:"gt=0"`
	PolicyPath     string  `yaml:"policy_path"`
}

type RedactionConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Placeholder string `yaml:"placeholder"`
}

type SecurityConfig struct {
	Confidence     ConfidenceConfig `yaml:"confidence"`
	Checks         ChecksConfig     `yaml:"checks"`
	Guard          GuardConfig      `yaml:"guard"`
	Redaction      RedactionConfig  `yaml:"redaction"`
	BIP39Wordlist  string           `yaml:"bip39_wordlist"`
	DisabledChecks []string         `yaml:"disabled_checks" validate:"dive,threatkind"`
}

type StorageConfig struct {
	DatabaseURL   string `yaml:"database_url" validate:"required"`
	DataDir       string `yaml:"data_dir" validate:"required"`
	RetentionDays int    `yaml:"retention_days" validate:"gte=1,lte=365"`
}

type Config struct {
	Proxy     ProxyConfig     `yaml:"proxy"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Models    ModelsConfig    `yaml:"models"`
	Security  SecurityConfig  `yaml:"security"`
	Storage   StorageConfig   `yaml:"storage"`
	LogLevel  string          `yaml:"log_level" validate:"oneof=debug info warn error"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Proxy:     ProxyConfig{Host: "0.0.0.0", Port: 8000},
		Dashboard: DashboardConfig{Host: "127.0.0.1", Port: 8001, Enabled: true},
		Models: ModelsConfig{
			Device:   "auto",
			LazyLoad: true,
			NER:      ModelEndpoint{Name: "dslim/bert-base-NER"},
			Guard:    ModelEndpoint{Name: "meta-llama/Llama-Guard-3-8B-INT8"},
			Embeddings: ModelEndpoint{
				Name: "sentence-transformers/all-MiniLM-L6-v2",
			},
		},
		Security: SecurityConfig{
			Confidence: ConfidenceConfig{High: 0.9, MediumMin: 0.5, Low: 0.3},
			Checks: ChecksConfig{
				NER: true, Guard: true, Regex: true, SeedPhrase: true, Embeddings: true,
			},
			Guard:         GuardConfig{TimeoutSeconds: 2.0},
			Redaction:     RedactionConfig{Enabled: true, Placeholder: "[REDACTED]"},
			BIP39Wordlist: "./data/bip39-english.txt",
		},
		Storage: StorageConfig{
			DatabaseURL:   "${DATABASE_URL}",
			DataDir:       "./data",
			RetentionDays: 30,
		},
		LogLevel: "info",
	}
}

// Load reads, interpolates, parses and validates the config at path.
// A missing file yields the defaults (still validated, so a broken
// environment surfaces immediately).
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		} else {
			expanded := os.Expand(string(raw), func(key string) string {
				return os.Getenv(key)
			})
			if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	// database_url may itself be an env reference when defaults are used
	cfg.Storage.DatabaseURL = os.Expand(cfg.Storage.DatabaseURL, func(key string) string {
		return os.Getenv(key)
	})

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate applies struct-tag rules plus the cross-field invariants the
// tags cannot express.
func (c Config) Validate() error {
	v := validator.New()
	if err := v.RegisterValidation("threatkind", validThreatKind); err != nil {
		return err
	}
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	conf := c.Security.Confidence
	if !(conf.High > conf.MediumMin && conf.MediumMin > conf.Low && conf.Low > 0) {
		return fmt.Errorf("invalid config: confidence thresholds must satisfy high > medium_min > low > 0, got %.2f/%.2f/%.2f",
			conf.High, conf.MediumMin, conf.Low)
	}
	if c.Proxy.Port == c.Dashboard.Port {
		return fmt.Errorf("invalid config: proxy and dashboard ports must differ (both %d)", c.Proxy.Port)
	}
	return nil
}

// DisabledKinds converts the configured strings to the typed set used
// by the orchestrator.
func (c Config) DisabledKinds() map[models.ThreatKind]bool {
	set := make(map[models.ThreatKind]bool, len(c.Security.DisabledChecks))
	for _, s := range c.Security.DisabledChecks {
		set[models.ThreatKind(s)] = true
	}
	return set
}

func validThreatKind(fl validator.FieldLevel) bool {
	s := models.ThreatKind(fl.Field().String())
	for _, k := range models.ThreatKinds {
		if s == k {
			return true
		}
	}
	return false
}
