// Package config loads tool settings: defaults first, then an optional
// YAML file, then environment variables (optionally from a .env file).
//
// Server credentials are not settings; they live in the credentials file.
package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "SMTP_SEND"

// DefaultEnvFile is loaded when present.
const DefaultEnvFile = ".env"

// Config holds the complete tool configuration.
type Config struct {
	// CredentialsFile overrides ~/.smtp-send.
	CredentialsFile string        `yaml:"credentials_file" envconfig:"CREDENTIALS_FILE"`
	SMTP            SMTPConfig    `yaml:"smtp" envconfig:"SMTP"`
	TLS             TLSConfig     `yaml:"tls" envconfig:"TLS"`
	Logging         LoggingConfig `yaml:"logging" envconfig:"LOG"`
}

// SMTPConfig holds client-side protocol settings.
type SMTPConfig struct {
	LocalName string `yaml:"local_name" envconfig:"LOCAL_NAME"`
}

// TLSConfig controls verification of the server certificate after STARTTLS.
type TLSConfig struct {
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" envconfig:"INSECURE_SKIP_VERIFY"`
	CAFile             string `yaml:"ca_file" envconfig:"CA_FILE"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL"`
	Provider string `yaml:"provider" envconfig:"PROVIDER"`
}

// Load loads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. The file must exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read settings file")
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse settings file")
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadPath is LoadFromFile when path is set and Load otherwise.
func LoadPath(path string) (*Config, error) {
	if path != "" {
		return LoadFromFile(path)
	}
	return Load()
}

func (c *Config) applyDefaults() {
	c.SMTP.LocalName = "localhost"
	c.Logging.Level = "warn"
	c.Logging.Provider = "std_json"
}

// applyEnv overrides fields whose environment variable is set. A variable
// set to the empty string counts as unset.
func (c *Config) applyEnv() error {
	unsetEmptyEnv(EnvPrefix)
	// nolint:errcheck // .env is optional
	_ = godotenv.Load(DefaultEnvFile)
	unsetEmptyEnv(EnvPrefix)

	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return errors.Wrap(err, "failed to read settings from environment")
	}
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	return nil
}

func unsetEmptyEnv(prefix string) {
	for _, kv := range os.Environ() {
		name, value, _ := strings.Cut(kv, "=")
		if value == "" && strings.HasPrefix(name, prefix+"_") {
			os.Unsetenv(name)
		}
	}
}
