package kafka

import (
	"errors"

	"cdcflow/internal/config"
)

type Config struct {
	Brokers   []string `koanf:"brokers"`
	Topics    []string `koanf:"topics"`
	StartFrom string   `koanf:"start_from"` // oldest|newest (default oldest)
	Version   string   `koanf:"version"`
	ClientID  string   `koanf:"client_id"`
	TLSEn     bool     `koanf:"tls_enabled"`
	SASLUser  string   `koanf:"sasl_user"`
	SASLPass  string   `koanf:"sasl_pass"`

	// Buffer is the capacity of the channel merging partition consumers.
	Buffer int `koanf:"buffer"`
}

// LoadConfig merges YAML (if present) with env-vars
// (prefix `CDCFLOW_KAFKA__`, delimiter `__`).
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if err := config.LoadDriver(path, "CDCFLOW_KAFKA__", &cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(c *Config) {
	if c.StartFrom != "newest" {
		c.StartFrom = "oldest"
	}
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
}

func (c *Config) validate() error {
	var errs []error
	if len(c.Brokers) == 0 {
		errs = append(errs, errors.New("brokers are required"))
	}
	if len(c.Topics) == 0 {
		errs = append(errs, errors.New("topics are required"))
	}
	return errors.Join(errs...)
}
