package mysql

import (
	"errors"
	"net"
	"strconv"

	"cdcflow/internal/config"
)

type Config struct {
	Host     string `koanf:"host"`
	Port     uint16 `koanf:"port"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	ServerID uint32 `koanf:"server_id"`
	Flavor   string `koanf:"flavor"` // mysql|mariadb

	// ServerName is the logical name of the source and its checkpoint
	// partition. Defaults to host:port.
	ServerName string `koanf:"server_name"`

	// Start position used when nothing was committed yet. Empty File means
	// the current master position.
	File string `koanf:"file"`
	Pos  uint32 `koanf:"pos"`

	// Tables restricts capture to "db.table" entries; empty captures all.
	Tables []string `koanf:"tables"`

	TombstonesOnDelete bool `koanf:"tombstones_on_delete"`
}

// LoadConfig merges YAML (if present) with env-vars
// (prefix `CDCFLOW_MYSQL__`, delimiter `__`).
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if err := config.LoadDriver(path, "CDCFLOW_MYSQL__", &cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(c *Config) {
	if c.Port == 0 {
		c.Port = 3306
	}
	if c.Flavor == "" {
		c.Flavor = "mysql"
	}
	if c.ServerID == 0 {
		c.ServerID = 1001
	}
	if c.ServerName == "" {
		c.ServerName = net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port)))
	}
	if c.File != "" && c.Pos == 0 {
		c.Pos = 4
	}
}

func (c *Config) validate() error {
	var errs []error
	if c.Host == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if c.User == "" {
		errs = append(errs, errors.New("user is required"))
	}
	if c.Flavor != "mysql" && c.Flavor != "mariadb" {
		errs = append(errs, errors.New("flavor must be mysql or mariadb"))
	}
	return errors.Join(errs...)
}
