package engine

import "cdcflow/internal/config"

const (
	DefaultGRPCPort    = 7070
	DefaultMetricsPort = 9100
)

// Config is the host process configuration. A zero port binds an
// ephemeral one.
type Config struct {
	GRPCPort    int    `koanf:"grpc_port"`
	MetricsPort int    `koanf:"metrics_port"`
	PipelineYml string `koanf:"pipeline"` // empty = health endpoint only
}

// LoadConfig reads an optional YAML file overlaid with `CDCFLOW_ENGINE__*`
// env vars. Ports default to 7070 and 9100 only when the file and env leave
// them unset.
func LoadConfig(path string) (Config, error) {
	cfg := Config{GRPCPort: -1, MetricsPort: -1}
	if err := config.LoadDriver(path, "CDCFLOW_ENGINE__", &cfg); err != nil {
		return cfg, err
	}
	if cfg.GRPCPort < 0 {
		cfg.GRPCPort = DefaultGRPCPort
	}
	if cfg.MetricsPort < 0 {
		cfg.MetricsPort = DefaultMetricsPort
	}
	return cfg, nil
}
