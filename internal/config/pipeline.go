package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"cdcflow/internal/spec"
)

const SupportedSchema = "v1"

// LoadPipelineSpec parses a pipeline YAML, validates schema_version, and
// returns the parsed spec and an absolute path to the source config (if set).
func LoadPipelineSpec(path string) (spec.File, string, error) {
	var cfg spec.File
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, "", err
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, "", fmt.Errorf("pipeline %s: %w", path, err)
	}
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = SupportedSchema
	}
	if cfg.SchemaVersion != SupportedSchema {
		return cfg, "", fmt.Errorf("pipeline schema_version %q not supported (want %q)", cfg.SchemaVersion, SupportedSchema)
	}
	if err := validate(&cfg); err != nil {
		return cfg, "", fmt.Errorf("pipeline %s: %w", path, err)
	}
	confPath := cfg.Source.Config
	if confPath != "" && !filepath.IsAbs(confPath) {
		confPath = filepath.Join(filepath.Dir(path), confPath)
	}
	if cfg.Offsets.File.Path != "" && !filepath.IsAbs(cfg.Offsets.File.Path) {
		cfg.Offsets.File.Path = filepath.Join(filepath.Dir(path), cfg.Offsets.File.Path)
	}
	return cfg, confPath, nil
}

func validate(f *spec.File) error {
	var errs []error
	if f.Source.Kind == "" {
		errs = append(errs, errors.New("source.kind is required"))
	}
	if f.Sink == "" {
		errs = append(errs, errors.New("sink is required"))
	}
	if f.Offsets.Commit.IntervalMS < 0 {
		errs = append(errs, errors.New("offsets.commit.interval_ms must not be negative"))
	}
	if f.Engine.Retry.Attempts < 0 {
		errs = append(errs, errors.New("engine.retry.attempts must not be negative"))
	}
	return errors.Join(errs...)
}
