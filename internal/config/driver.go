package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvDelim separates nesting levels in env overrides, e.g.
// CDCFLOW_MYSQL__TABLES__0.
const EnvDelim = "__"

// LoadDriver merges a driver YAML file (optional, may be missing) with env
// vars carrying envPrefix and unmarshals the result into out using koanf
// tags. Env keys are lowercased after the prefix is stripped.
func LoadDriver(path, envPrefix string, out any) error {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	// schema version check (only when YAML is present)
	sv := k.String("schema_version")
	if sv != "" && sv != SupportedSchema {
		return fmt.Errorf("driver schema_version %q not supported (want %s)", sv, SupportedSchema)
	}

	if envPrefix != "" {
		cb := func(s string) string {
			return strings.ToLower(strings.TrimPrefix(s, envPrefix))
		}
		if err := k.Load(env.Provider(envPrefix, EnvDelim, cb), nil); err != nil {
			return err
		}
	}
	return k.Unmarshal("", out)
}
