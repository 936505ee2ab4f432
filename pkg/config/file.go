package config

import (
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// SupportedSchema is the range of config file versions this build reads.
const SupportedSchema = "^1"

type fileConfig struct {
	SchemaVersion string `yaml:"schema_version"`
	Config        `yaml:",inline"`
}

// LoadFile reads a YAML config file over the defaults, then applies
// environment variables on top, so the environment always wins.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", path, err)
	}

	file := fileConfig{Config: *Default()}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	if err := CheckSchemaVersion(file.SchemaVersion); err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}

	cfg := file.Config
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return &cfg, cfg.Validate()
}

// CheckSchemaVersion accepts versions matching SupportedSchema.
func CheckSchemaVersion(v string) error {
	if v == "" {
		return fmt.Errorf("schema_version is required")
	}
	version, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("invalid schema_version %q: %w", v, err)
	}
	constraint, err := semver.NewConstraint(SupportedSchema)
	if err != nil {
		return err
	}
	if !constraint.Check(version) {
		return fmt.Errorf("schema_version %s is not supported (want %s)", v, SupportedSchema)
	}
	return nil
}
