// Package config loads pagedb-cli's YAML configuration file: a small,
// nested struct per concern, unmarshaled with gopkg.in/yaml.v3.
package config

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pagedb/pagedb/internal/telemetry"
	"github.com/pagedb/pagedb/pkg/logger"
)

// Config is pagedb-cli's top-level configuration.
type Config struct {
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	NumFrames int              `yaml:"num_frames"`
}

// Default returns the configuration pagedb-cli runs with when no
// config file is given.
func Default() Config {
	return Config{
		Logger:    logger.Config{Level: "info", Format: "console", OutputFile: "stdout"},
		Telemetry: telemetry.Config{Enabled: false},
		NumFrames: 64,
	}
}

// Load reads and parses a YAML config file at path, filling in
// defaults for anything it leaves unset.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// NewLogger builds the logger described by cfg.Logger.
func NewLogger(cfg Config) (*zap.Logger, error) {
	return logger.New(cfg.Logger)
}
