// Copyright 2024-2026 Aiku AI

// Package config loads the modmail relay configuration from YAML with an
// environment overlay.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/aiku/mattermost-modmail/pkg/connector"
	"github.com/aiku/mattermost-modmail/pkg/modmail"
	"github.com/aiku/mattermost-modmail/pkg/slackconnector"
)

//go:embed example-config.yaml
var ExampleConfig string

const envPrefix = "MODMAIL"

const (
	PlatformMattermost = "mattermost"
	PlatformSlack      = "slack"
)

type Config struct {
	Platform   string                `yaml:"platform" envconfig:"PLATFORM"`
	Mattermost connector.Config      `yaml:"mattermost" ignored:"true"`
	Slack      slackconnector.Config `yaml:"slack" ignored:"true"`
	Database   DatabaseConfig        `yaml:"database" ignored:"true"`
	Relay      modmail.Settings      `yaml:"relay" ignored:"true"`
	AdminAPI   AdminAPIConfig        `yaml:"admin_api" ignored:"true"`
	Logging    zeroconfig.Config     `yaml:"logging" ignored:"true"`
}

type DatabaseConfig struct {
	// Type is the dbutil dialect: postgres or sqlite3.
	Type string `yaml:"type" envconfig:"TYPE"`
	URI  string `yaml:"uri" envconfig:"URI"`
}

type AdminAPIConfig struct {
	Addr  string `yaml:"addr" envconfig:"ADDR"`
	Token string `yaml:"token" envconfig:"TOKEN"`
}

// Load reads the config file at path over the example defaults, applies
// MODMAIL_* environment variables and validates the selected platform.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExampleConfig), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse example config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overlays one MODMAIL_<SECTION>_* group per section.
func (cfg *Config) applyEnv() error {
	sections := []struct {
		prefix string
		target any
	}{
		{envPrefix, cfg},
		{envPrefix + "_MATTERMOST", &cfg.Mattermost},
		{envPrefix + "_SLACK", &cfg.Slack},
		{envPrefix + "_DATABASE", &cfg.Database},
		{envPrefix + "_RELAY", &cfg.Relay},
		{envPrefix + "_ADMIN_API", &cfg.AdminAPI},
	}
	for _, section := range sections {
		if err := envconfig.Process(section.prefix, section.target); err != nil {
			return fmt.Errorf("failed to read %s_* environment: %w", section.prefix, err)
		}
	}
	return nil
}

// PostProcess validates the config and prepares the selected platform's
// section.
func (cfg *Config) PostProcess() error {
	switch cfg.Platform {
	case PlatformMattermost:
		if err := cfg.Mattermost.PostProcess(); err != nil {
			return err
		}
	case PlatformSlack:
		if err := cfg.Slack.PostProcess(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown platform %q", cfg.Platform)
	}
	switch cfg.Database.Type {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("unsupported database type %q", cfg.Database.Type)
	}
	if cfg.Database.URI == "" {
		return errors.New("database.uri is required")
	}
	return nil
}
