package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// appConfig is the root configuration. All fields have working defaults
// except the signing secret, which must come from the file or the
// RELAY_SIGNING_SECRET environment variable; a missing secret is a startup
// error, never a runtime one.
type appConfig struct {
	Server serverConfig `yaml:"server"`
	Auth   authConfig   `yaml:"auth"`
	Feed   feedConfig   `yaml:"feed"`
}

type serverConfig struct {
	Port           int    `yaml:"port" validate:"gte=0,lte=65535"`
	DataDir        string `yaml:"dataDir"`
	MaxSubscribers int    `yaml:"maxSubscribers" validate:"gte=0"`
}

type authConfig struct {
	SigningSecret string `yaml:"signingSecret"`
	TokenTTL      string `yaml:"tokenTTL"`

	ttl time.Duration
}

// feedConfig enables the optional GTFS-RT vehicle positions ingest when a
// feed URL is set.
type feedConfig struct {
	VehiclePositionsURL string `yaml:"vehiclePositionsURL" validate:"omitempty,url"`
	RefreshMinSecs      int    `yaml:"refreshMinSecs" validate:"gte=0"`
}

func loadConfig(path string) (*appConfig, error) {
	var cfg appConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if v := os.Getenv("RELAY_SIGNING_SECRET"); v != "" {
		cfg.Auth.SigningSecret = v
	}
	if cfg.Auth.SigningSecret == "" {
		return nil, fmt.Errorf("signing secret is required (auth.signingSecret or RELAY_SIGNING_SECRET)")
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.DataDir == "" {
		cfg.Server.DataDir = "./data"
	}
	if cfg.Auth.TokenTTL == "" {
		cfg.Auth.TokenTTL = "1h"
	}
	ttl, err := time.ParseDuration(cfg.Auth.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("auth.tokenTTL: %w", err)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("auth.tokenTTL must be positive")
	}
	cfg.Auth.ttl = ttl
	if cfg.Feed.RefreshMinSecs == 0 {
		cfg.Feed.RefreshMinSecs = 10
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}
