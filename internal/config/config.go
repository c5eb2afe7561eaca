// Package config loads the exporter configuration from the environment, with
// an optional YAML routers file as a fallback for the ROUTERS_CONFIG variable.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	defaultInterval = 30 * time.Second
	minInterval     = 5 * time.Second
)

// Router is one device to collect from.
type Router struct {
	Name     string `json:"name" yaml:"name"`
	Address  string `json:"address" yaml:"address"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

// Config holds the router set and collection cadence. The listen address and
// log level are flag and environment concerns handled at startup, before this
// package runs.
type Config struct {
	Routers            []Router
	CollectionInterval time.Duration
}

// File is the shape of the optional YAML routers file.
type File struct {
	Routers []Router `yaml:"routers"`
}

// Load builds the configuration. Router sources in order of precedence:
// the ROUTERS_CONFIG JSON array, the YAML file at configFile, the legacy
// ROUTEROS_* variables (a single router named "default").
func Load(configFile string) (*Config, error) {
	cfg := &Config{
		CollectionInterval: defaultInterval,
	}

	if raw := os.Getenv("COLLECTION_INTERVAL_SECONDS"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid COLLECTION_INTERVAL_SECONDS %q: %w", raw, err)
		}
		cfg.CollectionInterval = time.Duration(secs) * time.Second
		if cfg.CollectionInterval < minInterval {
			return nil, fmt.Errorf("COLLECTION_INTERVAL_SECONDS must be at least %d", int(minInterval.Seconds()))
		}
	}

	routers, err := loadRouters(configFile)
	if err != nil {
		return nil, err
	}
	cfg.Routers = routers

	if err := validateRouters(cfg.Routers); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRouters(configFile string) ([]Router, error) {
	if raw := os.Getenv("ROUTERS_CONFIG"); raw != "" {
		var routers []Router
		if err := json.Unmarshal([]byte(raw), &routers); err != nil {
			return nil, fmt.Errorf("invalid ROUTERS_CONFIG: %w", err)
		}
		return routers, nil
	}

	if configFile != "" {
		raw, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("cannot read config file: %w", err)
		}
		var f File
		if err := yaml.UnmarshalStrict(raw, &f); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", configFile, err)
		}
		return f.Routers, nil
	}

	if addr := os.Getenv("ROUTEROS_ADDRESS"); addr != "" {
		return []Router{{
			Name:     "default",
			Address:  addr,
			Username: os.Getenv("ROUTEROS_USERNAME"),
			Password: os.Getenv("ROUTEROS_PASSWORD"),
		}}, nil
	}

	return nil, nil
}

func validateRouters(routers []Router) error {
	if len(routers) == 0 {
		return fmt.Errorf("no routers configured: set ROUTERS_CONFIG, a config file or ROUTEROS_ADDRESS")
	}
	seen := make(map[string]struct{}, len(routers))
	for _, r := range routers {
		if r.Name == "" {
			return fmt.Errorf("router with address %q has no name", r.Address)
		}
		if _, dup := seen[r.Name]; dup {
			return fmt.Errorf("duplicate router name %q", r.Name)
		}
		seen[r.Name] = struct{}{}
		if _, _, err := net.SplitHostPort(r.Address); err != nil {
			return fmt.Errorf("router %q: address %q must be host:port: %w", r.Name, r.Address, err)
		}
	}
	return nil
}
