// Package config loads the YAML configuration for the two daemons. Flags on
// the command line override file values; file values override the built-in
// defaults.
package config

import (
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Master configures the coordinator daemon.
type Master struct {
	HTTPHost string `yaml:"http_host"`
	HTTPPort int    `yaml:"http_port"`

	// Bind addresses for the two transport endpoints. ZMQ-style
	// tcp:// URLs are accepted and normalized.
	PublishURL string `yaml:"publish_url"`
	PullURL    string `yaml:"pull_url"`

	// Per-connection collection defaults. Agents may be .inf in YAML.
	DefaultTimeout float64 `yaml:"default_timeout_ms"`
	DefaultAgents  float64 `yaml:"default_agents"`

	Debug bool `yaml:"debug"`
}

// Agent configures a worker daemon.
type Agent struct {
	SubscribeURL string `yaml:"subscribe_url"`
	PushURL      string `yaml:"push_url"`

	// AgentID is the stable identity used for target filtering. Empty
	// means mint a fresh one at startup.
	AgentID string `yaml:"agent_id"`

	Debug bool `yaml:"debug"`
}

// DefaultMaster returns the built-in master configuration.
func DefaultMaster() Master {
	return Master{
		HTTPHost:       "0.0.0.0",
		HTTPPort:       8080,
		PublishURL:     ":1234",
		PullURL:        ":1235",
		DefaultTimeout: 1000,
		DefaultAgents:  math.Inf(1),
	}
}

// DefaultAgent returns the built-in agent configuration.
func DefaultAgent() Agent {
	return Agent{
		SubscribeURL: "localhost:1234",
		PushURL:      "localhost:1235",
	}
}

// LoadMaster reads a master config file over the defaults.
func LoadMaster(path string) (Master, error) {
	cfg := DefaultMaster()
	if err := loadYAML(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadAgent reads an agent config file over the defaults.
func LoadAgent(path string) (Agent, error) {
	cfg := DefaultAgent()
	if err := loadYAML(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadYAML(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// NormalizeAddr turns a ZMQ-style URL into a host:port TCP address:
// "tcp://*:1234" and "tcp://0.0.0.0:1234" become ":1234" and
// "0.0.0.0:1234"; plain host:port strings pass through.
func NormalizeAddr(addr string) string {
	addr = strings.TrimPrefix(addr, "tcp://")
	if host, rest, ok := strings.Cut(addr, ":"); ok && host == "*" {
		return ":" + rest
	}
	return addr
}
