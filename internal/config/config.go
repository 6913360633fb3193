// Package config handles Seneschal configuration loading.
//
// The config file wires Seneschal to its external services (chat
// gateway, CalDAV server, IMAP account, and so on). Runtime-tunable
// behavior (quiet hours, cooldowns, rate limits) lives in the settings
// store instead, so it can be adjusted over chat without a restart.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tallow/seneschal/internal/paths"
)

// DefaultSearchPaths lists where FindConfig looks, in order:
// ./seneschal.yaml, then ~/.config/seneschal/config.yaml, then
// /etc/seneschal/config.yaml.
func DefaultSearchPaths() []string {
	return []string{
		"seneschal.yaml",
		filepath.Join(paths.ConfigDir(), "config.yaml"),
		"/etc/seneschal/config.yaml",
	}
}

// FindConfig resolves the config file path. A non-empty explicit path
// (the -config flag) wins but must exist; with no explicit path the
// first hit in DefaultSearchPaths is used.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file %s: %w", explicit, err)
		}
		return explicit, nil
	}

	for _, candidate := range DefaultSearchPaths() {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("no config file in any of %v", DefaultSearchPaths())
}

// Config holds all Seneschal configuration.
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	CalDAV    CalDAVConfig    `yaml:"caldav"`
	Mail      MailConfig      `yaml:"mail"`
	Forge     ForgeConfig     `yaml:"forge"`
	Planner   PlannerConfig   `yaml:"planner"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Listen    ListenConfig    `yaml:"listen"`
	Proactive ProactiveConfig `yaml:"proactive"`
	StateDB   string          `yaml:"state_db"`
	Timezone  string          `yaml:"timezone"`
	LogLevel  string          `yaml:"log_level"`
}

// GatewayConfig defines the chat gateway connection. The gateway is a
// WAHA-style HTTP API fronting the messaging account; Seneschal sends
// through it and receives inbound messages over its websocket stream.
type GatewayConfig struct {
	URL     string `yaml:"url"`
	APIKey  string `yaml:"api_key"`
	Session string `yaml:"session"` // gateway session name (default "default")
}

// CalDAVConfig defines the calendar source connection.
type CalDAVConfig struct {
	Enabled     bool   `yaml:"enabled"`
	URL         string `yaml:"url"`      // calendar collection URL
	Username    string `yaml:"username"` // basic auth
	Password    string `yaml:"password"`
	InsecureTLS bool   `yaml:"insecure_tls"` // accept self-signed certificates
}

// MailConfig defines the optional IMAP inbox watcher.
type MailConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"` // default 993
	TLS      bool   `yaml:"tls"`  // default true when port is 993
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Folder   string `yaml:"folder"` // default INBOX
}

// ForgeConfig defines the optional code-forge watcher.
type ForgeConfig struct {
	Enabled bool     `yaml:"enabled"`
	Token   string   `yaml:"token"`
	User    string   `yaml:"user"`  // login whose review queue is watched
	Repos   []string `yaml:"repos"` // owner/repo entries to poll
}

// PlannerConfig defines the LLM planner endpoint. Any OpenAI-compatible
// chat completions endpoint works; the default targets a local Ollama.
type PlannerConfig struct {
	URL    string `yaml:"url"`
	Model  string `yaml:"model"`
	APIKey string `yaml:"api_key"`
}

// MQTTConfig defines the optional telemetry publisher.
type MQTTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	BrokerURL       string `yaml:"broker_url"` // e.g. mqtt://host:1883
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	TopicPrefix     string `yaml:"topic_prefix"`     // default "seneschal"
	Discovery       bool   `yaml:"discovery"`        // publish Home Assistant discovery
	DiscoveryPrefix string `yaml:"discovery_prefix"` // default "homeassistant"
}

// Configured reports whether the telemetry publisher should run.
func (m MQTTConfig) Configured() bool {
	return m.Enabled && m.BrokerURL != ""
}

// ListenConfig defines the HTTP API server settings. TokenHash is a
// bcrypt hash of the bearer token; generate one with `seneschal token
// hash`. An empty hash leaves only unauthenticated endpoints enabled.
type ListenConfig struct {
	Address   string `yaml:"address"` // bind address (default: "" = all interfaces)
	Port      int    `yaml:"port"`
	TokenHash string `yaml:"token_hash"`
}

// ProactiveConfig defines the evaluation loop cadence.
type ProactiveConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"` // default 2m
}

// Load parses the YAML file at path over the Default configuration.
// ${VAR} references in the file are substituted from the environment
// before parsing, so secrets can live in env vars or an .env file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	raw := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(raw), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.StateDB = paths.ExpandHome(cfg.StateDB)
	return cfg, nil
}

// Default returns the built-in configuration, the base that Load
// overlays the file onto.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			URL:     "http://localhost:3000",
			Session: "default",
		},
		Planner: PlannerConfig{
			URL:   "http://localhost:11434/v1",
			Model: "qwen3:4b",
		},
		MQTT: MQTTConfig{
			TopicPrefix:     "seneschal",
			DiscoveryPrefix: "homeassistant",
		},
		Listen: ListenConfig{Port: 8686},
		Proactive: ProactiveConfig{
			TickInterval: 2 * time.Minute,
		},
		StateDB: paths.DefaultStateDB(),
	}
}

// Location resolves the configured timezone, falling back to the
// process local zone. The location anchors day buckets and the
// quiet-hours and strong-window clocks.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}
