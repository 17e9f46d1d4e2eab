// Package config loads the service's YAML configuration document: server
// settings, per-resource-type backend config, and per-stateless-tool API
// config, with shell-style ${VAR} / ${VAR:-default} environment expansion
// applied before parsing.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds the top-level "server" section.
type ServerConfig struct {
	Title          string        `yaml:"title"`
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	SessionTTL     time.Duration `yaml:"session_ttl"`
	WarmupTargets  []string      `yaml:"warmup_targets"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// ResourceConfig holds one resource type's "resources.<type>" section.
type ResourceConfig struct {
	Enabled       bool                   `yaml:"enabled"`
	DefaultConfig map[string]interface{} `yaml:"default_config"`
}

// Config is the fully parsed, environment-expanded configuration document.
type Config struct {
	Server    ServerConfig                   `yaml:"server"`
	Resources map[string]ResourceConfig      `yaml:"resources"`
	APIs      map[string]map[string]interface{} `yaml:"apis"`
}

// defaultConfig supplies values merged underneath whatever the document
// sets explicitly, mirroring the reference implementation's layering of a
// built-in default_config beneath per-deployment overrides.
var defaultConfig = Config{
	Server: ServerConfig{
		Title:          "sandboxd",
		Host:           "0.0.0.0",
		Port:           8080,
		SessionTTL:     30 * time.Minute,
		RequestTimeout: 60 * time.Second,
	},
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandEnv rewrites every ${VAR} and ${VAR:-default} occurrence in raw
// using the process environment, falling back to default when VAR is
// unset or empty, and to an empty string when VAR is unset and no default
// is given.
func expandEnv(raw []byte) []byte {
	return envVarPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		groups := envVarPattern.FindSubmatch(match)
		name := string(groups[1])
		fallback := string(groups[3])
		if v, ok := os.LookupEnv(name); ok && v != "" {
			return []byte(v)
		}
		return []byte(fallback)
	})
}

// Load reads the YAML document at path, expands environment references,
// and merges the result over defaultConfig. viper backs environment
// variable overrides of individual keys (SANDBOXD_SERVER_PORT, etc.) on
// top of the file, matching the layering the reference CLI uses for its
// own config (file + flags + env).
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	expanded := expandEnv(raw)

	cfg := defaultConfig
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	v := viper.New()
	v.SetEnvPrefix("SANDBOXD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if v.IsSet("server.port") {
		cfg.Server.Port = v.GetInt("server.port")
	}
	if v.IsSet("server.host") {
		cfg.Server.Host = v.GetString("server.host")
	}

	if cfg.Resources == nil {
		cfg.Resources = make(map[string]ResourceConfig)
	}
	if cfg.APIs == nil {
		cfg.APIs = make(map[string]map[string]interface{})
	}
	return &cfg, nil
}
