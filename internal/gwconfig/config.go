// Package gwconfig handles loading, validating, and writing the LAN
// LLM gateway configuration from ~/.gateway/config.yaml.
//
// The config defines:
//   - Gateway bind address (host:port)
//   - Backend HTTP base URL and control channel URL
//   - Access control (shared secret, allowlist)
//   - Proxy timeouts
//   - Backend log monitoring
//
// See SPEC_FULL.md Section 3 and 6 for the full schema.
package gwconfig

import (
	"fmt"
	"net"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level gateway configuration.
// Loaded from ~/.gateway/config.yaml, with sensible defaults for fields
// that are not explicitly set.
type Config struct {
	Backend   BackendConfig   `yaml:"backend"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Access    AccessConfig    `yaml:"access"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Log       LogConfig       `yaml:"log"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

// BackendConfig points at the local language-model runtime.
type BackendConfig struct {
	HTTPBaseURL string `yaml:"http_base_url"`
	ControlURL  string `yaml:"control_url"` // optional override; derived from HTTPBaseURL if empty
}

// GatewayConfig defines where the gateway listens.
type GatewayConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// AccessConfig controls authentication and network-level filtering.
type AccessConfig struct {
	SharedSecret         string   `yaml:"shared_secret"`           // empty disables auth
	Allowlist            []string `yaml:"allowlist"`                // CIDRs/IPs, or "*"
	RequireAuthForHealth bool     `yaml:"require_auth_for_health"`
}

// ProxyConfig controls the forwarding path's timeouts.
type ProxyConfig struct {
	TimeoutMs       int `yaml:"timeout_ms"`        // non-streaming request timeout
	StreamTimeoutMs int `yaml:"stream_timeout_ms"` // 0 = unbounded
}

// LogConfig controls backend log tailing.
type LogConfig struct {
	Dir               string `yaml:"dir"`
	EnableMonitoring  bool   `yaml:"enable_monitoring"`
	Level             string `yaml:"level"` // error|warn|info|debug
}

// DashboardConfig controls the debug/observability HTTP surface.
type DashboardConfig struct {
	Enabled    bool `yaml:"enabled"`
	Production bool `yaml:"production"` // parsed but not read; 500 responses include error detail regardless
}

// Load reads and parses config.yaml from the given path.
// If the file doesn't exist, returns defaults (not an error).
// Invalid YAML or validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file — use defaults. This is normal on first run
			// before `gatewayd config init` creates one.
			resolveControlURL(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	resolveControlURL(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// resolveControlURL derives the control channel URL from the HTTP base
// URL by swapping scheme (http->ws, https->wss) when no explicit
// override was configured.
func resolveControlURL(cfg *Config) {
	if cfg.Backend.ControlURL != "" {
		return
	}
	u := cfg.Backend.HTTPBaseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		cfg.Backend.ControlURL = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		cfg.Backend.ControlURL = "ws://" + strings.TrimPrefix(u, "http://")
	}
}

// WriteDefault writes a default config.yaml with all fields populated
// and a comment header.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# LAN LLM gateway configuration.
#
# backend:
#   http_base_url: Base URL of the local LLM runtime's OpenAI-compatible HTTP API
#   control_url:   Override for the control channel URL (default: scheme-swapped http_base_url)
#
# gateway:
#   host/port: Bind address for the gateway's HTTP surface
#
# access:
#   shared_secret: Non-empty enables X-API-Key auth
#   allowlist: CIDRs/IPs, or "*" to disable source filtering
#   require_auth_for_health: Whether /health requires the shared secret too
#
# proxy:
#   timeout_ms: Non-streaming request timeout
#   stream_timeout_ms: Streaming request timeout (0 = unbounded)
#
# log:
#   dir: Backend log root directory
#   enable_monitoring: Whether to tail backend logs onto the event bus
#   level: error|warn|info|debug

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with all fields set to their default values.
func applyDefaults() *Config {
	return &Config{
		Backend: BackendConfig{
			HTTPBaseURL: "http://127.0.0.1:1234",
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Access: AccessConfig{
			Allowlist:            []string{"*"},
			RequireAuthForHealth: false,
		},
		Proxy: ProxyConfig{
			TimeoutMs:       120000,
			StreamTimeoutMs: 0,
		},
		Log: LogConfig{
			Dir:              "",
			EnableMonitoring: false,
			Level:            "info",
		},
		Dashboard: DashboardConfig{
			Enabled: true,
		},
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Gateway.Host == "" {
		return fmt.Errorf("gateway.host must not be empty")
	}
	if cfg.Gateway.Port < 1 || cfg.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port %d out of range (1-65535)", cfg.Gateway.Port)
	}
	if cfg.Backend.HTTPBaseURL == "" {
		return fmt.Errorf("backend.http_base_url is required")
	}

	for _, entry := range cfg.Access.Allowlist {
		if entry == "*" {
			continue
		}
		if _, _, err := net.ParseCIDR(entry); err == nil {
			continue
		}
		if net.ParseIP(entry) != nil {
			continue
		}
		return fmt.Errorf("access.allowlist entry %q is not a valid IP, CIDR, or \"*\"", entry)
	}

	if cfg.Proxy.TimeoutMs < 0 {
		return fmt.Errorf("proxy.timeout_ms must be non-negative")
	}
	if cfg.Proxy.StreamTimeoutMs < 0 {
		return fmt.Errorf("proxy.stream_timeout_ms must be non-negative")
	}

	switch cfg.Log.Level {
	case "", "error", "warn", "info", "debug":
	default:
		return fmt.Errorf("log.level %q must be one of error|warn|info|debug", cfg.Log.Level)
	}

	return nil
}
