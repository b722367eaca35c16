package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// EnvConfigPath is the environment variable used to override the config file path.
const EnvConfigPath = "BURROW_CONFIG"

type ConfigPathSource string

const (
	ConfigPathSourceFlag    ConfigPathSource = "flag"
	ConfigPathSourceEnv     ConfigPathSource = "env"
	ConfigPathSourceCWD     ConfigPathSource = "cwd"
	ConfigPathSourceDefault ConfigPathSource = "default"
)

type ResolvedConfigPath struct {
	Path   string
	Source ConfigPathSource
}

// ResolveConfigPath resolves the effective configuration file path.
//
// Precedence:
//  1. explicitFlagPath (from -config)
//  2. BURROW_CONFIG environment variable
//  3. Auto-discovery in the current working directory (burrowd.toml > burrowd.yaml > burrowd.yml > burrowd.json)
//  4. OS-specific default user config location
func ResolveConfigPath(explicitFlagPath string) (ResolvedConfigPath, error) {
	if p := strings.TrimSpace(explicitFlagPath); p != "" {
		p, err := normalizeExplicitPath(p)
		if err != nil {
			return ResolvedConfigPath{}, err
		}
		return ResolvedConfigPath{Path: p, Source: ConfigPathSourceFlag}, nil
	}

	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		p, err := normalizeExplicitPath(p)
		if err != nil {
			return ResolvedConfigPath{}, err
		}
		return ResolvedConfigPath{Path: p, Source: ConfigPathSourceEnv}, nil
	}

	if p, err := DiscoverConfigPath("."); err == nil {
		return ResolvedConfigPath{Path: p, Source: ConfigPathSourceCWD}, nil
	}

	p, err := DefaultConfigPath()
	if err != nil {
		return ResolvedConfigPath{}, err
	}
	return ResolvedConfigPath{Path: p, Source: ConfigPathSourceDefault}, nil
}

func normalizeExplicitPath(p string) (string, error) {
	p = filepath.Clean(strings.TrimSpace(p))
	if p == "" {
		return "", fmt.Errorf("config: empty config path")
	}

	fi, err := os.Stat(p)
	if err == nil {
		if fi.IsDir() {
			// A directory means "look for burrowd.* inside it"; fall back to a
			// fresh burrowd.toml within that directory.
			if discovered, derr := DiscoverConfigPath(p); derr == nil {
				return discovered, nil
			}
			return filepath.Join(p, "burrowd.toml"), nil
		}
		return p, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("config: stat %s: %w", p, err)
	}

	// For a new (non-existing) file path without an extension, default to TOML.
	if filepath.Ext(p) == "" {
		p += ".toml"
	}
	return p, nil
}

// DefaultConfigPath returns the OS-specific default config file path.
//
// It uses os.UserConfigDir() (e.g. %AppData% on Windows, ~/.config on Linux,
// ~/Library/Application Support on macOS) and then appends burrow/burrowd.toml.
func DefaultConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve user config dir: %w", err)
	}
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return "", fmt.Errorf("config: resolve user config dir: empty")
	}
	return filepath.Join(dir, "burrow", "burrowd.toml"), nil
}

// EnsureConfigFile creates a new config file at path if it does not already exist.
// It never overwrites an existing regular file.
func EnsureConfigFile(path string) (created bool, err error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return false, fmt.Errorf("config: empty config path")
	}

	fi, statErr := os.Stat(path)
	if statErr == nil {
		if fi.Mode().IsRegular() {
			return false, nil
		}
		return false, fmt.Errorf("config: %s exists but is not a regular file", path)
	}
	if statErr != nil && !os.IsNotExist(statErr) {
		return false, fmt.Errorf("config: stat %s: %w", path, statErr)
	}

	tmpl, err := defaultConfigTemplateForPath(path)
	if err != nil {
		return false, err
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false, fmt.Errorf("config: mkdir %s: %w", dir, err)
		}
	}

	// Use O_EXCL to avoid clobbering files created concurrently.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("config: create %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := io.WriteString(f, tmpl); err != nil {
		return false, fmt.Errorf("config: write %s: %w", path, err)
	}
	return true, nil
}

func defaultConfigTemplateForPath(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".toml":
		return defaultConfigTemplateTOML, nil
	case ".yaml", ".yml":
		return defaultConfigTemplateYAML, nil
	default:
		return "", fmt.Errorf("config: unsupported config extension %q (expected .toml or .yaml/.yml)", ext)
	}
}

const defaultConfigTemplateTOML = `# burrowd configuration (auto-generated)
#
# This file was created because burrowd could not find a configuration file at
# the resolved config path.
#
# domain is the one value you must set before exposing tunnels publicly. With a
# wildcard DNS record *.tunnel.example.com pointing at this host, registered
# HTTP tunnels become reachable at https://<subdomain>.tunnel.example.com.
# TUNNEL_DOMAIN in the environment overrides an empty domain here.

domain = ""
scheme = "https"
listen_addr = ":8080"
admin_addr = "127.0.0.1:8081"

authorizer_url = ""
reserved_subdomains = []

[tcp]
port_min = 10000
port_max = 65535

[limits]
body_cap_bytes = 1048576
request_deadline_ms = 30000
idle_timeout_ms = 90000
register_timeout_ms = 10000

[logging]
level = "info"
format = "json"
output = "stderr"
add_source = false

[logging.admin_buffer]
enabled = true
size = 1000

[reload]
enabled = true
poll_interval_ms = 1000

`

const defaultConfigTemplateYAML = `# burrowd configuration (auto-generated)
#
# This file was created because burrowd could not find a configuration file at
# the resolved config path.
#
# domain is the one value you must set before exposing tunnels publicly. With a
# wildcard DNS record *.tunnel.example.com pointing at this host, registered
# HTTP tunnels become reachable at https://<subdomain>.tunnel.example.com.
# TUNNEL_DOMAIN in the environment overrides an empty domain here.

domain: ""
scheme: "https"
listen_addr: ":8080"
admin_addr: "127.0.0.1:8081"

authorizer_url: ""
reserved_subdomains: []

tcp:
  port_min: 10000
  port_max: 65535

limits:
  body_cap_bytes: 1048576
  request_deadline_ms: 30000
  idle_timeout_ms: 90000
  register_timeout_ms: 10000

logging:
  level: "info"
  format: "json"
  output: "stderr"
  add_source: false
  admin_buffer:
    enabled: true
    size: 1000

reload:
  enabled: true
  poll_interval_ms: 1000

`
