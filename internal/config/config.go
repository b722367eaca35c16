package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type TCPConfig struct {
	// Public TCP tunnel ports are allocated from [PortMin, PortMax].
	PortMin int
	PortMax int
}

type LimitsConfig struct {
	// BodyCap bounds forwarded HTTP request bodies.
	BodyCap int64
	// RequestDeadline bounds each dispatched HTTP request end to end.
	RequestDeadline time.Duration
	// IdleTimeout closes control channels with no inbound frames.
	IdleTimeout time.Duration
	// RegisterTimeout bounds the registration handshake.
	RegisterTimeout time.Duration
}

type ReloadConfig struct {
	Enabled      bool
	PollInterval time.Duration
}

type AdminLogBufferConfig struct {
	Enabled bool
	Size    int
}

type LoggingConfig struct {
	// Level is one of: debug, info, warn, error.
	Level string
	// Format is one of: json, text.
	Format string
	// Output is one of: stderr, stdout, discard; or a file path.
	Output string
	// AddSource enables source file/line reporting (slightly higher overhead).
	AddSource bool
	// AdminBuffer controls an in-memory log line ring buffer used by the admin server.
	AdminBuffer AdminLogBufferConfig
}

type Config struct {
	// Domain is the broker base domain, e.g. tunnel.example.com. HTTP tunnels
	// are addressed as <subdomain>.<Domain>.
	Domain string
	// Scheme used when building public HTTP tunnel URLs.
	Scheme string

	// ListenAddr serves both public ingress and the /tunnel control endpoint.
	ListenAddr string
	// AdminAddr serves the operational endpoints; empty disables them.
	AdminAddr string

	TCP    TCPConfig
	Limits LimitsConfig

	// Reserved subdomains are never allocated and never accepted.
	Reserved []string

	// AuthorizerURL points at an external registration authorizer; empty
	// accepts all registrations.
	AuthorizerURL string

	Logging LoggingConfig
	Reload  ReloadConfig
}

type ConfigProvider interface {
	Load(ctx context.Context) (*Config, error)
}

type FileConfigProvider struct {
	Path string
}

func NewFileConfigProvider(path string) *FileConfigProvider {
	return &FileConfigProvider{Path: path}
}

func (p *FileConfigProvider) WatchPath() string {
	return p.Path
}

type fileConfig struct {
	Domain     string `json:"domain" yaml:"domain" toml:"domain"`
	Scheme     string `json:"scheme" yaml:"scheme" toml:"scheme"`
	ListenAddr string `json:"listen_addr" yaml:"listen_addr" toml:"listen_addr"`
	AdminAddr  string `json:"admin_addr" yaml:"admin_addr" toml:"admin_addr"`

	TCP *struct {
		PortMin int `json:"port_min" yaml:"port_min" toml:"port_min"`
		PortMax int `json:"port_max" yaml:"port_max" toml:"port_max"`
	} `json:"tcp" yaml:"tcp" toml:"tcp"`

	Limits *struct {
		BodyCapBytes      int64 `json:"body_cap_bytes" yaml:"body_cap_bytes" toml:"body_cap_bytes"`
		RequestDeadlineMs int   `json:"request_deadline_ms" yaml:"request_deadline_ms" toml:"request_deadline_ms"`
		IdleTimeoutMs     int   `json:"idle_timeout_ms" yaml:"idle_timeout_ms" toml:"idle_timeout_ms"`
		RegisterTimeoutMs int   `json:"register_timeout_ms" yaml:"register_timeout_ms" toml:"register_timeout_ms"`
	} `json:"limits" yaml:"limits" toml:"limits"`

	Reserved      []string `json:"reserved_subdomains" yaml:"reserved_subdomains" toml:"reserved_subdomains"`
	AuthorizerURL string   `json:"authorizer_url" yaml:"authorizer_url" toml:"authorizer_url"`

	Logging *struct {
		Level       string `json:"level" yaml:"level" toml:"level"`
		Format      string `json:"format" yaml:"format" toml:"format"`
		Output      string `json:"output" yaml:"output" toml:"output"`
		AddSource   bool   `json:"add_source" yaml:"add_source" toml:"add_source"`
		AdminBuffer *struct {
			Enabled bool `json:"enabled" yaml:"enabled" toml:"enabled"`
			Size    int  `json:"size" yaml:"size" toml:"size"`
		} `json:"admin_buffer" yaml:"admin_buffer" toml:"admin_buffer"`
	} `json:"logging" yaml:"logging" toml:"logging"`

	Reload *struct {
		Enabled        bool `json:"enabled" yaml:"enabled" toml:"enabled"`
		PollIntervalMs int  `json:"poll_interval_ms" yaml:"poll_interval_ms" toml:"poll_interval_ms"`
	} `json:"reload" yaml:"reload" toml:"reload"`
}

func (p *FileConfigProvider) Load(_ context.Context) (*Config, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, err
	}

	var fc fileConfig
	switch strings.ToLower(filepath.Ext(p.Path)) {
	case ".toml":
		err = toml.Unmarshal(data, &fc)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &fc)
	default:
		err = json.Unmarshal(data, &fc)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", p.Path, err)
	}

	cfg := &Config{
		Domain:        strings.TrimSpace(fc.Domain),
		Scheme:        strings.TrimSpace(fc.Scheme),
		ListenAddr:    fc.ListenAddr,
		AdminAddr:     fc.AdminAddr,
		Reserved:      fc.Reserved,
		AuthorizerURL: strings.TrimSpace(fc.AuthorizerURL),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
			AdminBuffer: AdminLogBufferConfig{
				Enabled: false,
				Size:    1000,
			},
		},
	}
	if fc.TCP != nil {
		cfg.TCP.PortMin = fc.TCP.PortMin
		cfg.TCP.PortMax = fc.TCP.PortMax
	}
	if fc.Limits != nil {
		cfg.Limits.BodyCap = fc.Limits.BodyCapBytes
		cfg.Limits.RequestDeadline = time.Duration(fc.Limits.RequestDeadlineMs) * time.Millisecond
		cfg.Limits.IdleTimeout = time.Duration(fc.Limits.IdleTimeoutMs) * time.Millisecond
		cfg.Limits.RegisterTimeout = time.Duration(fc.Limits.RegisterTimeoutMs) * time.Millisecond
	}
	if fc.Logging != nil {
		if fc.Logging.Level != "" {
			cfg.Logging.Level = fc.Logging.Level
		}
		if fc.Logging.Format != "" {
			cfg.Logging.Format = fc.Logging.Format
		}
		if fc.Logging.Output != "" {
			cfg.Logging.Output = fc.Logging.Output
		}
		cfg.Logging.AddSource = fc.Logging.AddSource
		if fc.Logging.AdminBuffer != nil {
			cfg.Logging.AdminBuffer.Enabled = fc.Logging.AdminBuffer.Enabled
			if fc.Logging.AdminBuffer.Size != 0 {
				cfg.Logging.AdminBuffer.Size = fc.Logging.AdminBuffer.Size
			}
		}
	}
	if fc.Reload == nil {
		cfg.Reload.Enabled = true
	} else {
		cfg.Reload.Enabled = fc.Reload.Enabled
		cfg.Reload.PollInterval = time.Duration(fc.Reload.PollIntervalMs) * time.Millisecond
	}

	applyDefaults(cfg)
	return cfg, nil
}

// EnvDomain overrides the base domain when the config file leaves it empty.
const EnvDomain = "TUNNEL_DOMAIN"

func applyDefaults(cfg *Config) {
	if cfg.Domain == "" {
		cfg.Domain = strings.TrimSpace(os.Getenv(EnvDomain))
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "https"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.TCP.PortMin <= 0 {
		cfg.TCP.PortMin = 10000
	}
	if cfg.TCP.PortMax <= 0 || cfg.TCP.PortMax > 65535 {
		cfg.TCP.PortMax = 65535
	}
	if cfg.Limits.BodyCap <= 0 {
		cfg.Limits.BodyCap = 1 << 20
	}
	if cfg.Limits.RequestDeadline <= 0 {
		cfg.Limits.RequestDeadline = 30 * time.Second
	}
	if cfg.Limits.IdleTimeout <= 0 {
		cfg.Limits.IdleTimeout = 90 * time.Second
	}
	if cfg.Limits.RegisterTimeout <= 0 {
		cfg.Limits.RegisterTimeout = 10 * time.Second
	}
	if cfg.Reload.PollInterval <= 0 {
		cfg.Reload.PollInterval = 1 * time.Second
	}
}

// Validate reports configuration the broker cannot start with.
func (c *Config) Validate() error {
	if c.Domain == "" {
		return fmt.Errorf("config: domain is required (set domain or %s)", EnvDomain)
	}
	if c.TCP.PortMin > c.TCP.PortMax {
		return fmt.Errorf("config: tcp port range %d-%d is empty", c.TCP.PortMin, c.TCP.PortMax)
	}
	switch c.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("config: unsupported public url scheme %q", c.Scheme)
	}
	return nil
}
