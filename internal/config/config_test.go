package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestLoadTOML(t *testing.T) {
	p := writeTemp(t, "burrowd.toml", `
domain = "tunnel.example.com"
scheme = "http"
listen_addr = ":9090"
admin_addr = "127.0.0.1:9091"
reserved_subdomains = ["internal", "secret"]
authorizer_url = "http://127.0.0.1:7000/authorize"

[tcp]
port_min = 20000
port_max = 21000

[limits]
body_cap_bytes = 2048
request_deadline_ms = 5000
idle_timeout_ms = 60000

[logging]
level = "debug"
format = "text"

[reload]
enabled = false
`)
	cfg, err := NewFileConfigProvider(p).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Domain != "tunnel.example.com" || cfg.Scheme != "http" || cfg.ListenAddr != ":9090" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.TCP.PortMin != 20000 || cfg.TCP.PortMax != 21000 {
		t.Fatalf("tcp = %+v", cfg.TCP)
	}
	if cfg.Limits.BodyCap != 2048 || cfg.Limits.RequestDeadline != 5*time.Second || cfg.Limits.IdleTimeout != time.Minute {
		t.Fatalf("limits = %+v", cfg.Limits)
	}
	if len(cfg.Reserved) != 2 || cfg.AuthorizerURL == "" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Reload.Enabled {
		t.Fatal("reload should be disabled")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	p := writeTemp(t, "burrowd.yaml", `
domain: tunnel.example.com
tcp:
  port_min: 15000
  port_max: 16000
logging:
  level: warn
`)
	cfg, err := NewFileConfigProvider(p).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Domain != "tunnel.example.com" || cfg.TCP.PortMin != 15000 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
}

func TestLoadJSON(t *testing.T) {
	p := writeTemp(t, "burrowd.json", `{"domain":"tunnel.example.com","listen_addr":":8088"}`)
	cfg, err := NewFileConfigProvider(p).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Domain != "tunnel.example.com" || cfg.ListenAddr != ":8088" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadDefaults(t *testing.T) {
	p := writeTemp(t, "burrowd.toml", `domain = "tunnel.example.com"`)
	cfg, err := NewFileConfigProvider(p).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheme != "https" || cfg.ListenAddr != ":8080" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.TCP.PortMin != 10000 || cfg.TCP.PortMax != 65535 {
		t.Fatalf("tcp = %+v", cfg.TCP)
	}
	if cfg.Limits.BodyCap != 1<<20 || cfg.Limits.RequestDeadline != 30*time.Second ||
		cfg.Limits.IdleTimeout != 90*time.Second || cfg.Limits.RegisterTimeout != 10*time.Second {
		t.Fatalf("limits = %+v", cfg.Limits)
	}
	if !cfg.Reload.Enabled || cfg.Reload.PollInterval != time.Second {
		t.Fatalf("reload = %+v", cfg.Reload)
	}
}

func TestDomainFromEnv(t *testing.T) {
	t.Setenv(EnvDomain, "env.example.com")
	p := writeTemp(t, "burrowd.toml", ``)
	cfg, err := NewFileConfigProvider(p).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Domain != "env.example.com" {
		t.Fatalf("domain = %q", cfg.Domain)
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{Scheme: "https", TCP: TCPConfig{PortMin: 10000, PortMax: 20000}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty domain")
	}
	cfg.Domain = "tunnel.test"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	cfg.TCP.PortMin = 30000
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty port range")
	}
}

func TestDiscoverConfigPath(t *testing.T) {
	dir := t.TempDir()
	if _, err := DiscoverConfigPath(dir); err == nil {
		t.Fatal("expected error for empty dir")
	}

	yml := filepath.Join(dir, "burrowd.yml")
	if err := os.WriteFile(yml, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := DiscoverConfigPath(dir)
	if err != nil || got != yml {
		t.Fatalf("DiscoverConfigPath = %q, %v", got, err)
	}

	// TOML outranks YAML.
	tml := filepath.Join(dir, "burrowd.toml")
	if err := os.WriteFile(tml, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	got, err = DiscoverConfigPath(dir)
	if err != nil || got != tml {
		t.Fatalf("DiscoverConfigPath = %q, %v", got, err)
	}
}

func TestManagerReload(t *testing.T) {
	p := writeTemp(t, "burrowd.toml", `domain = "tunnel.example.com"`)
	provider := NewFileConfigProvider(p)
	m := NewManager(provider, ManagerOptions{})

	cfg, err := m.LoadInitial(context.Background())
	if err != nil {
		t.Fatalf("LoadInitial: %v", err)
	}
	if m.Current() != cfg {
		t.Fatal("Current != loaded config")
	}

	notified := make(chan *Config, 1)
	m.Subscribe(func(_, newCfg *Config) { notified <- newCfg })

	if err := os.WriteFile(p, []byte("domain = \"tunnel.example.com\"\nlisten_addr = \":9999\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := m.ReloadNow(context.Background()); err != nil {
		t.Fatalf("ReloadNow: %v", err)
	}
	select {
	case cfg := <-notified:
		if cfg.ListenAddr != ":9999" {
			t.Fatalf("reloaded listen_addr = %q", cfg.ListenAddr)
		}
	default:
		t.Fatal("subscriber not notified")
	}

	// A reload that fails validation keeps the previous snapshot.
	if err := os.WriteFile(p, []byte("domain = \"\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := m.ReloadNow(context.Background()); err == nil {
		t.Fatal("expected validation error")
	}
	if m.Current().ListenAddr != ":9999" {
		t.Fatalf("snapshot replaced on failed reload: %+v", m.Current())
	}
}
