package config

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

type watchableProvider interface {
	WatchPath() string
}

// Manager provides a zero-downtime config reload loop for the broker.
//
// It keeps an atomic snapshot of the latest successfully loaded config. Live
// tunnels keep the snapshot they registered under; reload subscribers apply
// the cheap-to-swap settings (log level, reserved subdomain set) in place.
//
// Manager only polls providers that also implement WatchPath()
// (e.g. FileConfigProvider).
type Manager struct {
	provider ConfigProvider

	pollInterval time.Duration
	watchPath    string

	statMu   sync.Mutex
	lastMod  time.Time
	lastSize int64

	current atomic.Pointer[Config]

	subsMu sync.Mutex
	subs   []func(oldCfg, newCfg *Config)
}

type ManagerOptions struct {
	PollInterval time.Duration
}

func NewManager(provider ConfigProvider, opts ManagerOptions) *Manager {
	m := &Manager{provider: provider, pollInterval: opts.PollInterval}
	if m.pollInterval <= 0 {
		m.pollInterval = 1 * time.Second
	}
	if wp, ok := provider.(watchableProvider); ok {
		m.watchPath = wp.WatchPath()
	}
	return m
}

func (m *Manager) Current() *Config {
	return m.current.Load()
}

func (m *Manager) Subscribe(fn func(oldCfg, newCfg *Config)) {
	if fn == nil {
		return
	}
	m.subsMu.Lock()
	m.subs = append(m.subs, fn)
	m.subsMu.Unlock()
}

func (m *Manager) LoadInitial(ctx context.Context) (*Config, error) {
	cfg, err := m.provider.Load(ctx)
	if err != nil {
		return nil, err
	}
	m.current.Store(cfg)
	m.captureStat()
	return cfg, nil
}

// ReloadNow forces a reload and, if both parse and validation succeed, swaps
// the current snapshot and notifies subscribers. On failure the previous
// snapshot stays in effect.
func (m *Manager) ReloadNow(ctx context.Context) error {
	cfg, err := m.provider.Load(ctx)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	old := m.current.Load()
	m.current.Store(cfg)
	m.captureStat()
	m.notify(old, cfg)
	return nil
}

func (m *Manager) Start(ctx context.Context) {
	if m.watchPath == "" {
		return
	}
	go m.loop(ctx)
}

func (m *Manager) loop(ctx context.Context) {
	t := time.NewTicker(m.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !m.changed() {
				continue
			}
			_ = m.ReloadNow(ctx) // best-effort; keep previous snapshot on error
		}
	}
}

func (m *Manager) changed() bool {
	fi, err := os.Stat(m.watchPath)
	if err != nil {
		return false
	}

	m.statMu.Lock()
	defer m.statMu.Unlock()
	if fi.ModTime().After(m.lastMod) || fi.Size() != m.lastSize {
		m.lastMod = fi.ModTime()
		m.lastSize = fi.Size()
		return true
	}
	return false
}

func (m *Manager) captureStat() {
	if m.watchPath == "" {
		return
	}
	fi, err := os.Stat(m.watchPath)
	if err != nil {
		return
	}
	m.statMu.Lock()
	m.lastMod = fi.ModTime()
	m.lastSize = fi.Size()
	m.statMu.Unlock()
}

func (m *Manager) notify(oldCfg, newCfg *Config) {
	m.subsMu.Lock()
	subs := append([]func(oldCfg, newCfg *Config){}, m.subs...)
	m.subsMu.Unlock()

	for _, fn := range subs {
		fn(oldCfg, newCfg)
	}
}
