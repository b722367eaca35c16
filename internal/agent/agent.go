package agent

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"burrow/internal/protocol"
)

var (
	ErrClosed              = errors.New("agent: closed")
	ErrRegistrationTimeout = errors.New("agent: registration timed out")
)

// RegisterError is a broker-side registration rejection (error frame before
// registered).
type RegisterError struct {
	Code    string
	Message string
}

func (e *RegisterError) Error() string {
	return fmt.Sprintf("agent: registration rejected: %s (%s)", e.Message, e.Code)
}

type Config struct {
	// ServerURL is the broker base URL (http/https or ws/wss); the control
	// channel lives at /tunnel on the derived ws scheme.
	ServerURL string

	LocalHost string // default localhost
	LocalPort int
	Subdomain string
	Password  string
	Protocol  string // http (default) or tcp

	// Insecure disables TLS certificate verification on wss dials.
	Insecure bool
	// CAFile adds a custom CA bundle for wss dials.
	CAFile string

	HeartbeatInterval time.Duration // default 30s
	RegisterTimeout   time.Duration // default 10s
	LocalTimeout      time.Duration // default 30s
	MaxReconnects     int           // default 10
	ChunkSize         int           // default 64 KiB

	Logger  *slog.Logger
	OnEvent func(Event)
}

// Agent maintains the outbound control channel and forwards inbound traffic
// to the local service.
type Agent struct {
	cfg    Config
	logger *slog.Logger

	controlURL string
	httpc      *http.Client
	dialer     *websocket.Dialer

	closed       atomic.Bool
	reconnecting atomic.Bool

	mu   sync.Mutex
	link *link
	info *TunnelInfo
}

func New(cfg Config) (*Agent, error) {
	if strings.TrimSpace(cfg.ServerURL) == "" {
		return nil, fmt.Errorf("agent: server url is required")
	}
	if cfg.LocalPort <= 0 || cfg.LocalPort > 65535 {
		return nil, fmt.Errorf("agent: invalid local port %d", cfg.LocalPort)
	}
	if cfg.LocalHost == "" {
		cfg.LocalHost = "localhost"
	}
	if cfg.Protocol == "" {
		cfg.Protocol = protocol.ProtoHTTP
	}
	if cfg.Protocol != protocol.ProtoHTTP && cfg.Protocol != protocol.ProtoTCP {
		return nil, fmt.Errorf("agent: unknown protocol %q", cfg.Protocol)
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.RegisterTimeout <= 0 {
		cfg.RegisterTimeout = 10 * time.Second
	}
	if cfg.LocalTimeout <= 0 {
		cfg.LocalTimeout = 30 * time.Second
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = 10
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 64 * 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OnEvent == nil {
		cfg.OnEvent = func(Event) {}
	}

	controlURL, err := deriveControlURL(cfg.ServerURL)
	if err != nil {
		return nil, err
	}
	tlsCfg, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &Agent{
		cfg:        cfg,
		logger:     cfg.Logger,
		controlURL: controlURL,
		httpc:      &http.Client{Timeout: cfg.LocalTimeout},
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			TLSClientConfig:  tlsCfg,
		},
	}, nil
}

// deriveControlURL maps the configured base URL onto the ws control endpoint.
func deriveControlURL(server string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(server))
	if err != nil {
		return "", fmt.Errorf("agent: bad server url %q: %w", server, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss", "":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("agent: unsupported server scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("agent: server url %q has no host", server)
	}
	u.Path = "/tunnel"
	u.RawQuery = ""
	return u.String(), nil
}

func buildTLSConfig(cfg Config) (*tls.Config, error) {
	tc := &tls.Config{InsecureSkipVerify: cfg.Insecure}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("agent: read ca bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("agent: no certificates in %s", cfg.CAFile)
		}
		tc.RootCAs = pool
	}
	return tc, nil
}

func (a *Agent) emit(e Event) { a.cfg.OnEvent(e) }

// Info returns the latest broker-assigned tunnel identity.
func (a *Agent) Info() *TunnelInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.info
}

func (a *Agent) setLink(l *link, info *TunnelInfo) {
	a.mu.Lock()
	a.link = l
	a.info = info
	a.mu.Unlock()
}

// Run connects, registers, and serves the tunnel until Close or until the
// reconnection policy is exhausted. A clean Close returns nil.
func (a *Agent) Run(ctx context.Context) error {
	l, info, err := a.connect(ctx, a.cfg.Subdomain)
	if err != nil {
		return err
	}
	a.setLink(l, info)
	a.emit(Event{Kind: EventConnected, Info: info})
	a.logger.Info("agent: connected", "public_url", info.PublicURL, "subdomain", info.Subdomain)

	for {
		err := l.serve(ctx)
		if a.closed.Load() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.emit(Event{Kind: EventDisconnected, Err: err})
		a.logger.Warn("agent: disconnected", "err", err)

		l, info, err = a.reconnect(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		a.setLink(l, info)
		a.emit(Event{Kind: EventReconnected, Info: info})
		a.logger.Info("agent: reconnected", "public_url", info.PublicURL, "subdomain", info.Subdomain)
	}
}

// Close drops the tunnel. Idempotent; a running Run returns nil.
func (a *Agent) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	a.mu.Lock()
	l := a.link
	a.mu.Unlock()
	if l != nil {
		l.close()
	}
	return nil
}

const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 60 * time.Second
	reconnectJitter    = 0.30
)

// reconnectDelay for attempt n (0-indexed) is
// min(maxDelay, baseDelay*2^n) + uniform(0, delay*jitterFactor).
func reconnectDelay(b *backoff.Backoff, attempt int) time.Duration {
	base := b.ForAttempt(float64(attempt))
	return base + time.Duration(rand.Float64()*reconnectJitter*float64(base))
}

// reconnect retries the connection with exponential backoff and jitter. A
// single state flag forbids concurrent attempts. When the original subdomain
// has been taken in the interim, the retry accepts a reassigned random one.
func (a *Agent) reconnect(ctx context.Context) (*link, *TunnelInfo, error) {
	if !a.reconnecting.CompareAndSwap(false, true) {
		return nil, nil, fmt.Errorf("agent: reconnect already in progress")
	}
	defer a.reconnecting.Store(false)

	b := &backoff.Backoff{Min: reconnectBaseDelay, Max: reconnectMaxDelay, Factor: 2}
	max := a.cfg.MaxReconnects

	for attempt := 0; attempt < max; attempt++ {
		delay := reconnectDelay(b, attempt)
		a.emit(Event{Kind: EventReconnecting, Attempt: attempt + 1, MaxAttempts: max})
		a.logger.Info("agent: reconnecting", "attempt", attempt+1, "max", max, "delay", delay.String())

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(delay):
		}
		if a.closed.Load() {
			return nil, nil, ErrClosed
		}

		l, info, err := a.connect(ctx, a.cfg.Subdomain)
		var rerr *RegisterError
		if errors.As(err, &rerr) && rerr.Code == protocol.CodeSubdomainTaken {
			a.logger.Warn("agent: subdomain taken, accepting reassignment", "subdomain", a.cfg.Subdomain)
			l, info, err = a.connect(ctx, "")
		}
		if err == nil {
			return l, info, nil
		}
		a.logger.Warn("agent: reconnect attempt failed", "attempt", attempt+1, "err", err)
	}
	a.emit(Event{Kind: EventReconnectFailed, Attempt: max, MaxAttempts: max})
	return nil, nil, fmt.Errorf("agent: reconnect failed after %d attempts", max)
}

// connect dials the control endpoint and performs the REGISTER handshake.
func (a *Agent) connect(ctx context.Context, subdomain string) (*link, *TunnelInfo, error) {
	conn, _, err := a.dialer.DialContext(ctx, a.controlURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("agent: dial %s: %w", a.controlURL, err)
	}

	reg, err := protocol.New(protocol.TypeRegister, protocol.RegisterPayload{
		Subdomain: subdomain,
		LocalPort: a.cfg.LocalPort,
		LocalHost: a.cfg.LocalHost,
		Password:  a.cfg.Password,
		Protocol:  a.cfg.Protocol,
	})
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	b, _ := protocol.Marshal(reg)
	_ = conn.SetWriteDeadline(time.Now().Add(a.cfg.RegisterTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("agent: send register: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(a.cfg.RegisterTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, nil, ErrRegistrationTimeout
		}
		var ne interface{ Timeout() bool }
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, nil, ErrRegistrationTimeout
		}
		return nil, nil, fmt.Errorf("agent: read registration reply: %w", err)
	}
	f, err := protocol.Unmarshal(data)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	switch f.Type {
	case protocol.TypeRegistered:
		var p protocol.RegisteredPayload
		if err := f.DecodePayload(&p); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		_ = conn.SetReadDeadline(time.Time{})
		_ = conn.SetWriteDeadline(time.Time{})
		info := &TunnelInfo{
			TunnelID:  p.TunnelID,
			Subdomain: p.Subdomain,
			PublicURL: p.PublicURL,
			Protocol:  p.Protocol,
			TCPPort:   p.TCPPort,
		}
		return newLink(a, conn), info, nil
	case protocol.TypeError:
		var p protocol.ErrorPayload
		_ = f.DecodePayload(&p)
		_ = conn.Close()
		return nil, nil, &RegisterError{Code: p.Code, Message: p.Message}
	default:
		_ = conn.Close()
		return nil, nil, fmt.Errorf("agent: unexpected %s frame during registration", f.Type)
	}
}
