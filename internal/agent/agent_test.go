package agent

import (
	"testing"
	"time"

	"github.com/jpillora/backoff"
)

func TestDeriveControlURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"https://tunnel.example.com", "wss://tunnel.example.com/tunnel"},
		{"http://localhost:8080", "ws://localhost:8080/tunnel"},
		{"wss://tunnel.example.com/ignored?x=1", "wss://tunnel.example.com/tunnel"},
		{"ws://127.0.0.1:9000", "ws://127.0.0.1:9000/tunnel"},
	}
	for _, c := range cases {
		got, err := deriveControlURL(c.in)
		if err != nil {
			t.Fatalf("deriveControlURL(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("deriveControlURL(%q) = %q, want %q", c.in, got, c.want)
		}
	}

	for _, bad := range []string{"ftp://x.test", "://", "https://"} {
		if _, err := deriveControlURL(bad); err == nil {
			t.Fatalf("deriveControlURL(%q) expected error", bad)
		}
	}
}

func TestReconnectDelayBounds(t *testing.T) {
	b := &backoff.Backoff{Min: reconnectBaseDelay, Max: reconnectMaxDelay, Factor: 2}
	for attempt := 0; attempt < 12; attempt++ {
		base := time.Duration(float64(reconnectBaseDelay) * float64(int(1)<<attempt))
		if base > reconnectMaxDelay {
			base = reconnectMaxDelay
		}
		for i := 0; i < 20; i++ {
			d := reconnectDelay(b, attempt)
			if d < base {
				t.Fatalf("attempt %d: delay %v below base %v", attempt, d, base)
			}
			max := base + time.Duration(reconnectJitter*float64(base))
			if d > max {
				t.Fatalf("attempt %d: delay %v above %v", attempt, d, max)
			}
		}
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{ServerURL: "", LocalPort: 3000}); err == nil {
		t.Fatal("expected error for missing server url")
	}
	if _, err := New(Config{ServerURL: "https://x.test", LocalPort: 0}); err == nil {
		t.Fatal("expected error for invalid local port")
	}
	if _, err := New(Config{ServerURL: "https://x.test", LocalPort: 3000, Protocol: "udp"}); err == nil {
		t.Fatal("expected error for unknown protocol")
	}

	a, err := New(Config{ServerURL: "https://x.test", LocalPort: 3000})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.cfg.LocalHost != "localhost" || a.cfg.Protocol != "http" || a.cfg.MaxReconnects != 10 {
		t.Fatalf("defaults = %+v", a.cfg)
	}
}
