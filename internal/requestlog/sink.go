package requestlog

import (
	"log/slog"
	"time"
)

type Kind string

const (
	KindHTTP     Kind = "http"
	KindTCPOpen  Kind = "tcp_open"
	KindTCPClose Kind = "tcp_close"
)

// Event is the completed-request (or TCP lifecycle) record published to the
// sink. Publishing is fire-and-forget; sinks must not block the data path.
type Event struct {
	Kind      Kind
	Subdomain string
	Method    string
	Path      string
	Status    int
	BytesIn   int64
	BytesOut  int64
	Duration  time.Duration
	ClientIP  string
	UserAgent string
}

type Sink interface {
	Publish(Event)
}

type nopSink struct{}

func (nopSink) Publish(Event) {}

func Nop() Sink { return nopSink{} }

// SlogSink writes request records as structured log lines.
type SlogSink struct {
	logger *slog.Logger
}

func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

func (s *SlogSink) Publish(e Event) {
	switch e.Kind {
	case KindHTTP:
		s.logger.Info("request completed",
			"subdomain", e.Subdomain,
			"method", e.Method,
			"path", e.Path,
			"status", e.Status,
			"bytes_in", e.BytesIn,
			"bytes_out", e.BytesOut,
			"duration_ms", e.Duration.Milliseconds(),
			"client_ip", e.ClientIP,
			"user_agent", e.UserAgent,
		)
	case KindTCPOpen:
		s.logger.Info("tcp connection opened", "subdomain", e.Subdomain, "client_ip", e.ClientIP)
	case KindTCPClose:
		s.logger.Info("tcp connection closed", "subdomain", e.Subdomain)
	default:
		s.logger.Info("request event", "kind", string(e.Kind), "subdomain", e.Subdomain)
	}
}
