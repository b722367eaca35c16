package tunnel

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrSubdomainTaken    = errors.New("tunnel: subdomain already taken")
	ErrSubdomainReserved = errors.New("tunnel: subdomain is reserved")
	ErrSubdomainInvalid  = errors.New("tunnel: invalid subdomain")
)

// DefaultReservedSubdomains are never handed out or accepted at registration.
var DefaultReservedSubdomains = []string{
	"www", "api", "admin", "dashboard", "app", "mail", "ftp", "ssh", "git",
	"tunnel", "ws", "wss", "http", "https",
}

// Registry is the process-wide subdomain and TCP port lookup for active
// sessions. It holds lookup references only; session lifetime is owned by the
// control channel.
type Registry struct {
	mu sync.RWMutex

	bySubdomain map[string]*Session
	byPort      map[int]*Session
	byID        map[string]*Session
	reserved    map[string]struct{}

	logger *slog.Logger
}

func NewRegistry(reserved []string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		bySubdomain: map[string]*Session{},
		byPort:      map[int]*Session{},
		byID:        map[string]*Session{},
		reserved:    map[string]struct{}{},
		logger:      logger,
	}
	if reserved == nil {
		reserved = DefaultReservedSubdomains
	}
	r.SetReserved(reserved)
	return r
}

// SetReserved replaces the reserved set. Live sessions keep their subdomains.
func (r *Registry) SetReserved(reserved []string) {
	m := make(map[string]struct{}, len(reserved))
	for _, s := range reserved {
		s = NormalizeSubdomain(s)
		if s != "" {
			m[s] = struct{}{}
		}
	}
	r.mu.Lock()
	r.reserved = m
	r.mu.Unlock()
}

// Register binds the session under the desired subdomain, or under a freshly
// allocated random one when desired is empty. A taken subdomain fails; the
// existing session is never evicted.
func (r *Registry) Register(desired string, s *Session) (string, error) {
	desired = NormalizeSubdomain(desired)

	r.mu.Lock()
	defer r.mu.Unlock()

	var name string
	if desired != "" {
		if err := ValidateSubdomain(desired); err != nil {
			return "", err
		}
		if _, ok := r.reserved[desired]; ok {
			return "", ErrSubdomainReserved
		}
		if _, ok := r.bySubdomain[desired]; ok {
			return "", ErrSubdomainTaken
		}
		name = desired
	} else {
		name = RandomSubdomain(func(candidate string) bool {
			if _, ok := r.reserved[candidate]; ok {
				return true
			}
			_, ok := r.bySubdomain[candidate]
			return ok
		})
		if err := ValidateSubdomain(name); err != nil {
			return "", err
		}
	}

	s.Subdomain = name
	r.bySubdomain[name] = s
	r.byID[s.ID] = s
	return name, nil
}

// BindPort records the session under its allocated public TCP port. The
// caller holds the open listener; insertion is paired with listener open.
func (r *Registry) BindPort(port int, s *Session) {
	r.mu.Lock()
	r.byPort[port] = s
	r.mu.Unlock()
}

func (r *Registry) Lookup(subdomain string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bySubdomain[NormalizeSubdomain(subdomain)]
}

func (r *Registry) LookupTCPPort(port int) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byPort[port]
}

// Unregister removes every mapping for the tunnel. Idempotent.
func (r *Registry) Unregister(tunnelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.byID[tunnelID]
	if s == nil {
		return
	}
	delete(r.byID, tunnelID)
	if cur := r.bySubdomain[s.Subdomain]; cur == s {
		delete(r.bySubdomain, s.Subdomain)
	}
	if s.TCPPort != 0 {
		if cur := r.byPort[s.TCPPort]; cur == s {
			delete(r.byPort, s.TCPPort)
		}
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// TunnelInfo is the admin-facing view of one active session.
type TunnelInfo struct {
	ID        string    `json:"id"`
	Subdomain string    `json:"subdomain"`
	Protocol  string    `json:"protocol"`
	Remote    string    `json:"remote"`
	TCPPort   int       `json:"tcp_port,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	Requests int64 `json:"requests"`
	BytesIn  int64 `json:"bytes_in"`
	BytesOut int64 `json:"bytes_out"`
	TCPConns int64 `json:"tcp_conns"`
}

func (r *Registry) Snapshot() []TunnelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]TunnelInfo, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s.Info())
	}
	return out
}

// CloseAll closes every active session. Used at broker shutdown; the control
// channel handlers unregister as each session drains.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.Close()
	}
}
