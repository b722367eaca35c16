package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"

	"burrow/internal/tunnel"
)

var ErrNoFreePorts = errors.New("server: no free ports in range")

const allocateAttempts = 32

type ManagerOptions struct {
	// Public TCP tunnel ports are drawn from [PortMin, PortMax].
	PortMin int
	PortMax int
	// ChunkSize bounds each tcp_data frame payload read from a public socket.
	ChunkSize int
	Logger    *slog.Logger
}

// Manager owns the public listeners for TCP tunnels: one listener per
// session, opened at registration and torn down with the session.
type Manager struct {
	opts ManagerOptions

	mu       sync.Mutex
	bindings map[int]*binding

	wg sync.WaitGroup
}

type binding struct {
	port int
	ln   net.Listener
	sess *tunnel.Session
	wg   sync.WaitGroup
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.PortMin <= 0 {
		opts.PortMin = 10000
	}
	if opts.PortMax <= 0 || opts.PortMax > 65535 {
		opts.PortMax = 65535
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 64 * 1024
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{opts: opts, bindings: map[int]*binding{}}
}

// Bind allocates an unused port, opens the public listener, and starts
// accepting for the session. Port draws losing the listen race are retried a
// bounded number of times.
func (m *Manager) Bind(_ context.Context, sess *tunnel.Session) (int, error) {
	span := m.opts.PortMax - m.opts.PortMin + 1

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.bindings) >= span {
		return 0, ErrNoFreePorts
	}
	for i := 0; i < allocateAttempts; i++ {
		port := m.opts.PortMin + rand.Intn(span)
		if _, used := m.bindings[port]; used {
			continue
		}
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			// Port taken outside our bookkeeping; draw again.
			continue
		}
		b := &binding{port: port, ln: ln, sess: sess}
		m.bindings[port] = b
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.serve(b)
		}()
		m.opts.Logger.Info("server: tcp tunnel listening", "port", port, "tunnel", sess.ID)
		return port, nil
	}
	return 0, ErrNoFreePorts
}

// Release closes the listener and returns the port to the pool after
// outstanding accept handlers have drained. Idempotent.
func (m *Manager) Release(port int) {
	m.mu.Lock()
	b := m.bindings[port]
	m.mu.Unlock()
	if b == nil {
		return
	}
	_ = b.ln.Close()
	b.wg.Wait()

	m.mu.Lock()
	delete(m.bindings, port)
	m.mu.Unlock()
	m.opts.Logger.Info("server: tcp tunnel released", "port", port)
}

func (m *Manager) serve(b *binding) {
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				m.opts.Logger.Warn("server: accept failed", "port", b.port, "err", err)
			}
			return
		}
		b.wg.Add(1)
		go func(c net.Conn) {
			defer b.wg.Done()
			m.handleConn(b, c)
		}(conn)
	}
}

// handleConn shuttles bytes from one public socket into the session as
// bounded tcp_data chunks. Agent-to-public bytes are written by the session
// reader directly; this side only pumps public-to-agent.
func (m *Manager) handleConn(b *binding, conn net.Conn) {
	id, err := b.sess.OpenTCPConn(conn)
	if err != nil {
		_ = conn.Close()
		return
	}

	buf := make([]byte, m.opts.ChunkSize)
	for {
		n, rerr := conn.Read(buf)
		if n > 0 {
			if werr := b.sess.WriteTCP(id, buf[:n]); werr != nil {
				b.sess.CloseTCP(id, false)
				_ = conn.Close()
				return
			}
		}
		if rerr != nil {
			// Public side finished (or failed): propagate one tcp_close.
			b.sess.CloseTCP(id, true)
			return
		}
	}
}

// Ports returns the currently bound ports, for the admin surface.
func (m *Manager) Ports() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, len(m.bindings))
	for p := range m.bindings {
		out = append(out, p)
	}
	return out
}

func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, b := range m.bindings {
		_ = b.ln.Close()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
