package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"burrow/internal/authorizer"
	"burrow/internal/protocol"
	"burrow/internal/requestlog"
)

// TCPBinder opens a public listener for a TCP-mode session at registration
// and releases the port when the session ends.
type TCPBinder interface {
	Bind(ctx context.Context, s *Session) (port int, err error)
	Release(port int)
}

type tunnelMetrics interface {
	IncTunnels()
	DecTunnels()
}

type ServerOptions struct {
	// Domain is the broker base domain; HTTP tunnels are addressed as
	// <subdomain>.<Domain> and TCP URLs use the domain as host.
	Domain string
	// Scheme for public HTTP tunnel URLs. Defaults to https.
	Scheme string

	Registry   *Registry
	Authorizer authorizer.Authorizer
	Binder     TCPBinder
	Sink       requestlog.Sink
	Metrics    tunnelMetrics
	Logger     *slog.Logger

	RegisterTimeout time.Duration
	DispatchTimeout time.Duration
	IdleTimeout     time.Duration
}

// Server terminates agent control channels: it upgrades /tunnel requests,
// runs the REGISTER handshake, and hands the channel to a Session.
type Server struct {
	opts     ServerOptions
	upgrader websocket.Upgrader
	wg       sync.WaitGroup
}

func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Domain == "" {
		return nil, fmt.Errorf("tunnel: server domain is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("tunnel: registry is required")
	}
	if opts.Scheme == "" {
		opts.Scheme = "https"
	}
	if opts.Authorizer == nil {
		opts.Authorizer = authorizer.AllowAll()
	}
	if opts.Sink == nil {
		opts.Sink = requestlog.Nop()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RegisterTimeout <= 0 {
		opts.RegisterTimeout = 10 * time.Second
	}
	return &Server{
		opts: opts,
		upgrader: websocket.Upgrader{
			// Agents are not browsers; origin checks do not apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.opts.Logger.Warn("tunnel: upgrade failed", "client", r.RemoteAddr, "err", err)
		return
	}
	// The request context dies with ServeHTTP; the control channel outlives
	// it and is bounded by the connection itself.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.handleConn(context.Background(), conn)
	}()
}

func (s *Server) handleConn(ctx context.Context, conn *websocket.Conn) {
	remote := ""
	if ra := conn.RemoteAddr(); ra != nil {
		remote = ra.String()
	}

	// First frame must be the register request.
	_ = conn.SetReadDeadline(time.Now().Add(s.opts.RegisterTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		s.opts.Logger.Warn("tunnel: read register failed", "client", remote, "err", err)
		_ = conn.Close()
		return
	}
	f, err := protocol.Unmarshal(data)
	if err != nil || f.Type != protocol.TypeRegister {
		s.rejectConn(conn, protocol.CodeAuthRejected, "expected register frame")
		return
	}
	var reg protocol.RegisterPayload
	if err := f.DecodePayload(&reg); err != nil {
		s.rejectConn(conn, protocol.CodeAuthRejected, "bad register payload")
		return
	}
	if reg.LocalPort <= 0 || reg.LocalPort > 65535 {
		s.rejectConn(conn, protocol.CodeAuthRejected, fmt.Sprintf("invalid local port %d", reg.LocalPort))
		return
	}
	proto := reg.Protocol
	if proto == "" {
		proto = protocol.ProtoHTTP
	}
	if proto != protocol.ProtoHTTP && proto != protocol.ProtoTCP {
		s.rejectConn(conn, protocol.CodeAuthRejected, fmt.Sprintf("unknown protocol %q", reg.Protocol))
		return
	}

	decision, err := s.opts.Authorizer.Authorize(ctx, authorizer.Request{
		Subdomain:  reg.Subdomain,
		Password:   reg.Password,
		Protocol:   proto,
		ClientAddr: remote,
	})
	if err != nil {
		s.opts.Logger.Warn("tunnel: authorizer failed", "client", remote, "err", err)
		s.rejectConn(conn, protocol.CodeAuthRejected, "registration not authorized")
		return
	}
	if !decision.Allow {
		s.rejectConn(conn, protocol.CodeAuthRejected, decision.Reason)
		return
	}

	sess := NewSession(uuid.NewString(), SessionOptions{
		Conn:            conn,
		Logger:          s.opts.Logger,
		Sink:            s.opts.Sink,
		DispatchTimeout: s.opts.DispatchTimeout,
		IdleTimeout:     s.opts.IdleTimeout,
	})
	sess.Protocol = proto
	sess.LocalHost = reg.LocalHost
	sess.LocalPort = reg.LocalPort
	if reg.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(reg.Password), bcrypt.DefaultCost)
		if err != nil {
			s.rejectConn(conn, protocol.CodeAuthRejected, "bad password")
			return
		}
		sess.PasswordHash = hash
	}
	if err := sess.SetIPAllowList(decision.IPAllowList); err != nil {
		s.opts.Logger.Warn("tunnel: bad authorizer allow list", "client", remote, "err", err)
		s.rejectConn(conn, protocol.CodeAuthRejected, "bad allow list")
		return
	}

	desired := reg.Subdomain
	if decision.ReassignSubdomain {
		desired = ""
	}
	name, err := s.opts.Registry.Register(desired, sess)
	if err != nil {
		code := protocol.CodeSubdomainInvalid
		switch {
		case errors.Is(err, ErrSubdomainTaken):
			code = protocol.CodeSubdomainTaken
		case errors.Is(err, ErrSubdomainReserved):
			code = protocol.CodeSubdomainReserved
		}
		s.rejectConn(conn, code, err.Error())
		return
	}

	registered := protocol.RegisteredPayload{
		TunnelID:  sess.ID,
		Subdomain: name,
		Protocol:  proto,
		PublicURL: fmt.Sprintf("%s://%s.%s", s.opts.Scheme, name, s.opts.Domain),
	}
	if proto == protocol.ProtoTCP {
		if s.opts.Binder == nil {
			s.opts.Registry.Unregister(sess.ID)
			s.rejectConn(conn, protocol.CodeNoPortsAvailable, "tcp tunnels are disabled")
			return
		}
		port, err := s.opts.Binder.Bind(ctx, sess)
		if err != nil {
			s.opts.Registry.Unregister(sess.ID)
			s.rejectConn(conn, protocol.CodeNoPortsAvailable, err.Error())
			return
		}
		sess.TCPPort = port
		s.opts.Registry.BindPort(port, sess)
		registered.TCPPort = port
		registered.PublicURL = fmt.Sprintf("tcp://%s:%d", s.opts.Domain, port)
	}

	// The session writer is not running yet, so writing directly here keeps
	// the single-writer rule.
	rf, _ := protocol.New(protocol.TypeRegistered, registered)
	rb, _ := protocol.Marshal(rf)
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, rb); err != nil {
		s.cleanup(sess)
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	s.opts.Logger.Info("tunnel: registered",
		"tunnel", sess.ID, "subdomain", name, "protocol", proto,
		"client", remote, "public_url", registered.PublicURL)
	if s.opts.Metrics != nil {
		s.opts.Metrics.IncTunnels()
	}

	sess.Run(ctx)

	s.cleanup(sess)
	if s.opts.Metrics != nil {
		s.opts.Metrics.DecTunnels()
	}
	s.opts.Logger.Info("tunnel: unregistered", "tunnel", sess.ID, "subdomain", name, "client", remote)
}

func (s *Server) cleanup(sess *Session) {
	sess.Close()
	s.opts.Registry.Unregister(sess.ID)
	if sess.TCPPort != 0 && s.opts.Binder != nil {
		s.opts.Binder.Release(sess.TCPPort)
	}
}

// rejectConn emits an error frame and closes the channel; the session never
// reaches ACTIVE.
func (s *Server) rejectConn(conn *websocket.Conn, code, msg string) {
	f, err := protocol.New(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: msg})
	if err == nil {
		if b, err := protocol.Marshal(f); err == nil {
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			_ = conn.WriteMessage(websocket.TextMessage, b)
		}
	}
	_ = conn.Close()
}

// Shutdown waits for in-flight control channels to finish. Callers close the
// sessions first (via registry teardown or context cancellation).
func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
