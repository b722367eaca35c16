package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"burrow/internal/protocol"
	"burrow/internal/requestlog"
)

var (
	ErrTimeout       = errors.New("tunnel: request deadline exceeded")
	ErrSessionClosed = errors.New("tunnel: session closed")
	ErrConnNotFound  = errors.New("tunnel: unknown tcp connection")
)

type SessionOptions struct {
	Conn   *websocket.Conn
	Logger *slog.Logger
	Sink   requestlog.Sink

	// SendQueue bounds the writer queue; enqueue blocks when full so
	// backpressure reaches the producers.
	SendQueue       int
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	DispatchTimeout time.Duration
}

// Session is the broker-side state bound to one agent control channel. It
// exclusively owns the channel: a single reader goroutine consumes frames and
// a single writer goroutine emits them, fed by a bounded queue.
type Session struct {
	ID        string
	Subdomain string
	Protocol  string
	LocalHost string
	LocalPort int
	TCPPort   int
	Remote    string
	CreatedAt time.Time

	// PasswordHash is a bcrypt hash; empty means no password gate.
	PasswordHash []byte

	allowList []netip.Prefix

	conn   *websocket.Conn
	logger *slog.Logger
	sink   requestlog.Sink

	writeTimeout    time.Duration
	idleTimeout     time.Duration
	dispatchTimeout time.Duration

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	closed  bool
	pending map[string]*pendingRequest
	conns   map[string]net.Conn

	reqSeq  atomic.Uint64
	connSeq atomic.Uint64

	requests atomic.Int64
	bytesIn  atomic.Int64
	bytesOut atomic.Int64
	tcpOpen  atomic.Int64
	tcpTotal atomic.Int64
}

type dispatchResult struct {
	resp *protocol.ResponsePayload
	err  error
}

type pendingRequest struct {
	ch       chan dispatchResult
	deadline time.Time
}

func NewSession(id string, opts SessionOptions) *Session {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Sink == nil {
		opts.Sink = requestlog.Nop()
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = 64
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 90 * time.Second
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = 30 * time.Second
	}
	s := &Session{
		ID:              id,
		CreatedAt:       time.Now(),
		conn:            opts.Conn,
		logger:          opts.Logger.With("tunnel", id),
		sink:            opts.Sink,
		writeTimeout:    opts.WriteTimeout,
		idleTimeout:     opts.IdleTimeout,
		dispatchTimeout: opts.DispatchTimeout,
		send:            make(chan []byte, opts.SendQueue),
		done:            make(chan struct{}),
		pending:         map[string]*pendingRequest{},
		conns:           map[string]net.Conn{},
	}
	if ra := opts.Conn.RemoteAddr(); ra != nil {
		s.Remote = ra.String()
	}
	return s
}

// SetIPAllowList parses exact-IP and CIDR entries. An empty list admits any
// client.
func (s *Session) SetIPAllowList(entries []string) error {
	var prefixes []netip.Prefix
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if p, err := netip.ParsePrefix(e); err == nil {
			prefixes = append(prefixes, p)
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return fmt.Errorf("tunnel: bad allow list entry %q: %w", e, err)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	s.allowList = prefixes
	return nil
}

func (s *Session) IPAllowed(addr netip.Addr) bool {
	if len(s.allowList) == 0 {
		return true
	}
	for _, p := range s.allowList {
		if p.Contains(addr.Unmap()) {
			return true
		}
	}
	return false
}

// VerifyPassword reports whether the given password opens this tunnel. A
// tunnel without a password hash admits everyone.
func (s *Session) VerifyPassword(password string) bool {
	if len(s.PasswordHash) == 0 {
		return true
	}
	return bcrypt.CompareHashAndPassword(s.PasswordHash, []byte(password)) == nil
}

func (s *Session) HasPassword() bool { return len(s.PasswordHash) > 0 }

// Run drives the session until the control channel closes. The caller should
// have completed the registration handshake already; Run owns the channel
// from here on.
func (s *Session) Run(ctx context.Context) {
	go s.writeLoop()
	go s.expireLoop(ctx)
	s.readLoop()
	s.Close()
}

func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) readLoop() {
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("tunnel: control channel read ended", "err", err)
			}
			return
		}
		f, err := protocol.Unmarshal(data)
		if err != nil {
			s.logger.Warn("tunnel: bad frame", "err", err)
			continue
		}
		s.handleFrame(f)
	}
}

func (s *Session) handleFrame(f protocol.Frame) {
	switch f.Type {
	case protocol.TypeResponse:
		var p protocol.ResponsePayload
		if err := f.DecodePayload(&p); err != nil {
			s.logger.Warn("tunnel: bad response payload", "err", err)
			return
		}
		s.resolve(f.RequestID, dispatchResult{resp: &p})
	case protocol.TypePing:
		pong, _ := protocol.New(protocol.TypePong, nil)
		_ = s.enqueue(pong)
	case protocol.TypeTCPData:
		var p protocol.TCPDataPayload
		if err := f.DecodePayload(&p); err != nil {
			s.logger.Warn("tunnel: bad tcp_data payload", "conn", f.ConnectionID, "err", err)
			return
		}
		b, err := p.DecodeData()
		if err != nil {
			s.logger.Warn("tunnel: bad tcp_data encoding", "conn", f.ConnectionID, "err", err)
			return
		}
		s.deliverTCP(f.ConnectionID, b)
	case protocol.TypeTCPClose:
		s.CloseTCP(f.ConnectionID, false)
	case protocol.TypeTCPError:
		var p protocol.TCPErrorPayload
		_ = f.DecodePayload(&p)
		s.logger.Debug("tunnel: tcp_error from agent", "conn", f.ConnectionID, "code", p.Code, "msg", p.Message)
		s.CloseTCP(f.ConnectionID, false)
	default:
		s.logger.Warn("tunnel: ignoring unknown frame type", "type", string(f.Type))
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.Debug("tunnel: control channel write failed", "err", err)
				s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// expireLoop resolves pending requests whose deadline has passed. A late
// response for an expired id is discarded by resolve.
func (s *Session) expireLoop(ctx context.Context) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case now := <-t.C:
			var expired []*pendingRequest
			s.mu.Lock()
			for id, pr := range s.pending {
				if now.After(pr.deadline) {
					delete(s.pending, id)
					expired = append(expired, pr)
				}
			}
			s.mu.Unlock()
			for _, pr := range expired {
				pr.ch <- dispatchResult{err: ErrTimeout}
			}
		}
	}
}

func (s *Session) enqueue(f protocol.Frame) error {
	b, err := protocol.Marshal(f)
	if err != nil {
		return err
	}
	select {
	case s.send <- b:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// DispatchHTTP forwards one public HTTP request over the control channel and
// waits for the correlated response, the deadline, or session close.
func (s *Session) DispatchHTTP(ctx context.Context, method, path string, headers map[string][]string, body []byte) (*protocol.ResponsePayload, error) {
	id := fmt.Sprintf("r-%d", s.reqSeq.Add(1))

	deadline := time.Now().Add(s.dispatchTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	pr := &pendingRequest{ch: make(chan dispatchResult, 1), deadline: deadline}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.pending[id] = pr
	s.mu.Unlock()

	bodyStr, b64 := protocol.EncodeBody(body)
	f, err := protocol.New(protocol.TypeRequest, protocol.RequestPayload{
		Method:     method,
		Path:       path,
		Headers:    headers,
		Body:       bodyStr,
		BodyBase64: b64,
	})
	if err != nil {
		s.dropPending(id)
		return nil, err
	}
	if err := s.enqueue(f.WithRequestID(id)); err != nil {
		s.dropPending(id)
		return nil, err
	}
	s.requests.Add(1)
	s.bytesIn.Add(int64(len(body)))

	select {
	case res := <-pr.ch:
		if res.resp != nil {
			s.bytesOut.Add(int64(len(res.resp.Body)))
		}
		return res.resp, res.err
	case <-ctx.Done():
		// Public client went away; a late response is discarded.
		s.dropPending(id)
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrSessionClosed
	}
}

func (s *Session) dropPending(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// resolve delivers a response to the waiter exactly once: whichever of the
// reader, the expirer, or Close removes the entry from the table wins.
func (s *Session) resolve(id string, res dispatchResult) {
	s.mu.Lock()
	pr := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if pr == nil {
		s.logger.Debug("tunnel: discarding late response", "request", id)
		return
	}
	pr.ch <- res
}

// OpenTCPConn registers a freshly accepted public socket and announces it to
// the agent. The session table entry exists for exactly as long as the public
// socket is open.
func (s *Session) OpenTCPConn(public net.Conn) (string, error) {
	id := fmt.Sprintf("t-%d", s.connSeq.Add(1))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrSessionClosed
	}
	s.conns[id] = public
	s.mu.Unlock()

	remoteHost, remotePort := splitAddr(public.RemoteAddr())
	f, err := protocol.New(protocol.TypeTCPConnect, protocol.TCPConnectPayload{
		RemoteAddress: remoteHost,
		RemotePort:    remotePort,
		LocalPort:     s.LocalPort,
	})
	if err == nil {
		err = s.enqueue(f.WithConnectionID(id))
	}
	if err != nil {
		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()
		return "", err
	}
	s.tcpOpen.Add(1)
	s.tcpTotal.Add(1)
	s.sink.Publish(requestlog.Event{Kind: requestlog.KindTCPOpen, Subdomain: s.Subdomain, ClientIP: remoteHost})
	return id, nil
}

// WriteTCP carries public-socket bytes to the agent as a tcp_data frame.
func (s *Session) WriteTCP(id string, b []byte) error {
	s.mu.Lock()
	_, ok := s.conns[id]
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	if !ok {
		return ErrConnNotFound
	}
	f, err := protocol.New(protocol.TypeTCPData, protocol.EncodeData(b))
	if err != nil {
		return err
	}
	if err := s.enqueue(f.WithConnectionID(id)); err != nil {
		return err
	}
	s.bytesIn.Add(int64(len(b)))
	return nil
}

// deliverTCP writes agent bytes to the public socket. The write happens on
// the reader goroutine on purpose: a slow public client blocks the reader and
// backpressure reaches the agent through the channel.
func (s *Session) deliverTCP(id string, b []byte) {
	s.mu.Lock()
	c := s.conns[id]
	s.mu.Unlock()
	if c == nil {
		s.logger.Debug("tunnel: tcp_data for unknown connection", "conn", id)
		return
	}
	if _, err := c.Write(b); err != nil {
		s.CloseTCP(id, true)
		return
	}
	s.bytesOut.Add(int64(len(b)))
}

// CloseTCP tears down one multiplexed connection. Idempotent; a single
// tcp_close is propagated when notify is set and the entry was still live.
func (s *Session) CloseTCP(id string, notify bool) {
	s.mu.Lock()
	c := s.conns[id]
	delete(s.conns, id)
	s.mu.Unlock()
	if c == nil {
		return
	}
	_ = c.Close()
	s.tcpOpen.Add(-1)
	if notify {
		f, _ := protocol.New(protocol.TypeTCPClose, nil)
		_ = s.enqueue(f.WithConnectionID(id))
	}
	s.sink.Publish(requestlog.Event{Kind: requestlog.KindTCPClose, Subdomain: s.Subdomain})
}

// Close is terminal and idempotent: every outstanding waiter resolves with
// ErrSessionClosed, all multiplexed sockets close, the channel drops.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		pending := s.pending
		conns := s.conns
		s.pending = map[string]*pendingRequest{}
		s.conns = map[string]net.Conn{}
		s.mu.Unlock()

		close(s.done)
		for _, pr := range pending {
			pr.ch <- dispatchResult{err: ErrSessionClosed}
		}
		for _, c := range conns {
			_ = c.Close()
		}
		_ = s.conn.Close()
		s.logger.Info("tunnel: session closed", "subdomain", s.Subdomain)
	})
}

func (s *Session) Info() TunnelInfo {
	return TunnelInfo{
		ID:        s.ID,
		Subdomain: s.Subdomain,
		Protocol:  s.Protocol,
		Remote:    s.Remote,
		TCPPort:   s.TCPPort,
		CreatedAt: s.CreatedAt,
		Requests:  s.requests.Load(),
		BytesIn:   s.bytesIn.Load(),
		BytesOut:  s.bytesOut.Load(),
		TCPConns:  s.tcpOpen.Load(),
	}
}

func splitAddr(a net.Addr) (host string, port int) {
	if a == nil {
		return "", 0
	}
	if ap, err := netip.ParseAddrPort(a.String()); err == nil {
		return ap.Addr().String(), int(ap.Port())
	}
	return a.String(), 0
}
