package agent

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"burrow/internal/protocol"
)

// link is one live control connection. Reconnection replaces the link; the
// Agent itself carries only configuration and the current tunnel identity.
type link struct {
	a    *Agent
	conn *websocket.Conn

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	locals map[string]*localConn

	lastSeen atomic.Int64
}

// localConn is one multiplexed connection to the local service. The table
// entry is registered on the read goroutine the moment tcp_connect arrives,
// so frames that follow it on the control channel always find it; data that
// lands before the dial finishes is buffered and flushed once the socket is
// up, and a close racing the dial marks the entry so the late socket is
// dropped instead of leaked.
type localConn struct {
	mu      sync.Mutex
	conn    net.Conn
	pending [][]byte
	closed  bool
}

func newLink(a *Agent, conn *websocket.Conn) *link {
	l := &link{
		a:      a,
		conn:   conn,
		send:   make(chan []byte, 64),
		done:   make(chan struct{}),
		locals: map[string]*localConn{},
	}
	l.lastSeen.Store(time.Now().UnixNano())
	return l
}

// serve runs the link until the control channel dies or the agent closes.
func (l *link) serve(ctx context.Context) error {
	go l.writeLoop()
	go l.heartbeatLoop(ctx)

	err := l.readLoop()
	l.close()
	return err
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.done)
		_ = l.conn.Close()

		l.mu.Lock()
		locals := l.locals
		l.locals = map[string]*localConn{}
		l.mu.Unlock()
		for _, lc := range locals {
			lc.mu.Lock()
			lc.closed = true
			lc.pending = nil
			conn := lc.conn
			lc.mu.Unlock()
			if conn != nil {
				_ = conn.Close()
			}
		}
	})
}

func (l *link) enqueue(f protocol.Frame) error {
	b, err := protocol.Marshal(f)
	if err != nil {
		return err
	}
	select {
	case l.send <- b:
		return nil
	case <-l.done:
		return ErrClosed
	}
}

func (l *link) writeLoop() {
	for {
		select {
		case msg := <-l.send:
			_ = l.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := l.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				l.close()
				return
			}
		case <-l.done:
			return
		}
	}
}

// heartbeatLoop sends a ping every interval and drops the link after three
// silent intervals.
func (l *link) heartbeatLoop(ctx context.Context) {
	t := time.NewTicker(l.a.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			if time.Since(time.Unix(0, l.lastSeen.Load())) > 3*l.a.cfg.HeartbeatInterval {
				l.a.logger.Warn("agent: control channel silent, dropping link")
				l.close()
				return
			}
			ping, _ := protocol.New(protocol.TypePing, nil)
			_ = l.enqueue(ping)
		}
	}
}

func (l *link) readLoop() error {
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			return err
		}
		l.lastSeen.Store(time.Now().UnixNano())

		f, err := protocol.Unmarshal(data)
		if err != nil {
			l.a.logger.Warn("agent: bad frame", "err", err)
			continue
		}
		switch f.Type {
		case protocol.TypeRequest:
			go l.handleRequest(f)
		case protocol.TypeTCPConnect:
			// The table entry must exist before the next frame is read, so
			// that tcp_data and tcp_close arriving right behind the
			// tcp_connect are never applied against a missing connection.
			lc := &localConn{}
			l.mu.Lock()
			l.locals[f.ConnectionID] = lc
			l.mu.Unlock()
			go l.dialLocal(f.ConnectionID, lc)
		case protocol.TypeTCPData:
			l.handleTCPData(f)
		case protocol.TypeTCPClose:
			l.closeLocal(f.ConnectionID, false)
		case protocol.TypeTCPError:
			var p protocol.TCPErrorPayload
			_ = f.DecodePayload(&p)
			l.a.logger.Warn("agent: tcp_error from broker", "conn", f.ConnectionID, "code", p.Code, "msg", p.Message)
			l.closeLocal(f.ConnectionID, false)
		case protocol.TypePong:
			// Liveness already recorded above.
		case protocol.TypeError:
			var p protocol.ErrorPayload
			_ = f.DecodePayload(&p)
			return fmt.Errorf("agent: broker error: %s (%s)", p.Message, p.Code)
		default:
			l.a.logger.Warn("agent: ignoring unknown frame type", "type", string(f.Type))
		}
	}
}

// handleRequest performs the local HTTP call and sends back the correlated
// response. Local failures synthesize a 502 so the tunnel stays healthy.
func (l *link) handleRequest(f protocol.Frame) {
	var p protocol.RequestPayload
	if err := f.DecodePayload(&p); err != nil {
		l.a.logger.Warn("agent: bad request payload", "request", f.RequestID, "err", err)
		return
	}

	resp := l.fetchLocal(p)
	out, err := protocol.New(protocol.TypeResponse, resp)
	if err != nil {
		l.a.logger.Warn("agent: encode response failed", "request", f.RequestID, "err", err)
		return
	}
	if err := l.enqueue(out.WithRequestID(f.RequestID)); err != nil {
		return
	}
	l.a.emit(Event{Kind: EventRequest, Method: p.Method, Path: p.Path, StatusCode: resp.StatusCode})
	l.a.logger.Debug("agent: request forwarded", "method", p.Method, "path", p.Path, "status", resp.StatusCode)
}

func (l *link) fetchLocal(p protocol.RequestPayload) protocol.ResponsePayload {
	badGateway := protocol.ResponsePayload{
		StatusCode: http.StatusBadGateway,
		Headers:    map[string][]string{"Content-Type": {"text/plain"}},
		Body:       "Bad Gateway: Local server not responding",
	}

	body, err := protocol.DecodeBody(p.Body, p.BodyBase64)
	if err != nil {
		l.a.logger.Warn("agent: bad request body encoding", "err", err)
		return badGateway
	}

	target := fmt.Sprintf("http://%s%s", net.JoinHostPort(l.a.cfg.LocalHost, fmt.Sprint(l.a.cfg.LocalPort)), p.Path)
	ctx, cancel := context.WithTimeout(context.Background(), l.a.cfg.LocalTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, p.Method, target, strings.NewReader(string(body)))
	if err != nil {
		l.a.logger.Warn("agent: build local request failed", "err", err)
		return badGateway
	}
	for k, vs := range p.Headers {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	hr, err := l.a.httpc.Do(req)
	if err != nil {
		l.a.logger.Warn("agent: local request failed", "target", target, "err", err)
		return badGateway
	}
	defer hr.Body.Close()
	respBody, err := io.ReadAll(hr.Body)
	if err != nil {
		l.a.logger.Warn("agent: read local response failed", "err", err)
		return badGateway
	}

	headers := make(map[string][]string, len(hr.Header))
	for k, vs := range hr.Header {
		if isHopByHop(k) {
			continue
		}
		headers[k] = vs
	}
	bodyStr, b64 := protocol.EncodeBody(respBody)
	return protocol.ResponsePayload{
		StatusCode: hr.StatusCode,
		Headers:    headers,
		Body:       bodyStr,
		BodyBase64: b64,
	}
}

func isHopByHop(k string) bool {
	switch http.CanonicalHeaderKey(k) {
	case "Connection", "Keep-Alive", "Proxy-Connection", "Te", "Trailer", "Transfer-Encoding", "Upgrade":
		return true
	}
	return false
}

// dialLocal dials the local service for a new multiplexed connection, flushes
// any data buffered while the dial was in flight, and starts the
// local-to-broker pump. The localConn entry is already registered by readLoop.
func (l *link) dialLocal(id string, lc *localConn) {
	addr := net.JoinHostPort(l.a.cfg.LocalHost, fmt.Sprint(l.a.cfg.LocalPort))

	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		l.a.logger.Warn("agent: dial local failed", "conn", id, "local", addr, "err", err)
		l.closeLocal(id, false)
		ef, _ := protocol.New(protocol.TypeTCPError, protocol.TCPErrorPayload{
			Code:    protocol.CodeDialFailed,
			Message: err.Error(),
		})
		_ = l.enqueue(ef.WithConnectionID(id))
		cf, _ := protocol.New(protocol.TypeTCPClose, nil)
		_ = l.enqueue(cf.WithConnectionID(id))
		return
	}

	lc.mu.Lock()
	if lc.closed {
		// A tcp_close (or link teardown) won the race with the dial.
		lc.mu.Unlock()
		_ = conn.Close()
		return
	}
	lc.conn = conn
	pending := lc.pending
	lc.pending = nil
	var flushErr error
	for _, b := range pending {
		if _, err := conn.Write(b); err != nil {
			flushErr = err
			break
		}
	}
	lc.mu.Unlock()
	if flushErr != nil {
		l.closeLocal(id, true)
		return
	}

	buf := make([]byte, l.a.cfg.ChunkSize)
	for {
		n, rerr := conn.Read(buf)
		if n > 0 {
			df, err := protocol.New(protocol.TypeTCPData, protocol.EncodeData(buf[:n]))
			if err == nil {
				err = l.enqueue(df.WithConnectionID(id))
			}
			if err != nil {
				l.closeLocal(id, false)
				return
			}
		}
		if rerr != nil {
			l.closeLocal(id, true)
			return
		}
	}
}

func (l *link) handleTCPData(f protocol.Frame) {
	var p protocol.TCPDataPayload
	if err := f.DecodePayload(&p); err != nil {
		l.a.logger.Warn("agent: bad tcp_data payload", "conn", f.ConnectionID, "err", err)
		return
	}
	b, err := p.DecodeData()
	if err != nil {
		l.a.logger.Warn("agent: bad tcp_data encoding", "conn", f.ConnectionID, "err", err)
		return
	}

	l.mu.Lock()
	lc := l.locals[f.ConnectionID]
	l.mu.Unlock()
	if lc == nil {
		l.a.logger.Debug("agent: tcp_data for unknown connection", "conn", f.ConnectionID)
		return
	}

	lc.mu.Lock()
	if lc.conn == nil {
		if !lc.closed {
			lc.pending = append(lc.pending, b)
		}
		lc.mu.Unlock()
		return
	}
	conn := lc.conn
	lc.mu.Unlock()
	if _, err := conn.Write(b); err != nil {
		l.closeLocal(f.ConnectionID, true)
	}
}

// closeLocal tears down one local subconnection, idempotently, propagating a
// single tcp_close when this side initiated the close. Marking the entry
// closed also cancels an in-flight dial for it.
func (l *link) closeLocal(id string, notify bool) {
	l.mu.Lock()
	lc := l.locals[id]
	delete(l.locals, id)
	l.mu.Unlock()
	if lc == nil {
		return
	}

	lc.mu.Lock()
	lc.closed = true
	lc.pending = nil
	conn := lc.conn
	lc.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	if notify {
		cf, _ := protocol.New(protocol.TypeTCPClose, nil)
		_ = l.enqueue(cf.WithConnectionID(id))
	}
}
