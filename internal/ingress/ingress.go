package ingress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"burrow/internal/protocol"
	"burrow/internal/requestlog"
	"burrow/internal/tunnel"
)

type ingressMetrics interface {
	AddRequest(subdomain string)
	AddIngress(n int64)
	AddEgress(n int64)
}

type Options struct {
	// Domain is the broker base domain; requests for <sub>.<Domain> are
	// dispatched to the tunnel registered under <sub>.
	Domain string

	Registry *tunnel.Registry
	Sink     requestlog.Sink
	Metrics  ingressMetrics
	Logger   *slog.Logger

	// BodyCap bounds request bodies; larger bodies get 413.
	BodyCap int64
	// Deadline bounds each dispatched request; expiry returns 504.
	Deadline time.Duration
}

// Handler is the public HTTP dispatcher: it routes by Host subdomain,
// enforces per-tunnel access policy, and forwards verbatim over the tunnel.
type Handler struct {
	opts Options
}

func NewHandler(opts Options) (*Handler, error) {
	if opts.Domain == "" {
		return nil, fmt.Errorf("ingress: domain is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("ingress: registry is required")
	}
	if opts.Sink == nil {
		opts.Sink = requestlog.Nop()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BodyCap <= 0 {
		opts.BodyCap = 1 << 20
	}
	if opts.Deadline <= 0 {
		opts.Deadline = 30 * time.Second
	}
	opts.Domain = strings.ToLower(opts.Domain)
	return &Handler{opts: opts}, nil
}

// Subdomain extracts the leftmost tunnel label from a request host, or ""
// when the host is not under the base domain.
func (h *Handler) Subdomain(host string) string {
	host = strings.ToLower(stripPort(host))
	if host == h.opts.Domain {
		return ""
	}
	rest, ok := strings.CutSuffix(host, "."+h.opts.Domain)
	if !ok {
		return ""
	}
	if i := strings.LastIndexByte(rest, '.'); i >= 0 {
		// Only the leftmost label under the base domain routes; anything
		// deeper is taken as-is from the label nearest the base.
		rest = rest[i+1:]
	}
	return rest
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sub := h.Subdomain(r.Host)
	clientIP := clientIP(r)

	status, bytesOut := h.dispatch(w, r, sub, clientIP)

	h.opts.Sink.Publish(requestlog.Event{
		Kind:      requestlog.KindHTTP,
		Subdomain: sub,
		Method:    r.Method,
		Path:      r.URL.RequestURI(),
		Status:    status,
		BytesIn:   r.ContentLength,
		BytesOut:  bytesOut,
		Duration:  time.Since(start),
		ClientIP:  clientIP,
		UserAgent: r.UserAgent(),
	})
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request, sub, clientIP string) (status int, bytesOut int64) {
	if sub == "" {
		return h.fail(w, http.StatusBadGateway, protocol.CodeTunnelNotFound,
			fmt.Sprintf("no tunnel host in %q", r.Host))
	}
	sess := h.opts.Registry.Lookup(sub)
	if sess == nil {
		return h.fail(w, http.StatusBadGateway, protocol.CodeTunnelNotFound,
			fmt.Sprintf("no active tunnel for %q", sub))
	}

	if sess.HasPassword() {
		_, pass, ok := r.BasicAuth()
		if !ok || !sess.VerifyPassword(pass) {
			w.Header().Set("WWW-Authenticate", `Basic realm="tunnel"`)
			return h.fail(w, http.StatusUnauthorized, "PASSWORD_REQUIRED", "this tunnel is password protected")
		}
	}

	if addr, err := netip.ParseAddr(clientIP); err == nil {
		if !sess.IPAllowed(addr) {
			return h.fail(w, http.StatusForbidden, protocol.CodeIPBlocked,
				fmt.Sprintf("%s is not allowed", clientIP))
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.opts.BodyCap)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return h.fail(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE",
				fmt.Sprintf("request body exceeds %d bytes", h.opts.BodyCap))
		}
		return h.fail(w, http.StatusBadRequest, "BAD_REQUEST", "could not read request body")
	}

	if h.opts.Metrics != nil {
		h.opts.Metrics.AddRequest(sub)
		h.opts.Metrics.AddIngress(int64(len(body)))
	}

	headers := stripHopByHop(r.Header)
	ctx, cancel := context.WithTimeout(r.Context(), h.opts.Deadline)
	defer cancel()

	resp, err := sess.DispatchHTTP(ctx, r.Method, r.URL.RequestURI(), headers, body)
	switch {
	case err == nil:
	case errors.Is(err, tunnel.ErrTimeout):
		return h.fail(w, http.StatusGatewayTimeout, "TUNNEL_TIMEOUT", "tunnel did not respond in time")
	case errors.Is(err, tunnel.ErrSessionClosed):
		return h.fail(w, http.StatusBadGateway, protocol.CodeTunnelDisconnected, "tunnel disconnected")
	case errors.Is(err, context.DeadlineExceeded):
		return h.fail(w, http.StatusGatewayTimeout, "TUNNEL_TIMEOUT", "tunnel did not respond in time")
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful can be written.
		h.opts.Logger.Debug("ingress: client canceled", "subdomain", sub, "err", err)
		return 499, 0
	default:
		h.opts.Logger.Warn("ingress: dispatch failed", "subdomain", sub, "err", err)
		return h.fail(w, http.StatusBadGateway, protocol.CodeTunnelDisconnected, "tunnel dispatch failed")
	}

	respBody, err := protocol.DecodeBody(resp.Body, resp.BodyBase64)
	if err != nil {
		h.opts.Logger.Warn("ingress: bad response body encoding", "subdomain", sub, "err", err)
		return h.fail(w, http.StatusBadGateway, protocol.CodeTunnelDisconnected, "bad tunnel response")
	}

	wh := w.Header()
	for k, vs := range stripHopByHop(resp.Headers) {
		for _, v := range vs {
			wh.Add(k, v)
		}
	}
	code := resp.StatusCode
	if code < 100 || code > 599 {
		code = http.StatusBadGateway
	}
	w.WriteHeader(code)
	n, _ := w.Write(respBody)
	if h.opts.Metrics != nil {
		h.opts.Metrics.AddEgress(int64(n))
	}
	return code, int64(n)
}

func (h *Handler) fail(w http.ResponseWriter, status int, code, msg string) (int, int64) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	n, _ := fmt.Fprintf(w, "%s: %s\n", code, msg)
	return status, int64(n)
}

// Hop-by-hop headers are stripped in both directions; everything else is
// forwarded verbatim.
var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Proxy-Connection":    {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func stripHopByHop(in map[string][]string) map[string][]string {
	if in == nil {
		return nil
	}
	out := make(map[string][]string, len(in))
	dropped := map[string]struct{}{}
	for _, v := range in["Connection"] {
		for _, tok := range strings.Split(v, ",") {
			dropped[http.CanonicalHeaderKey(strings.TrimSpace(tok))] = struct{}{}
		}
	}
	for k, vs := range in {
		ck := http.CanonicalHeaderKey(k)
		if _, hop := hopByHop[ck]; hop {
			continue
		}
		if _, hop := dropped[ck]; hop {
			continue
		}
		out[ck] = vs
	}
	return out
}

// clientIP prefers the first forwarded-for entry, falling back to the socket
// address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
