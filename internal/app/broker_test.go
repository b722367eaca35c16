package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"burrow/internal/agent"
	"burrow/internal/ingress"
	"burrow/internal/protocol"
	"burrow/internal/server"
	"burrow/internal/tunnel"
)

const testDomain = "tunnel.test"

// startBroker wires the broker surfaces the way RunBroker does, on an
// ephemeral listener.
func startBroker(t *testing.T) (*httptest.Server, *tunnel.Registry) {
	t.Helper()

	registry := tunnel.NewRegistry(nil, nil)
	binder := server.NewManager(server.ManagerOptions{PortMin: 42200, PortMax: 42260})
	t.Cleanup(func() { _ = binder.Shutdown(context.Background()) })

	control, err := tunnel.NewServer(tunnel.ServerOptions{
		Domain:          testDomain,
		Scheme:          "http",
		Registry:        registry,
		Binder:          binder,
		RegisterTimeout: 3 * time.Second,
		DispatchTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("tunnel.NewServer: %v", err)
	}
	public, err := ingress.NewHandler(ingress.Options{
		Domain:   testDomain,
		Registry: registry,
		Deadline: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("ingress.NewHandler: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/tunnel" && public.Subdomain(r.Host) == "" {
			control.ServeHTTP(w, r)
			return
		}
		public.ServeHTTP(w, r)
	}))
	t.Cleanup(func() {
		registry.CloseAll()
		srv.Close()
	})
	return srv, registry
}

func startAgent(t *testing.T, cfg agent.Config) (*agent.Agent, *agent.TunnelInfo) {
	t.Helper()

	events := make(chan agent.Event, 32)
	cfg.OnEvent = func(e agent.Event) {
		select {
		case events <- e:
		default:
		}
	}
	ag, err := agent.New(cfg)
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	go func() { _ = ag.Run(context.Background()) }()
	t.Cleanup(func() { _ = ag.Close() })

	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Kind == agent.EventConnected {
				return ag, e.Info
			}
		case <-deadline:
			t.Fatal("agent never connected")
		}
	}
}

func localPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatalf("split %s: %v", srv.URL, err)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		t.Fatalf("parse port %q: %v", portStr, err)
	}
	return port
}

func publicGet(t *testing.T, brokerURL, sub, path string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest("GET", brokerURL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Host = sub + "." + testDomain
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("public request: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(body)
}

func TestHTTPTunnelEndToEnd(t *testing.T) {
	broker, _ := startBroker(t)

	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Origin", "local")
		fmt.Fprintf(w, "hello from %s", r.URL.Path)
	}))
	defer local.Close()

	_, info := startAgent(t, agent.Config{
		ServerURL: broker.URL,
		LocalPort: localPort(t, local),
		LocalHost: "127.0.0.1",
		Subdomain: "itest",
	})
	if info.Subdomain != "itest" {
		t.Fatalf("subdomain = %q", info.Subdomain)
	}
	if info.PublicURL != "http://itest."+testDomain {
		t.Fatalf("public url = %q", info.PublicURL)
	}

	resp, body := publicGet(t, broker.URL, "itest", "/greet")
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, body = %q", resp.StatusCode, body)
	}
	if body != "hello from /greet" {
		t.Fatalf("body = %q", body)
	}
	if resp.Header.Get("X-Origin") != "local" {
		t.Fatal("response header lost in transit")
	}
}

func TestHTTPTunnelLocalDown(t *testing.T) {
	broker, _ := startBroker(t)

	// Find a port with nothing listening on it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadPort := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	startAgent(t, agent.Config{
		ServerURL: broker.URL,
		LocalPort: deadPort,
		LocalHost: "127.0.0.1",
		Subdomain: "deadend",
	})

	resp, body := publicGet(t, broker.URL, "deadend", "/")
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if body != "Bad Gateway: Local server not responding" {
		t.Fatalf("body = %q", body)
	}
}

func TestSubdomainTakenRejected(t *testing.T) {
	broker, _ := startBroker(t)

	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer local.Close()
	port := localPort(t, local)

	startAgent(t, agent.Config{
		ServerURL: broker.URL,
		LocalPort: port,
		LocalHost: "127.0.0.1",
		Subdomain: "claimed",
	})

	second, err := agent.New(agent.Config{
		ServerURL:     broker.URL,
		LocalPort:     port,
		LocalHost:     "127.0.0.1",
		Subdomain:     "claimed",
		MaxReconnects: 1,
	})
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	err = second.Run(context.Background())
	var rerr *agent.RegisterError
	if !errors.As(err, &rerr) || rerr.Code != protocol.CodeSubdomainTaken {
		t.Fatalf("Run = %v, want SUBDOMAIN_TAKEN rejection", err)
	}
}

func TestTCPTunnelEndToEnd(t *testing.T) {
	broker, _ := startBroker(t)

	// Local line echo service.
	echoLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer echoLn.Close()
	go func() {
		for {
			conn, err := echoLn.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}(conn)
		}
	}()

	_, info := startAgent(t, agent.Config{
		ServerURL: broker.URL,
		LocalPort: echoLn.Addr().(*net.TCPAddr).Port,
		LocalHost: "127.0.0.1",
		Protocol:  protocol.ProtoTCP,
	})
	if info.TCPPort == 0 {
		t.Fatalf("no tcp port assigned: %+v", info)
	}
	if !strings.HasPrefix(info.PublicURL, "tcp://") {
		t.Fatalf("public url = %q", info.PublicURL)
	}

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", info.TCPPort), 3*time.Second)
	if err != nil {
		t.Fatalf("dial public tcp port: %v", err)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write([]byte("ping\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if line != "ping\n" {
		t.Fatalf("echo = %q", line)
	}
}

func TestRandomSubdomainAssigned(t *testing.T) {
	broker, reg := startBroker(t)

	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer local.Close()

	_, info := startAgent(t, agent.Config{
		ServerURL: broker.URL,
		LocalPort: localPort(t, local),
		LocalHost: "127.0.0.1",
	})
	if info.Subdomain == "" {
		t.Fatal("no subdomain assigned")
	}
	if reg.Lookup(info.Subdomain) == nil {
		t.Fatalf("assigned subdomain %q not registered", info.Subdomain)
	}

	if resp, body := publicGet(t, broker.URL, info.Subdomain, "/"); resp.StatusCode != 200 || body != "ok" {
		t.Fatalf("status=%d body=%q", resp.StatusCode, body)
	}
}
