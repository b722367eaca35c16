package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"burrow/internal/agent"
	"burrow/internal/protocol"
)

// EnvPassword supplies the tunnel password without putting it on the command
// line.
const EnvPassword = "LT_PASSWORD"

func main() {
	var (
		port      = flag.Int("port", 3000, "Local port to expose")
		host      = flag.String("host", "localhost", "Local host to expose")
		subdomain = flag.String("subdomain", "", "Requested subdomain (empty for a random one)")
		password  = flag.String("password", "", "Password protecting the tunnel (empty value prompts; LT_PASSWORD also works)")
		tcp       = flag.Bool("tcp", false, "Expose a raw TCP tunnel instead of HTTP")
		serverURL = flag.String("server", "", "Broker base URL, e.g. https://tunnel.example.com")
		insecure  = flag.Bool("insecure", false, "Skip TLS certificate verification (development only)")
		caFile    = flag.String("ca", "", "Path to a custom CA bundle for the broker connection")
	)
	flag.Parse()

	if strings.TrimSpace(*serverURL) == "" {
		fmt.Fprintln(os.Stderr, "burrow: -server is required")
		flag.Usage()
		os.Exit(1)
	}

	passwordSet := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "password" {
			passwordSet = true
		}
	})
	pw := *password
	if !passwordSet {
		pw = os.Getenv(EnvPassword)
	} else if pw == "" {
		var err error
		pw, err = promptPassword()
		if err != nil {
			fmt.Fprintf(os.Stderr, "burrow: read password: %v\n", err)
			os.Exit(1)
		}
	}

	if *insecure {
		fmt.Fprintln(os.Stderr, "burrow: WARNING: TLS certificate verification disabled")
	}

	proto := protocol.ProtoHTTP
	if *tcp {
		proto = protocol.ProtoTCP
	}

	ag, err := agent.New(agent.Config{
		ServerURL: *serverURL,
		LocalHost: *host,
		LocalPort: *port,
		Subdomain: *subdomain,
		Password:  pw,
		Protocol:  proto,
		Insecure:  *insecure,
		CAFile:    *caFile,
		OnEvent:   printEvent,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "burrow: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		_ = ag.Close()
	}()

	if err := ag.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "burrow: %v\n", err)
		os.Exit(1)
	}
}

func printEvent(e agent.Event) {
	switch e.Kind {
	case agent.EventConnected:
		printInfo(e.Info)
	case agent.EventReconnected:
		fmt.Println("reconnected")
		printInfo(e.Info)
	case agent.EventDisconnected:
		fmt.Printf("disconnected: %v\n", e.Err)
	case agent.EventReconnecting:
		fmt.Printf("reconnecting (attempt %d/%d)\n", e.Attempt, e.MaxAttempts)
	case agent.EventReconnectFailed:
		fmt.Printf("giving up after %d reconnect attempts\n", e.MaxAttempts)
	case agent.EventRequest:
		fmt.Printf("%s %s -> %d\n", e.Method, e.Path, e.StatusCode)
	}
}

func printInfo(info *agent.TunnelInfo) {
	if info == nil {
		return
	}
	fmt.Printf("tunnel ready: %s\n", info.PublicURL)
	if info.Protocol == protocol.ProtoTCP {
		fmt.Printf("forwarding tcp port %d\n", info.TCPPort)
	}
}

func promptPassword() (string, error) {
	fmt.Fprint(os.Stderr, "Tunnel password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
