package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"burrow/internal/app"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to burrowd config file (.toml/.yaml/.yml/.json). If empty, auto-detect burrowd.toml > burrowd.yaml > burrowd.yml > burrowd.json")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunBroker(ctx, *configPath); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
