package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"burrow/internal/authorizer"
	"burrow/internal/config"
	"burrow/internal/ingress"
	"burrow/internal/logging"
	"burrow/internal/requestlog"
	"burrow/internal/server"
	"burrow/internal/telemetry"
	"burrow/internal/tunnel"
)

const shutdownGrace = 10 * time.Second

// RunBroker wires and runs the broker: control endpoint, public ingress, TCP
// tunnel listeners, admin server, and the config reload loop. It blocks until
// ctx is canceled, then drains with a bounded grace period.
func RunBroker(ctx context.Context, configPath string) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	resolved, err := config.ResolveConfigPath(configPath)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	path := resolved.Path

	created, err := config.EnsureConfigFile(path)
	if err != nil {
		return fmt.Errorf("ensure config file: %w", err)
	}

	provider := config.NewFileConfigProvider(path)
	cm := config.NewManager(provider, config.ManagerOptions{})
	cfg, err := cm.LoadInitial(runCtx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logrt, err := logging.NewRuntime(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer func() { _ = logrt.Close() }()
	slog.SetDefault(logrt.Logger())
	logger := slog.Default()
	if created {
		logger.Warn("config: created new config file", "path", path, "source", resolved.Source)
	}

	logger.Info("burrowd: starting",
		"config", path,
		"domain", cfg.Domain,
		"listen_addr", cfg.ListenAddr,
		"admin_addr", cfg.AdminAddr,
		"tcp_ports", fmt.Sprintf("%d-%d", cfg.TCP.PortMin, cfg.TCP.PortMax),
	)

	registry := tunnel.NewRegistry(cfg.Reserved, logger)
	metrics := telemetry.NewMetricsCollector()
	sink := requestlog.NewSlogSink(logger)

	var auth authorizer.Authorizer = authorizer.AllowAll()
	if cfg.AuthorizerURL != "" {
		auth = authorizer.NewHTTPAuthorizer(cfg.AuthorizerURL, 5*time.Second)
		logger.Info("burrowd: external authorizer enabled", "endpoint", cfg.AuthorizerURL)
	}

	binder := server.NewManager(server.ManagerOptions{
		PortMin: cfg.TCP.PortMin,
		PortMax: cfg.TCP.PortMax,
		Logger:  logger,
	})

	control, err := tunnel.NewServer(tunnel.ServerOptions{
		Domain:          cfg.Domain,
		Scheme:          cfg.Scheme,
		Registry:        registry,
		Authorizer:      auth,
		Binder:          binder,
		Sink:            sink,
		Metrics:         metrics,
		Logger:          logger,
		RegisterTimeout: cfg.Limits.RegisterTimeout,
		DispatchTimeout: cfg.Limits.RequestDeadline,
		IdleTimeout:     cfg.Limits.IdleTimeout,
	})
	if err != nil {
		return err
	}

	public, err := ingress.NewHandler(ingress.Options{
		Domain:   cfg.Domain,
		Registry: registry,
		Sink:     sink,
		Metrics:  metrics,
		Logger:   logger,
		BodyCap:  cfg.Limits.BodyCap,
		Deadline: cfg.Limits.RequestDeadline,
	})
	if err != nil {
		return err
	}

	// One listener serves both surfaces: /tunnel on the bare domain is the
	// agent control endpoint, everything else goes through subdomain routing.
	root := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/tunnel" && public.Subdomain(r.Host) == "" {
			control.ServeHTTP(w, r)
			return
		}
		public.ServeHTTP(w, r)
	})
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
	}

	applyCfg := func(oldCfg, newCfg *config.Config) {
		if oldCfg != nil {
			if logrt.NeedsRestart(newCfg.Logging) {
				logger.Warn("logging config changed (restart required for format/output/buffer)")
			}
			if oldCfg.Domain != newCfg.Domain || oldCfg.ListenAddr != newCfg.ListenAddr ||
				oldCfg.AdminAddr != newCfg.AdminAddr || oldCfg.TCP != newCfg.TCP ||
				oldCfg.AuthorizerURL != newCfg.AuthorizerURL {
				logger.Warn("broker topology changed (restart required)")
			}
		}
		if err := logrt.Apply(newCfg.Logging); err != nil {
			logger.Warn("apply logging config failed", "err", err)
		}
		reserved := newCfg.Reserved
		if reserved == nil {
			reserved = tunnel.DefaultReservedSubdomains
		}
		registry.SetReserved(reserved)
	}
	cm.Subscribe(func(oldCfg, newCfg *config.Config) {
		applyCfg(oldCfg, newCfg)
		logger.Info("config reloaded", "path", path)
	})
	if cfg.Reload.Enabled {
		cm.Start(runCtx)
	}

	adminEnabled := strings.TrimSpace(cfg.AdminAddr) != ""
	var admin *telemetry.AdminServer
	if adminEnabled {
		admin = telemetry.NewAdminServer(telemetry.AdminServerOptions{
			Addr:     cfg.AdminAddr,
			Metrics:  metrics,
			Registry: registry,
			Logs:     logrt.Store(),
			Reload: func(ctx context.Context) error {
				return cm.ReloadNow(ctx)
			},
		})
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("public server: %w", err)
		}
		return nil
	})
	if adminEnabled {
		g.Go(func() error {
			if err := admin.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancelShutdown()

		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("public server shutdown", "err", err)
		}
		// Hijacked control channels outlive the HTTP server; close the
		// sessions so their handlers drain.
		registry.CloseAll()
		if err := control.Shutdown(shutdownCtx); err != nil {
			logger.Warn("control shutdown", "err", err)
		}
		if err := binder.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tcp binder shutdown", "err", err)
		}
		if admin != nil {
			if err := admin.Shutdown(shutdownCtx); err != nil {
				logger.Warn("admin shutdown", "err", err)
			}
		}
		return nil
	})

	err = g.Wait()
	logger.Info("burrowd exited")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
