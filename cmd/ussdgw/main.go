package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowpbx/ussdgw/internal/api"
	"github.com/flowpbx/ussdgw/internal/config"
	"github.com/flowpbx/ussdgw/internal/database"
	"github.com/flowpbx/ussdgw/internal/email"
	"github.com/flowpbx/ussdgw/internal/interpreter"
	"github.com/flowpbx/ussdgw/internal/metrics"
	"github.com/flowpbx/ussdgw/internal/retention"
	sipserver "github.com/flowpbx/ussdgw/internal/sip"
	"github.com/flowpbx/ussdgw/internal/ussd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting ussdgw",
		"http_port", cfg.HTTPPort,
		"sip_port", cfg.SIPPort,
		"data_dir", cfg.DataDir,
		"gateway", cfg.GatewayURI,
	)
	startTime := time.Now()

	db, err := database.Open(cfg.DataDir, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	accounts := database.NewAccountRepository(db)
	applications := database.NewApplicationRepository(db)
	numbers := database.NewIncomingNumberRepository(db)
	calls := database.NewUssdCallRepository(db)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	sipSrv, err := sipserver.NewServer(cfg, calls, logger)
	if err != nil {
		slog.Error("failed to create sip server", "error", err)
		os.Exit(1)
	}

	// A nil *email.Sender must not reach the interpreter as a non-nil interface.
	var notifier interpreter.FailureNotifier
	if smtp := cfg.SMTPConfig(); smtp.Valid() {
		notifier = email.NewSender(smtp, logger)
		slog.Info("failure notifications enabled", "smtp_host", smtp.Host)
	}
	spawner := interpreter.NewSpawner(interpreter.NewFetcher(cfg.DocumentTimeout), notifier, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(sipSrv.Sessions(), sipSrv.Supervisor(), spawner, calls, startTime),
	)

	if gw := sipSrv.Gateway(); gw != nil {
		registry.MustRegister(metrics.NewGatewayUpGauge(gw))
	}

	routerCfg := cfg.RouterConfig()
	factory := ussd.NewSessionActorFactory(sipSrv.Supervisor(), routerCfg.CreateTimeout, logger)
	router := ussd.NewSessionRouter(
		routerCfg,
		ussd.NewApplicationResolver(numbers, accounts, applications, routerCfg.PublicURL),
		ussd.NewInterpreterLauncher(spawner),
		factory,
		ussd.NewOutboundOriginator(routerCfg.Gateway, routerCfg.APIVersion, sipserver.AddressFactory{},
			sipSrv.Interfaces(), factory, calls),
		metrics.NewRouterMetrics(registry),
		logger,
	)
	sipSrv.SetDispatcher(router)

	if err := sipSrv.Start(appCtx); err != nil {
		slog.Error("failed to start sip server", "error", err)
		os.Exit(1)
	}

	retention.StartCleanupTicker(appCtx, calls, cfg.CallRetentionDays, time.Hour, logger)

	handler, err := api.NewServer(cfg, router, accounts, calls, registry, logger)
	if err != nil {
		slog.Error("failed to create api server", "error", err)
		os.Exit(1)
	}
	handler.Start(appCtx)
	defer handler.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down servers")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	// The router stops first; hangups from the transport shutdown are then dropped.
	router.Stop()
	sipSrv.Stop()
	appCancel()

	slog.Info("ussdgw stopped")
}
