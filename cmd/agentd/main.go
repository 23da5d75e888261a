package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"nae-runtime/internal/actions"
	"nae-runtime/internal/agent"
	"nae-runtime/internal/api"
	"nae-runtime/internal/bus"
	"nae-runtime/internal/catalog"
	"nae-runtime/internal/crypto"
	"nae-runtime/internal/host"
	"nae-runtime/internal/manifest"
	"nae-runtime/internal/metrics"
	"nae-runtime/internal/security"
	"nae-runtime/internal/storage"
	"nae-runtime/internal/telemetry"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	cfg, err := LoadConfig(getenv("HOST_CONFIG", ""))
	if err != nil {
		logger.Error("failed to load host config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	limits := security.DefaultLimits()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var enc crypto.Encryptor
	if raw := getenv("ENCRYPTION_KEY", ""); raw != "" {
		key, err := crypto.ParseKey(raw)
		if err != nil {
			logger.Error("invalid ENCRYPTION_KEY", slog.String("error", err.Error()))
			os.Exit(1)
		}
		aes, err := crypto.NewAesGcmEncryptor(key)
		if err != nil {
			logger.Error("failed to init encryptor", slog.String("error", err.Error()))
			os.Exit(1)
		}
		enc = aes
	}

	store, err := storage.Open(cfg.StoreConfig())
	if err != nil {
		logger.Error("failed to open state store", slog.String("type", cfg.Store.Type), slog.String("error", err.Error()))
		os.Exit(1)
	}

	var reports storage.ReportStore = storage.NewMemoryReports()
	if cfg.ReportsDB != "" {
		db, err := storage.NewPostgresDB(ctx, cfg.ReportsDB)
		if err != nil {
			logger.Error("failed to connect to reports db", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer db.Close()
		reports = storage.NewPostgresReports(db)
	}

	m := metrics.New()
	clk := clock.New()

	source := telemetry.NewSource(telemetry.NewRESTClient(cfg.Switch.URL, cfg.SwitchTimeout()), clk, telemetry.Config{
		PollInterval:   limits.ClampPoll(time.Duration(cfg.Telemetry.PollSeconds) * time.Second),
		ExpandInterval: time.Duration(cfg.Telemetry.ExpandSeconds) * time.Second,
		DegradeAfter:   cfg.Telemetry.DegradeAfter,
		Concurrency:    min(cfg.Telemetry.Concurrency, limits.MaxConcurrentFetches),
	}, logger)
	source.SetObserver(m)

	var syslogWriter actions.SyslogWriter = actions.LogWriter{Logger: logger}
	if w, err := actions.NewSyslogWriter("nae-agentd"); err != nil {
		logger.Warn("syslog unavailable, writing to log", slog.String("error", err.Error()))
	} else {
		syslogWriter = w
	}
	executors := actions.Executors{
		Syslog:    syslogWriter,
		CLI:       actions.NewCLIRunner(limits.CommandTimeout),
		Shell:     actions.NewShellRunner(limits.CommandTimeout),
		Reports:   reports,
		Mailer:    actions.SMTPMailer{Timeout: limits.SMTPTimeout},
		HTTP:      &http.Client{Timeout: limits.HTTPTimeout},
		Allowlist: security.DefaultShellAllowlist(),
		Limits:    limits,
		Recorder:  m,
	}

	cat := catalog.New()
	if cfg.AgentsDir != "" {
		loaded, err := cat.LoadDir(cfg.AgentsDir)
		if err != nil {
			logger.Error("failed to load agent declarations", slog.String("dir", cfg.AgentsDir), slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("agent declarations loaded", slog.Int("count", len(loaded)))
	}

	var notifier agent.Notifier
	var publisher *bus.Publisher
	if cfg.NATSURL != "" {
		publisher, err = bus.NewPublisher(cfg.NATSURL, logger)
		if err != nil {
			logger.Error("failed to connect to nats", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer publisher.Close()
		notifier = publisher
	}

	h := host.New(host.Config{
		Host:   manifest.HostInfo{SoftwareVersion: cfg.Host.SoftwareVersion, Platform: cfg.Host.Platform},
		Limits: limits,
	}, host.Deps{
		Catalog:   cat,
		Store:     store,
		Reports:   reports,
		Source:    source,
		Executors: executors,
		Encryptor: enc,
		Metrics:   m,
		Notifier:  notifier,
		Clock:     clk,
		Logger:    logger,
	})
	if err := h.Start(ctx); err != nil {
		logger.Error("failed to start host", slog.String("error", err.Error()))
		os.Exit(1)
	}

	go func() {
		if err := source.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("telemetry source stopped", slog.String("error", err.Error()))
		}
	}()

	if cfg.NATSURL != "" {
		subscriber, err := bus.NewSubscriber(cfg.NATSURL)
		if err != nil {
			logger.Error("failed to connect to nats", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer subscriber.Close()
		if err := subscriber.SubscribeLifecycle(h, 10*time.Second, logger); err != nil {
			logger.Error("failed to subscribe lifecycle events", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	server := startAdminServer(cfg.AdminPort, &api.Handler{
		Host:    h,
		Catalog: cat,
		Metrics: m.Handler(),
		Logger:  logger,
		Timeout: 10 * time.Second,
	}, logger)

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	if err := h.Close(); err != nil {
		logger.Error("host close failed", slog.String("error", err.Error()))
	}
}

func startAdminServer(port string, handler *api.Handler, logger *slog.Logger) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	handler.RegisterRoutes(r)

	server := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}
	go func() {
		logger.Info("agentd admin server listening", slog.String("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server error", slog.String("error", err.Error()))
		}
	}()
	return server
}
