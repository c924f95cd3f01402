package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"media-capture/internal/browser"
	"media-capture/internal/capture"
	"media-capture/internal/platform/config"
	"media-capture/internal/platform/logger"
	"media-capture/internal/platform/metrics"
	"media-capture/internal/relay"

	"github.com/go-chi/chi/v5"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	devtoolsURL := config.GetEnv("DEVTOOLS_URL", "http://127.0.0.1:9222")
	probeEnabled := config.GetEnvBool("PROBE_ENABLED", true)

	log := logger.NewWithFile(logLevel, logFormat, logger.FileOptions{
		Path:       config.GetEnv("LOG_FILE", ""),
		MaxSizeMB:  config.GetEnvInt("LOG_MAX_SIZE_MB", 100),
		MaxBackups: config.GetEnvInt("LOG_MAX_BACKUPS", 3),
		MaxAgeDays: config.GetEnvInt("LOG_MAX_AGE_DAYS", 28),
	})

	met := metrics.New()
	fetcher := relay.New(relay.Options{
		Timeout: config.GetEnvDuration("RELAY_TIMEOUT", relay.DefaultTimeout),
		Rate:    config.GetEnvFloat("RELAY_RATE", relay.DefaultRate),
	}, log)

	registry := capture.NewRegistry(capture.RegistryOptions{
		DefaultTTL:       config.GetEnvDuration("SESSION_TTL", capture.DefaultSessionTTL),
		MaxLifetime:      config.GetEnvDuration("SESSION_MAX_LIFETIME", 10*time.Minute),
		MaxSessions:      config.GetEnvInt("MAX_SESSIONS", 32),
		ProbeConcurrency: config.GetEnvInt("PROBE_CONCURRENCY", capture.DefaultProbeConcurrency),
		TrustedDomains:   config.GetEnvList("TRUSTED_DOMAINS", nil),
		PriorityDomains:  config.GetEnvList("PRIORITY_DOMAINS", nil),
	}, log, met)

	var prober capture.Prober
	if probeEnabled {
		prober = fetcher
	}
	svc := capture.NewService(registry, browser.NewCDP(devtoolsURL, log), prober, capture.Options{
		NavigationTimeout: config.GetEnvDuration("NAVIGATION_TIMEOUT", capture.DefaultNavigationTimeout),
		Dwell:             config.GetEnvDuration("DWELL", capture.DefaultDwell),
		Heartbeat:         config.GetEnvDuration("HEARTBEAT_INTERVAL", capture.DefaultHeartbeat),
		ProbeTimeout:      config.GetEnvDuration("PROBE_TIMEOUT", capture.DefaultProbeTimeout),
		PageOpenTimeout:   config.GetEnvDuration("PAGE_OPEN_TIMEOUT", capture.DefaultPageOpenTimeout),
	}, log, met)
	h := capture.NewHandler(svc, fetcher, log, met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() {
			met.SetActiveSessions(registry.ActiveCount())
			met.SetSubscribers(registry.SubscriberCount())
		}).ServeHTTP(w, r)
	})
	r.Get("/healthz", h.Health)
	r.Get("/start-session", h.StartSession)
	r.Get("/stream", h.StreamEvents)
	r.Get("/viewer", h.Viewer)
	r.Get("/proxy", h.Proxy)
	r.Post("/sessions", h.CreateSession)
	r.Route("/sessions/{id}", func(r chi.Router) {
		r.Delete("/", h.CloseSession)
		r.Get("/results", h.Results)
		r.Get("/playlist.m3u8", h.Playlist)
		r.Get("/events", h.StreamEvents)
		r.Get("/ws", h.StreamWS)
	})

	addr := ":" + port
	// No write timeout: event streams stay open for the session's lifetime.
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: readHeaderTimeout}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"devtools_url", devtoolsURL,
		"probe_enabled", probeEnabled,
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, closing sessions")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Closing sessions first ends open event streams so Shutdown can drain.
	if err := registry.Close(ctx); err != nil {
		log.Warn("session workers did not stop in time", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
