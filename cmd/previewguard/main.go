package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shortontech/previewguard/internal/authority"
	"github.com/shortontech/previewguard/internal/event"
	"github.com/shortontech/previewguard/internal/event/detection"
	httpx "github.com/shortontech/previewguard/internal/http"
	"github.com/shortontech/previewguard/internal/metrics"
	"github.com/shortontech/previewguard/internal/sink"
	"github.com/shortontech/previewguard/pkg/config"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to a YAML config file (environment overrides it)")
		healthCheck = flag.Bool("healthcheck", false, "probe /healthz of a running server and exit")
		testMode    = flag.Bool("test-mode", false, "emit sample records to the sinks on startup")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	setupLogging(cfg)

	if *healthCheck {
		host, port := healthTarget(cfg.ServerAddr)
		if err := performHealthCheck(host, port); err != nil {
			log.Error().Err(err).Msg("health check failed")
			os.Exit(1)
		}
		os.Exit(0)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appMetrics := metrics.InitMetrics()
	metricsServer := metrics.NewServer(metrics.LoadConfig())
	if err := metricsServer.Start(ctx); err != nil {
		log.Error().Err(err).Msg("failed to start metrics server")
	}

	sinks := initializeSinks(ctx, cfg.Outputs)
	emit := createEmitFunc(sinks, appMetrics)

	auditLog := event.NewLog()
	auditLog.Subscribe(func(e event.SecurityEvent) {
		appMetrics.IncrementEventsAppended(string(e.Type))
		emit(e)
	})

	if cfg.TestMode || *testMode {
		runTestMode(emit, 200*time.Millisecond)
	}

	store, ready, closeStore, err := initializeStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("store", cfg.SessionStore).Msg("failed to open session store")
	}

	service := authority.NewService(store,
		authority.WithTTL(cfg.SessionTTL),
		authority.WithRebindThreshold(cfg.RebindThreshold),
		authority.WithLog(auditLog),
		authority.WithActiveGauge(appMetrics),
	)

	limiter := httpx.NewRateLimiter(cfg.Incidents.RateRPS, cfg.Incidents.RateBurst, cfg.TrustProxy)
	go limiter.Run(ctx)

	env := httpx.Env{
		Cfg:      cfg,
		Service:  service,
		Log:      auditLog,
		Emit:     emit,
		HMACAuth: initializeHMACAuth(cfg),
		Detector: detection.NewAnalyzer(detection.NewMemoryTimingTracker(detection.DefaultTrackerLimit), cfg.TrustProxy),
		Limiter:  limiter,
		Metrics:  appMetrics,
		Ready:    ready,
	}

	srv := startHTTPServer(cfg, env)
	waitForShutdown(srv, metricsServer, sinks, closeStore)
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Load(), nil
	}
	return config.LoadFile(path)
}

// setupLogging configures the global zerolog logger.
func setupLogging(cfg config.Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// initializeSinks creates and starts the configured sinks. Unknown outputs
// and sinks that fail to start are skipped.
func initializeSinks(ctx context.Context, outputs []string) []sink.Sink {
	var sinks []sink.Sink
	for _, output := range outputs {
		var s sink.Sink
		switch strings.ToLower(strings.TrimSpace(output)) {
		case "log":
			s = sink.NewLogSink()
		case "kafka":
			s = sink.NewKafkaSinkFromEnv()
		case "postgres", "pg":
			s = sink.NewPGSinkFromEnv()
		case "nats":
			s = sink.NewNATSSinkFromEnv()
		default:
			log.Warn().Str("output", output).Msg("unknown output, skipping")
			continue
		}
		if err := s.Start(ctx); err != nil {
			log.Error().Err(err).Str("sink", s.Name()).Msg("failed to start sink")
			continue
		}
		log.Info().Str("sink", s.Name()).Msg("sink started")
		sinks = append(sinks, s)
	}
	return sinks
}

// initializeHMACAuth returns nil when no secret is configured.
func initializeHMACAuth(cfg config.Config) *httpx.HMACAuth {
	if cfg.HMACSecret == "" {
		return nil
	}
	log.Info().Bool("required", cfg.RequireHMAC).Msg("HMAC request signing enabled")
	return httpx.NewHMACAuth(cfg.HMACSecret, cfg.RequireHMAC)
}

// createEmitFunc fans a record out to every sink. A failing sink does not
// stop delivery to the others.
func createEmitFunc(sinks []sink.Sink, appMetrics *metrics.Metrics) func(event.Record) {
	return func(r event.Record) {
		for _, s := range sinks {
			if err := s.Enqueue(r); err != nil {
				log.Error().Err(err).Str("sink", s.Name()).Str("id", r.RecordID()).Msg("enqueue failed")
				appMetrics.IncrementSinkErrors(s.Name(), "enqueue")
				continue
			}
			appMetrics.IncrementRecordsWritten(s.Name(), r.RecordKind())
		}
	}
}

// initializeStore opens the configured session store. The returned ready
// func is nil for stores that cannot become unreachable.
func initializeStore(ctx context.Context, cfg config.Config) (authority.Store, func(context.Context) error, func() error, error) {
	switch cfg.SessionStore {
	case "", "memory":
		return authority.NewMemoryStore(), nil, func() error { return nil }, nil
	case "redis":
		rs := authority.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rs.Ping(pingCtx); err != nil {
			_ = rs.Close()
			return nil, nil, nil, fmt.Errorf("ping redis %s: %w", cfg.Redis.Addr, err)
		}
		log.Info().Str("addr", cfg.Redis.Addr).Int("db", cfg.Redis.DB).Msg("session store: redis")
		return rs, rs.Ping, rs.Close, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown session store %q", cfg.SessionStore)
}

func startHTTPServer(cfg config.Config, env httpx.Env) *http.Server {
	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           httpx.NewMux(env),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		var err error
		if cfg.EnableHTTPS {
			log.Info().Str("addr", cfg.ServerAddr).Msg("previewguard listening (HTTPS)")
			err = srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			log.Info().Str("addr", cfg.ServerAddr).Msg("previewguard listening")
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()
	return srv
}

// healthTarget turns a listen address into something dialable.
func healthTarget(addr string) (string, string) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "127.0.0.1", "19890"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return host, port
}

func performHealthCheck(host, port string) error {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://" + net.JoinHostPort(host, port) + "/healthz")
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return fmt.Errorf("read health response: %w", err)
	}
	if strings.TrimSpace(string(body)) != "ok" {
		return fmt.Errorf("unexpected health response: %q", body)
	}
	return nil
}

func waitForShutdown(srv *http.Server, metricsServer *metrics.Server, sinks []sink.Sink, closeStore func() error) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdown(srv, metricsServer, sinks, closeStore, 10*time.Second)
}

func shutdown(srv *http.Server, metricsServer *metrics.Server, sinks []sink.Sink, closeStore func() error, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	if err := metricsServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("metrics server shutdown")
	}
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			log.Error().Err(err).Str("sink", s.Name()).Msg("sink close")
		}
	}
	if closeStore != nil {
		if err := closeStore(); err != nil {
			log.Error().Err(err).Msg("session store close")
		}
	}
	log.Info().Msg("shutdown complete")
}
