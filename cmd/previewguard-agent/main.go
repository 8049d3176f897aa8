// Command previewguard-agent holds a file preview open on this machine for
// as long as the authority keeps the session valid. It registers the host
// fingerprint, polls the authority and reports incidents. It exits non-zero
// when the authority closes the preview.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shortontech/previewguard/internal/event"
	"github.com/shortontech/previewguard/internal/fingerprint"
	"github.com/shortontech/previewguard/internal/guard"
	"github.com/shortontech/previewguard/internal/incident"
	"github.com/shortontech/previewguard/internal/metrics"
	"github.com/shortontech/previewguard/internal/session"
	"github.com/shortontech/previewguard/internal/signature"
	"github.com/shortontech/previewguard/pkg/config"
)

const userAgent = "previewguard-agent/1.0"

// errInvalidated is returned by run when the authority closed the preview.
var errInvalidated = errors.New("preview closed by authority")

type agentOptions struct {
	Authority string // server root, e.g. http://localhost:19890
	BasePath  string // API prefix, e.g. /api/v1
	FileID    string
	Secret    string
	Interval  time.Duration
	Timeout   time.Duration
	Incidents incident.Config
	// Input carries interaction event types, one per line. Nil disables it.
	Input   io.Reader
	Env     fingerprint.Environment
	Metrics *metrics.Metrics
}

func (o agentOptions) apiBase() string {
	return strings.TrimRight(o.Authority, "/") + "/" + strings.Trim(o.BasePath, "/")
}

func main() {
	cfg := config.Load()

	var (
		fileID      = flag.String("file", "", "id of the file to preview (required)")
		authority   = flag.String("authority", cfg.AuthorityURL, "previewguard server URL")
		interval    = flag.Duration("interval", cfg.ValidateInterval, "validation interval")
		timeout     = flag.Duration("timeout", cfg.ValidateTimeout, "per-call validation timeout")
		interactive = flag.Bool("interactive", false, "read interaction event types from stdin, one per line")
	)
	flag.Parse()

	setupLogging(cfg)
	if *fileID == "" {
		fmt.Fprintln(os.Stderr, "previewguard-agent: -file is required")
		flag.Usage()
		os.Exit(2)
	}

	appMetrics := metrics.InitMetrics()
	metricsServer := metrics.NewServer(metrics.LoadConfig())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := metricsServer.Start(ctx); err != nil {
		log.Error().Err(err).Msg("failed to start metrics server")
	}

	opts := agentOptions{
		Authority: *authority,
		BasePath:  cfg.APIBasePath,
		FileID:    *fileID,
		Secret:    cfg.HMACSecret,
		Interval:  *interval,
		Timeout:   *timeout,
		Incidents: incident.Config{
			BatchSize:     cfg.Incidents.BatchSize,
			FlushInterval: cfg.Incidents.FlushInterval,
			MaxAttempts:   cfg.Incidents.MaxAttempts,
			BaseDelay:     cfg.Incidents.BaseDelay,
			MaxDelay:      cfg.Incidents.MaxDelay,
		},
		Env:     fingerprint.NewHostEnvironment(),
		Metrics: appMetrics,
	}
	if *interactive {
		opts.Input = os.Stdin
	}

	err := run(ctx, opts)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)

	if err != nil {
		log.Error().Err(err).Msg("previewguard-agent exiting")
		os.Exit(1)
	}
}

func setupLogging(cfg config.Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogFormat != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// run registers a session, opens the preview and blocks until ctx is done
// or the authority closes it.
func run(ctx context.Context, o agentOptions) error {
	client := &http.Client{Timeout: 10 * time.Second}
	collector := fingerprint.NewCollector(o.Env)
	_, device := collector.Collect()

	reg, err := registerSession(ctx, client, o.apiBase(), o.FileID, device, o.Secret)
	if err != nil {
		if ctx.Err() != nil {
			log.Info().Msg("cancelled during registration")
			return nil
		}
		return err
	}
	log.Info().
		Str("session_id", reg.SessionID).
		Str("fingerprint", reg.Fingerprint.Short()).
		Time("expires_at", time.UnixMilli(reg.ExpiresAt)).
		Msg("session registered")

	auditLog := event.NewLog()
	auditLog.Subscribe(func(e event.SecurityEvent) {
		o.Metrics.IncrementEventsAppended(string(e.Type))
	})

	validator := session.New(
		session.NewHTTPAuthority(o.apiBase(), session.WithSecret(o.Secret)),
		auditLog,
		session.WithObserver(o.Metrics),
	)
	reporter := incident.New(
		incident.NewHTTPTransport(o.apiBase(), incident.WithSecret(o.Secret)),
		o.Incidents,
		incident.WithObserver(o.Metrics),
	)
	reporter.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := reporter.Stop(stopCtx); err != nil {
			log.Warn().Err(err).Msg("incident reporter stop")
		}
	}()

	g := guard.New(collector, validator, auditLog, reporter)
	preview, err := g.Open(ctx, reg.SessionID, o.FileID, guard.OpenOptions{
		Interval: o.Interval,
		Timeout:  o.Timeout,
		OnEvent: func(e event.SecurityEvent) {
			log.Debug().Str("type", string(e.Type)).Str("event_id", e.ID).Msg("security event")
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			log.Info().Str("session_id", reg.SessionID).Msg("cancelled while opening preview")
			return nil
		}
		return err
	}
	defer preview.Close()

	if o.Input != nil {
		go readInteractions(preview, o.Input)
	}

	<-preview.Done()
	if reason := preview.Reason(); reason != "" {
		return fmt.Errorf("%w: %s", errInvalidated, reason)
	}
	log.Info().Str("session_id", reg.SessionID).Int("events", auditLog.Len()).Msg("preview closed")
	return nil
}

type registerRequest struct {
	FileID          string                      `json:"fileId"`
	Characteristics fingerprint.Characteristics `json:"characteristics"`
}

type registerResponse struct {
	SessionID   string                  `json:"sessionId"`
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
	ExpiresAt   int64                   `json:"expiresAt"`
}

func registerSession(ctx context.Context, client *http.Client, apiBase, fileID string, device fingerprint.Characteristics, secret string) (registerResponse, error) {
	body, err := json.Marshal(registerRequest{FileID: fileID, Characteristics: device})
	if err != nil {
		return registerResponse{}, fmt.Errorf("encode registration: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+"/sessions", bytes.NewReader(body))
	if err != nil {
		return registerResponse{}, fmt.Errorf("build registration: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if sig := signature.Sign([]byte(secret), body); sig != "" {
		req.Header.Set(signature.Header, sig)
	}

	resp, err := client.Do(req)
	if err != nil {
		return registerResponse{}, fmt.Errorf("register session: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return registerResponse{}, fmt.Errorf("read registration: %w", err)
	}
	if resp.StatusCode != http.StatusCreated {
		return registerResponse{}, fmt.Errorf("register session: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	var out registerResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return registerResponse{}, fmt.Errorf("decode registration: %w", err)
	}
	if out.SessionID == "" {
		return registerResponse{}, errors.New("register session: empty session id")
	}
	return out, nil
}

// readInteractions records one interaction per input line until the input
// ends or the preview closes.
func readInteractions(p *guard.Preview, r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		_, err := p.RecordInteraction(event.Type(line), map[string]any{"source": "stdin"})
		switch {
		case errors.Is(err, guard.ErrClosed):
			return
		case err != nil:
			log.Warn().Err(err).Str("input", line).Msg("ignored interaction")
		}
	}
}
