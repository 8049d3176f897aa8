// Package guard ties one file preview to its device fingerprint, its
// session validator, the audit log and the incident reporter.
package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shortontech/previewguard/internal/event"
	"github.com/shortontech/previewguard/internal/fingerprint"
	"github.com/shortontech/previewguard/internal/session"
)

// ErrClosed is returned when recording into a closed preview.
var ErrClosed = errors.New("preview closed")

// Reporter accepts incidents for delivery. *incident.Reporter implements it.
type Reporter interface {
	Report(event.Incident) error
}

// Guard opens previews. The log and reporter are shared by every preview
// it opens.
type Guard struct {
	collector *fingerprint.Collector
	validator *session.Validator
	log       *event.Log
	reporter  Reporter
}

// New builds a Guard. A nil log gets a fresh one; a nil reporter disables
// incident reporting.
func New(collector *fingerprint.Collector, validator *session.Validator, log *event.Log, reporter Reporter) *Guard {
	if log == nil {
		log = event.NewLog()
	}
	return &Guard{collector: collector, validator: validator, log: log, reporter: reporter}
}

// Log returns the audit log previews append to.
func (g *Guard) Log() *event.Log { return g.log }

type OpenOptions struct {
	Interval time.Duration
	Timeout  time.Duration

	// OnClose runs once when the authority invalidates the session.
	OnClose func(reason string)
	// OnEvent runs for every validation outcome and recorded interaction.
	OnEvent func(event.SecurityEvent)
}

// Preview is one open file view.
type Preview struct {
	g         *Guard
	sessionID string
	fileID    string
	fp        fingerprint.Fingerprint
	device    fingerprint.Characteristics
	opts      OpenOptions

	mu      sync.Mutex
	handle  *session.Handle
	closed  bool
	reason  string
	stopCtx func() bool

	done chan struct{}
}

// Open collects the device fingerprint once and starts validating the
// session. The preview closes when ctx is done, when Close is called or
// when the session is invalidated.
func (g *Guard) Open(ctx context.Context, sessionID, fileID string, opts OpenOptions) (*Preview, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("open preview: %w", err)
	}
	fp, device := g.collector.Collect()
	p := &Preview{
		g:         g,
		sessionID: sessionID,
		fileID:    fileID,
		fp:        fp,
		device:    device,
		opts:      opts,
		done:      make(chan struct{}),
	}

	h := g.validator.Start(session.Options{
		SessionID:   sessionID,
		Fingerprint: fp,
		FileID:      fileID,
		Interval:    opts.Interval,
		Timeout:     opts.Timeout,
		OnInvalid:   p.invalidate,
		OnEvent:     p.bridge,
	})

	p.mu.Lock()
	p.handle = h
	closed := p.closed
	if !closed {
		p.stopCtx = context.AfterFunc(ctx, p.Close)
	}
	p.mu.Unlock()

	// The first validation may already have invalidated the session.
	if closed {
		h.Stop()
	}

	log.Info().
		Str("session_id", sessionID).
		Str("file_id", fileID).
		Str("fingerprint", fp.Short()).
		Msg("guard: preview opened")
	return p, nil
}

// bridge forwards validator outcomes to the reporter.
func (p *Preview) bridge(e event.SecurityEvent) {
	p.report(e)
	if p.opts.OnEvent != nil {
		p.opts.OnEvent(e)
	}
}

func (p *Preview) report(e event.SecurityEvent) {
	if p.g.reporter == nil {
		return
	}
	inc, ok := event.IncidentFor(e)
	if !ok {
		return
	}
	if err := p.g.reporter.Report(inc); err != nil {
		log.Warn().Err(err).Str("incident_type", inc.IncidentType).Msg("guard: incident not queued")
	}
}

func (p *Preview) invalidate(reason string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.reason = reason
	h := p.handle
	stop := p.stopCtx
	p.mu.Unlock()

	if stop != nil {
		stop()
	}
	if h != nil {
		h.Stop()
	}
	close(p.done)
	log.Warn().Str("session_id", p.sessionID).Str("reason", reason).Msg("guard: preview closed by authority")
	if p.opts.OnClose != nil {
		p.opts.OnClose(reason)
	}
}

// RecordInteraction appends an interceptor event and reports the matching
// incident.
func (p *Preview) RecordInteraction(t event.Type, metadata map[string]any) (event.SecurityEvent, error) {
	if !t.IsInteraction() {
		return event.SecurityEvent{}, fmt.Errorf("record interaction: %q is not an interaction type", t)
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return event.SecurityEvent{}, ErrClosed
	}

	e := p.g.log.Append(event.New(t, p.sessionID, p.fileID, metadata))
	p.bridge(e)
	return e, nil
}

// Close stops validation. It does not call OnClose and is safe to call
// more than once.
func (p *Preview) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	h := p.handle
	stop := p.stopCtx
	p.mu.Unlock()

	if stop != nil {
		stop()
	}
	if h != nil {
		h.Stop()
	}
	close(p.done)
	log.Info().Str("session_id", p.sessionID).Msg("guard: preview closed")
}

// Done is closed once the preview is closed for any reason.
func (p *Preview) Done() <-chan struct{} { return p.done }

// Reason is the authority's reason for closing, or "" when the preview is
// open or was closed locally.
func (p *Preview) Reason() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason
}

// Device returns the characteristics collected when the preview opened.
func (p *Preview) Device() fingerprint.Characteristics { return p.device }

func (p *Preview) Fingerprint() fingerprint.Fingerprint { return p.fp }

// State returns the validator's view of the session.
func (p *Preview) State() session.State {
	p.mu.Lock()
	h := p.handle
	p.mu.Unlock()
	if h == nil {
		return session.State{Status: session.StatusUnknown}
	}
	return h.State()
}

// ForceValidation validates now, outside the schedule.
func (p *Preview) ForceValidation(ctx context.Context) (session.Result, error) {
	p.mu.Lock()
	h := p.handle
	p.mu.Unlock()
	if h == nil {
		return session.Result{}, session.ErrNotStarted
	}
	return h.ForceValidation(ctx)
}
