package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shortontech/previewguard/internal/event"
	"github.com/shortontech/previewguard/internal/fingerprint"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 10 * time.Second
)

// Authority confirms whether a session is still valid.
type Authority interface {
	Validate(ctx context.Context, req Request) (Response, error)
}

// Observer receives one call per completed validation attempt.
type Observer interface {
	ObserveValidation(outcome string, d time.Duration)
}

// Validator starts polling handles against an Authority. Outcomes are
// appended to the shared event log.
type Validator struct {
	authority Authority
	log       *event.Log
	clock     Clock
	observer  Observer
}

type Option func(*Validator)

func WithClock(c Clock) Option { return func(v *Validator) { v.clock = c } }

func WithObserver(o Observer) Option { return func(v *Validator) { v.observer = o } }

func New(authority Authority, log *event.Log, opts ...Option) *Validator {
	v := &Validator{authority: authority, log: log, clock: realClock{}}
	for _, opt := range opts {
		opt(v)
	}
	if v.log == nil {
		v.log = event.NewLog()
	}
	return v
}

// Options configure one polling session.
type Options struct {
	SessionID   string
	Fingerprint fingerprint.Fingerprint
	FileID      string
	Interval    time.Duration // DefaultInterval when zero
	Timeout     time.Duration // per call, DefaultTimeout when zero

	// OnInvalid is called when the authority declares the session invalid.
	OnInvalid func(reason string)
	// OnEvent is called for every outcome, in completion order.
	OnEvent func(event.SecurityEvent)
}

// Handle is one running (or idle) validation schedule.
type Handle struct {
	v    *Validator
	opts Options

	ctx    context.Context
	cancel context.CancelFunc
	ticker Ticker
	done   chan struct{}

	mu       sync.Mutex
	phase    Phase
	state    State
	failures int

	// calls tracks authority calls in flight; Stop waits for them.
	calls sync.WaitGroup
	// emitMu orders log appends and callbacks by completion.
	emitMu sync.Mutex
}

// Start validates once immediately and then every Interval. Without a
// session id or fingerprint it returns an idle handle that never calls the
// authority.
func (v *Validator) Start(opts Options) *Handle {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	h := &Handle{
		v:     v,
		opts:  opts,
		phase: PhaseIdle,
		state: State{Status: StatusUnknown},
		done:  make(chan struct{}),
	}
	if opts.SessionID == "" || opts.Fingerprint == "" {
		log.Debug().Msg("session: no session id or fingerprint, validator stays idle")
		close(h.done)
		return h
	}

	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.ticker = v.clock.NewTicker(opts.Interval)
	h.phase = PhasePolling
	go h.run()
	log.Info().
		Str("session_id", opts.SessionID).
		Str("file_id", opts.FileID).
		Str("fingerprint", opts.Fingerprint.Short()).
		Dur("interval", opts.Interval).
		Msg("session: validator started")
	return h
}

func (h *Handle) run() {
	defer close(h.done)
	_, _ = h.validate(h.ctx)
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-h.ticker.C():
			// A tick that fires while stopping must not start a call.
			if h.ctx.Err() != nil {
				return
			}
			_, _ = h.validate(h.ctx)
		}
	}
}

// ForceValidation runs one validation now, outside the schedule. The
// schedule's timing is not affected.
func (h *Handle) ForceValidation(ctx context.Context) (Result, error) {
	return h.validate(ctx)
}

func (h *Handle) validate(parent context.Context) (Result, error) {
	h.mu.Lock()
	switch h.phase {
	case PhaseIdle:
		h.mu.Unlock()
		return Result{}, ErrNotStarted
	case PhaseStopped:
		h.mu.Unlock()
		return Result{}, ErrStopped
	}
	h.calls.Add(1)
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, h.opts.Timeout)
	stopCancel := context.AfterFunc(h.ctx, cancel)
	start := h.v.clock.Now()
	resp, err := h.v.authority.Validate(ctx, Request{
		SessionID:   h.opts.SessionID,
		Fingerprint: h.opts.Fingerprint,
		FileID:      h.opts.FileID,
	})
	elapsed := h.v.clock.Now().Sub(start)
	stopCancel()
	cancel()
	h.calls.Done()

	return h.apply(resp, err, elapsed)
}

// apply records one outcome. Results that complete after Stop are dropped.
func (h *Handle) apply(resp Response, callErr error, elapsed time.Duration) (Result, error) {
	h.emitMu.Lock()
	defer h.emitMu.Unlock()

	h.mu.Lock()
	if h.phase == PhaseStopped {
		h.mu.Unlock()
		return Result{}, ErrStopped
	}

	var res Result
	metadata := map[string]any{}
	now := h.v.clock.Now()

	switch {
	case callErr != nil:
		h.failures++
		res = Result{Status: StatusError, Err: fmt.Errorf("validate session: %w", callErr)}
		metadata["error"] = callErr.Error()
		metadata["consecutiveFailures"] = h.failures
	case resp.Valid:
		h.failures = 0
		h.state.Status = StatusValid
		h.state.LastValidatedAt = now
		if resp.ExpiresAt != nil {
			exp := time.UnixMilli(*resp.ExpiresAt)
			h.state.ExpiresAt = &exp
			res.ExpiresAt = &exp
			metadata["expiresAt"] = *resp.ExpiresAt
		}
		h.state.ValidationCount++
		res.Status = StatusValid
		metadata["validationCount"] = h.state.ValidationCount
	default:
		h.failures = 0
		status := statusForReason(resp.Reason)
		h.state.Status = status
		reason := resp.Reason
		if reason == "" {
			reason = ReasonRevoked
		}
		res = Result{Status: status, Reason: reason}
		metadata["reason"] = reason
	}

	res.Event = h.v.log.Append(event.New(res.Status.eventType(), h.opts.SessionID, h.opts.FileID, metadata))
	h.mu.Unlock()

	h.observe(res.Status, elapsed)
	h.logOutcome(res)

	// Expired, revoked and mismatched sessions never become valid again.
	terminal := res.Status != StatusValid && res.Status != StatusError
	if terminal {
		h.Stop()
	}

	if h.opts.OnEvent != nil {
		h.opts.OnEvent(res.Event)
	}
	if terminal && h.opts.OnInvalid != nil {
		h.opts.OnInvalid(res.Reason)
	}
	return res, res.Err
}

func (h *Handle) observe(s Status, d time.Duration) {
	if h.v.observer != nil {
		h.v.observer.ObserveValidation(string(s), d)
	}
}

func (h *Handle) logOutcome(res Result) {
	switch res.Status {
	case StatusValid:
		log.Debug().Str("session_id", h.opts.SessionID).Msg("session: validated")
	case StatusError:
		log.Warn().Err(res.Err).Str("session_id", h.opts.SessionID).Msg("session: validation call failed")
	default:
		log.Warn().Str("session_id", h.opts.SessionID).Str("reason", res.Reason).Msg("session: invalidated")
	}
}

// Stop cancels the schedule. When it returns no further authority call
// will start and results still in flight are discarded. Safe to call more
// than once, including from the OnInvalid and OnEvent callbacks. An invalid
// outcome stops the handle on its own.
func (h *Handle) Stop() {
	h.mu.Lock()
	if h.phase != PhasePolling {
		if h.phase == PhaseIdle {
			h.phase = PhaseStopped
		}
		h.mu.Unlock()
		return
	}
	h.phase = PhaseStopped
	h.mu.Unlock()

	h.cancel()
	h.ticker.Stop()
	h.calls.Wait()
	log.Info().Str("session_id", h.opts.SessionID).Msg("session: validator stopped")
}

// Done is closed once the polling goroutine has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// State returns a snapshot of the session state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.state
	if s.ExpiresAt != nil {
		exp := *s.ExpiresAt
		s.ExpiresAt = &exp
	}
	return s
}

func (h *Handle) Phase() Phase {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.phase
}
