package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shortontech/previewguard/internal/event"
	"github.com/shortontech/previewguard/internal/fingerprint"
)

// fakeClock only moves when Advance is called.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

type fakeTicker struct {
	c       chan time.Time
	period  time.Duration
	next    time.Time
	stopped bool
	clock   *fakeClock
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{c: make(chan time.Time, 1), period: d, next: c.now.Add(d), clock: c}
	c.tickers = append(c.tickers, t)
	return t
}

// Advance moves time forward and fires due ticks. Like time.Ticker, a tick
// is dropped when the previous one has not been received.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	for _, t := range c.tickers {
		for !t.stopped && !t.next.After(c.now) {
			select {
			case t.c <- t.next:
			default:
			}
			t.next = t.next.Add(t.period)
		}
	}
}

func (c *fakeClock) tickerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tickers)
}

func (t *fakeTicker) C() <-chan time.Time { return t.c }

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.stopped = true
}

type outcome struct {
	resp Response
	err  error
}

// fakeAuthority replays scripted outcomes; the last one repeats.
type fakeAuthority struct {
	mu       sync.Mutex
	outcomes []outcome
	calls    chan Request
	block    chan struct{}
}

func newFakeAuthority(outcomes ...outcome) *fakeAuthority {
	return &fakeAuthority{outcomes: outcomes, calls: make(chan Request, 100)}
}

func (f *fakeAuthority) Validate(ctx context.Context, req Request) (Response, error) {
	f.calls <- req
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.outcomes) == 0 {
		return Response{Valid: true}, nil
	}
	o := f.outcomes[0]
	if len(f.outcomes) > 1 {
		f.outcomes = f.outcomes[1:]
	}
	return o.resp, o.err
}

func valid() outcome { return outcome{resp: Response{Valid: true}} }

func invalid(reason string) outcome { return outcome{resp: Response{Valid: false, Reason: reason}} }

func transportErr() outcome { return outcome{err: errors.New("connection refused")} }

func waitCall(t *testing.T, calls <-chan Request) Request {
	t.Helper()
	select {
	case r := <-calls:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a validation call")
	}
	return Request{}
}

func expectNoCall(t *testing.T, calls <-chan Request) {
	t.Helper()
	select {
	case r := <-calls:
		t.Fatalf("unexpected validation call: %+v", r)
	case <-time.After(100 * time.Millisecond):
	}
}

func waitEvent(t *testing.T, events <-chan event.SecurityEvent) event.SecurityEvent {
	t.Helper()
	select {
	case e := <-events:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an event")
	}
	return event.SecurityEvent{}
}

type harness struct {
	clock    *fakeClock
	auth     *fakeAuthority
	log      *event.Log
	events   chan event.SecurityEvent
	invalids chan string
	handle   *Handle
}

func startHarness(t *testing.T, opts Options, outcomes ...outcome) *harness {
	t.Helper()
	h := &harness{
		clock:    newFakeClock(),
		auth:     newFakeAuthority(outcomes...),
		log:      event.NewLog(),
		events:   make(chan event.SecurityEvent, 100),
		invalids: make(chan string, 100),
	}
	if opts.SessionID == "" && opts.Fingerprint == "" {
		opts.SessionID = "sess-1"
		opts.Fingerprint = fingerprint.Fingerprint("ab12cd34")
	}
	if opts.FileID == "" {
		opts.FileID = "file-1"
	}
	opts.OnEvent = func(e event.SecurityEvent) { h.events <- e }
	opts.OnInvalid = func(reason string) { h.invalids <- reason }
	v := New(h.auth, h.log, WithClock(h.clock))
	h.handle = v.Start(opts)
	t.Cleanup(h.handle.Stop)
	return h
}

func TestStartNoOpWithoutIdentity(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"empty session id", Options{Fingerprint: "ab12"}},
		{"empty fingerprint", Options{SessionID: "sess-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			auth := newFakeAuthority(valid())
			v := New(auth, event.NewLog(), WithClock(clock))

			h := v.Start(tt.opts)
			clock.Advance(time.Hour)

			expectNoCall(t, auth.calls)
			if clock.tickerCount() != 0 {
				t.Error("idle validator must not schedule a ticker")
			}
			if h.Phase() != PhaseIdle {
				t.Errorf("Phase() = %s, want idle", h.Phase())
			}
			if _, err := h.ForceValidation(context.Background()); !errors.Is(err, ErrNotStarted) {
				t.Errorf("ForceValidation() error = %v, want ErrNotStarted", err)
			}
			h.Stop()
			h.Stop()
		})
	}
}

func TestStartValidatesImmediately(t *testing.T) {
	h := startHarness(t, Options{Interval: time.Second}, valid())

	req := waitCall(t, h.auth.calls)
	if req.SessionID != "sess-1" || req.Fingerprint != "ab12cd34" || req.FileID != "file-1" {
		t.Errorf("unexpected request %+v", req)
	}
	e := waitEvent(t, h.events)
	if e.Type != event.TypeValidated {
		t.Errorf("event type = %s, want validated", e.Type)
	}
	st := h.handle.State()
	if st.Status != StatusValid || st.ValidationCount != 1 {
		t.Errorf("state = %+v", st)
	}
	if !st.LastValidatedAt.Equal(h.clock.Now()) {
		t.Errorf("LastValidatedAt = %v, want %v", st.LastValidatedAt, h.clock.Now())
	}
	if h.handle.Phase() != PhasePolling {
		t.Errorf("Phase() = %s, want polling", h.handle.Phase())
	}
}

func TestDefaultInterval(t *testing.T) {
	h := startHarness(t, Options{}, valid())
	waitCall(t, h.auth.calls)
	waitEvent(t, h.events)

	h.clock.Advance(DefaultInterval - time.Millisecond)
	expectNoCall(t, h.auth.calls)
	h.clock.Advance(time.Millisecond)
	waitCall(t, h.auth.calls)
}

func TestIntervalTriggersExactlyOneCall(t *testing.T) {
	expires := time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC).UnixMilli()
	h := startHarness(t, Options{Interval: 1000 * time.Millisecond},
		outcome{resp: Response{Valid: true, ExpiresAt: &expires}})

	waitCall(t, h.auth.calls)
	waitEvent(t, h.events)
	if st := h.handle.State(); st.ExpiresAt == nil || st.ExpiresAt.UnixMilli() != expires {
		t.Errorf("ExpiresAt = %v, want %d", st.ExpiresAt, expires)
	}

	h.clock.Advance(1000 * time.Millisecond)
	waitCall(t, h.auth.calls)
	expectNoCall(t, h.auth.calls)
	waitEvent(t, h.events)

	if got := h.handle.State().ValidationCount; got != 2 {
		t.Errorf("ValidationCount = %d, want 2", got)
	}
}

func TestForceValidationKeepsSchedule(t *testing.T) {
	h := startHarness(t, Options{Interval: time.Second}, valid())
	waitCall(t, h.auth.calls)
	waitEvent(t, h.events)

	h.clock.Advance(500 * time.Millisecond)
	res, err := h.handle.ForceValidation(context.Background())
	if err != nil {
		t.Fatalf("ForceValidation() error = %v", err)
	}
	if res.Status != StatusValid || res.Event.Type != event.TypeValidated {
		t.Errorf("result = %+v", res)
	}
	waitCall(t, h.auth.calls)
	waitEvent(t, h.events)

	h.clock.Advance(499 * time.Millisecond)
	expectNoCall(t, h.auth.calls)

	h.clock.Advance(1 * time.Millisecond)
	waitCall(t, h.auth.calls)
	expectNoCall(t, h.auth.calls)
}

func TestStopCancelsSchedule(t *testing.T) {
	h := startHarness(t, Options{Interval: time.Second}, valid())
	waitCall(t, h.auth.calls)
	waitEvent(t, h.events)

	h.handle.Stop()
	h.clock.Advance(time.Hour)
	expectNoCall(t, h.auth.calls)

	select {
	case <-h.handle.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("polling goroutine did not exit")
	}
	if h.handle.Phase() != PhaseStopped {
		t.Errorf("Phase() = %s, want stopped", h.handle.Phase())
	}
	if _, err := h.handle.ForceValidation(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("ForceValidation() error = %v, want ErrStopped", err)
	}
	h.handle.Stop()
}

func TestStopDiscardsInFlightResult(t *testing.T) {
	clock := newFakeClock()
	auth := newFakeAuthority(invalid(ReasonRevoked))
	auth.block = make(chan struct{})
	log := event.NewLog()
	var fired bool
	var mu sync.Mutex

	v := New(auth, log, WithClock(clock))
	h := v.Start(Options{
		SessionID:   "sess-1",
		Fingerprint: "ab12",
		OnEvent:     func(event.SecurityEvent) { mu.Lock(); fired = true; mu.Unlock() },
		OnInvalid:   func(string) { mu.Lock(); fired = true; mu.Unlock() },
	})
	waitCall(t, auth.calls)

	h.Stop()
	close(auth.block)
	<-h.Done()

	mu.Lock()
	defer mu.Unlock()
	if fired {
		t.Error("callbacks fired for a result that completed after Stop")
	}
	if log.Len() != 0 {
		t.Errorf("log holds %d events, want 0", log.Len())
	}
	if st := h.State(); st.Status != StatusUnknown {
		t.Errorf("state mutated after stop: %+v", st)
	}
}

func TestInvalidSessionPropagation(t *testing.T) {
	tests := []struct {
		reason     string
		wantStatus Status
		wantEvent  event.Type
		wantReason string
	}{
		{ReasonRevoked, StatusRevoked, event.TypeRevoked, "revoked"},
		{ReasonExpired, StatusExpired, event.TypeExpired, "expired"},
		{ReasonFingerprintMismatch, StatusFingerprintMismatch, event.TypeFingerprintMismatch, "fingerprint_mismatch"},
		{"banned", StatusRevoked, event.TypeRevoked, "banned"},
		{"", StatusRevoked, event.TypeRevoked, "revoked"},
	}
	for _, tt := range tests {
		t.Run("reason="+tt.reason, func(t *testing.T) {
			h := startHarness(t, Options{Interval: time.Second}, invalid(tt.reason))
			waitCall(t, h.auth.calls)

			e := waitEvent(t, h.events)
			if e.Type != tt.wantEvent {
				t.Errorf("event type = %s, want %s", e.Type, tt.wantEvent)
			}
			select {
			case got := <-h.invalids:
				if got != tt.wantReason {
					t.Errorf("OnInvalid(%q), want %q", got, tt.wantReason)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("OnInvalid not called")
			}
			select {
			case extra := <-h.invalids:
				t.Errorf("OnInvalid called twice, second with %q", extra)
			case <-time.After(50 * time.Millisecond):
			}
			if st := h.handle.State(); st.Status != tt.wantStatus || st.ValidationCount != 0 {
				t.Errorf("state = %+v, want status %s", st, tt.wantStatus)
			}
		})
	}
}

func TestInvalidOutcomeStopsSchedule(t *testing.T) {
	for _, reason := range []string{ReasonRevoked, ReasonExpired, ReasonFingerprintMismatch} {
		t.Run(reason, func(t *testing.T) {
			h := startHarness(t, Options{Interval: time.Second}, invalid(reason), valid())
			waitCall(t, h.auth.calls)
			waitEvent(t, h.events)
			<-h.invalids

			select {
			case <-h.handle.Done():
			case <-time.After(2 * time.Second):
				t.Fatal("polling goroutine did not exit after invalidation")
			}
			h.clock.Advance(time.Hour)
			expectNoCall(t, h.auth.calls)
			select {
			case extra := <-h.invalids:
				t.Errorf("OnInvalid fired again with %q", extra)
			default:
			}
			if h.handle.Phase() != PhaseStopped {
				t.Errorf("Phase() = %s, want stopped", h.handle.Phase())
			}
			if _, err := h.handle.ForceValidation(context.Background()); !errors.Is(err, ErrStopped) {
				t.Errorf("ForceValidation() error = %v, want ErrStopped", err)
			}
			if st := h.handle.State(); st.Status == StatusValid {
				t.Errorf("state = %+v, want invalid status kept", st)
			}
		})
	}
}

func TestTransientFailureDoesNotInvalidate(t *testing.T) {
	h := startHarness(t, Options{Interval: time.Second}, transportErr(), valid())

	waitCall(t, h.auth.calls)
	e := waitEvent(t, h.events)
	if e.Type != event.TypeError {
		t.Fatalf("event type = %s, want error", e.Type)
	}
	if e.Metadata["consecutiveFailures"] != 1 {
		t.Errorf("consecutiveFailures = %v, want 1", e.Metadata["consecutiveFailures"])
	}
	if st := h.handle.State(); st.Status != StatusUnknown {
		t.Errorf("transport error changed status to %s", st.Status)
	}

	h.clock.Advance(time.Second)
	waitCall(t, h.auth.calls)
	if e := waitEvent(t, h.events); e.Type != event.TypeValidated {
		t.Errorf("event type = %s, want validated", e.Type)
	}

	select {
	case r := <-h.invalids:
		t.Errorf("OnInvalid(%q) called for a transport error", r)
	default:
	}
	if st := h.handle.State(); st.Status != StatusValid {
		t.Errorf("final status = %s, want valid", st.Status)
	}
}

func TestTransportErrorKeepsLastKnownState(t *testing.T) {
	h := startHarness(t, Options{Interval: time.Second}, valid(), transportErr())
	waitCall(t, h.auth.calls)
	waitEvent(t, h.events)
	before := h.handle.State()

	res, err := h.handle.ForceValidation(context.Background())
	if err == nil || res.Status != StatusError {
		t.Fatalf("ForceValidation() = %+v, %v; want transport error", res, err)
	}
	after := h.handle.State()
	if after.Status != StatusValid || after.ValidationCount != before.ValidationCount || !after.LastValidatedAt.Equal(before.LastValidatedAt) {
		t.Errorf("state changed on transport error: before %+v after %+v", before, after)
	}
}

func TestTimeoutIsTransportFailure(t *testing.T) {
	clock := newFakeClock()
	auth := newFakeAuthority(valid())
	auth.block = make(chan struct{})
	defer close(auth.block)
	events := make(chan event.SecurityEvent, 10)
	invalids := make(chan string, 10)

	v := New(auth, event.NewLog(), WithClock(clock))
	h := v.Start(Options{
		SessionID:   "sess-1",
		Fingerprint: "ab12",
		Timeout:     20 * time.Millisecond,
		OnEvent:     func(e event.SecurityEvent) { events <- e },
		OnInvalid:   func(r string) { invalids <- r },
	})
	defer h.Stop()

	waitCall(t, auth.calls)
	if e := waitEvent(t, events); e.Type != event.TypeError {
		t.Errorf("event type = %s, want error", e.Type)
	}
	if len(invalids) != 0 {
		t.Error("timeout must not invalidate the session")
	}
}

func TestConcurrentForcedValidationsKeepEventOrder(t *testing.T) {
	h := startHarness(t, Options{Interval: time.Hour}, valid())
	waitCall(t, h.auth.calls)
	waitEvent(t, h.events)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.handle.ForceValidation(context.Background()); err != nil {
				t.Errorf("ForceValidation() error = %v", err)
			}
		}()
	}
	wg.Wait()

	logged := h.log.Events()
	if len(logged) != n+1 {
		t.Fatalf("log holds %d events, want %d", len(logged), n+1)
	}
	for i := 1; i < len(logged); i++ {
		got := waitEvent(t, h.events)
		if got.ID != logged[i].ID {
			t.Fatalf("callback order diverges from log at %d", i)
		}
	}
	if got := h.handle.State().ValidationCount; got != n+1 {
		t.Errorf("ValidationCount = %d, want %d", got, n+1)
	}
}

func TestStopFromOnInvalidDoesNotDeadlock(t *testing.T) {
	clock := newFakeClock()
	auth := newFakeAuthority(invalid(ReasonRevoked))
	stopped := make(chan struct{})

	v := New(auth, event.NewLog(), WithClock(clock))
	var h *Handle
	var ready sync.WaitGroup
	ready.Add(1)
	h = v.Start(Options{
		SessionID:   "sess-1",
		Fingerprint: "ab12",
		OnInvalid: func(string) {
			ready.Wait()
			h.Stop()
			close(stopped)
		},
	})
	ready.Done()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop from OnInvalid deadlocked")
	}
	<-h.Done()
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *recordingObserver) ObserveValidation(outcome string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func TestObserver(t *testing.T) {
	obs := &recordingObserver{}
	auth := newFakeAuthority(valid(), transportErr(), invalid(ReasonExpired))
	events := make(chan event.SecurityEvent, 10)
	v := New(auth, event.NewLog(), WithClock(newFakeClock()), WithObserver(obs))
	h := v.Start(Options{
		SessionID:   "s",
		Fingerprint: "f",
		Interval:    time.Hour,
		OnEvent:     func(e event.SecurityEvent) { events <- e },
	})
	defer h.Stop()
	waitCall(t, auth.calls)
	waitEvent(t, events)

	_, _ = h.ForceValidation(context.Background())
	_, _ = h.ForceValidation(context.Background())

	obs.mu.Lock()
	defer obs.mu.Unlock()
	want := []string{"valid", "error", "expired"}
	if len(obs.outcomes) != len(want) {
		t.Fatalf("outcomes = %v, want %v", obs.outcomes, want)
	}
	for i := range want {
		if obs.outcomes[i] != want[i] {
			t.Errorf("outcome[%d] = %s, want %s", i, obs.outcomes[i], want[i])
		}
	}
}
