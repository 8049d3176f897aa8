// Package incident batches security incidents and delivers them to a
// reporting endpoint with bounded exponential backoff.
package incident

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shortontech/previewguard/internal/event"
)

// ErrClosed is returned by Report after Stop.
var ErrClosed = errors.New("incident reporter closed")

// Config controls batching and retries. Zero fields take the defaults.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	// QueueLimit bounds undelivered incidents; the oldest are dropped first.
	QueueLimit int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.QueueLimit <= 0 {
		c.QueueLimit = 1000
	}
	return c
}

// Observer receives delivery outcomes. *metrics.Metrics implements it.
type Observer interface {
	IncidentsSent(n int)
	IncidentRetry()
	IncidentsLost(n int)
	SetIncidentQueueDepth(n int)
}

type nopObserver struct{}

func (nopObserver) IncidentsSent(int)         {}
func (nopObserver) IncidentRetry()            {}
func (nopObserver) IncidentsLost(int)         {}
func (nopObserver) SetIncidentQueueDepth(int) {}

type Option func(*Reporter)

func WithObserver(o Observer) Option { return func(r *Reporter) { r.observer = o } }

// Reporter queues incidents and delivers them in batches.
type Reporter struct {
	transport Transport
	cfg       Config
	observer  Observer
	sleep     func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	queue   []event.Incident
	closed  bool
	running bool

	// deliverMu serializes batch delivery between the loop and Flush.
	deliverMu sync.Mutex

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
}

func New(transport Transport, cfg Config, opts ...Option) *Reporter {
	r := &Reporter{
		transport: transport,
		cfg:       cfg.withDefaults(),
		observer:  nopObserver{},
		sleep:     sleepCtx,
		kick:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Backoff is the delay before retry n (n >= 1): BaseDelay doubled n-1
// times, capped at MaxDelay.
func (r *Reporter) Backoff(n int) time.Duration {
	d := r.cfg.BaseDelay
	for i := 1; i < n && d < r.cfg.MaxDelay; i++ {
		d *= 2
	}
	if d > r.cfg.MaxDelay {
		d = r.cfg.MaxDelay
	}
	return d
}

// Start runs the delivery loop until Stop or ctx is done. Deliveries and
// their retries run under ctx.
func (r *Reporter) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running || r.closed {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.loop(ctx)
}

func (r *Reporter) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.Flush(ctx)
		case <-r.kick:
			r.flushFull(ctx)
		}
	}
}

// Report queues inc, stamping an id and timestamp when missing.
func (r *Reporter) Report(inc event.Incident) error {
	inc = inc.Stamp()
	if err := inc.Validate(); err != nil {
		return fmt.Errorf("report incident: %w", err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	var dropped []event.Incident
	r.queue = append(r.queue, inc)
	if over := len(r.queue) - r.cfg.QueueLimit; over > 0 {
		dropped = append(dropped, r.queue[:over]...)
		r.queue = append([]event.Incident(nil), r.queue[over:]...)
	}
	depth := len(r.queue)
	full := depth >= r.cfg.BatchSize
	r.mu.Unlock()

	r.observer.SetIncidentQueueDepth(depth)
	if len(dropped) > 0 {
		r.observer.IncidentsLost(len(dropped))
		log.Warn().Int("dropped", len(dropped)).Msg("incident queue full, dropped oldest")
	}
	if full {
		select {
		case r.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// Pending returns the number of queued, undelivered incidents.
func (r *Reporter) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// take removes up to BatchSize incidents from the head of the queue. With
// fullOnly it takes nothing unless a whole batch is waiting.
func (r *Reporter) take(fullOnly bool) []event.Incident {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.queue)
	if n == 0 || (fullOnly && n < r.cfg.BatchSize) {
		return nil
	}
	if n > r.cfg.BatchSize {
		n = r.cfg.BatchSize
	}
	batch := make([]event.Incident, n)
	copy(batch, r.queue[:n])
	r.queue = r.queue[n:]
	r.observer.SetIncidentQueueDepth(len(r.queue))
	return batch
}

func (r *Reporter) flushFull(ctx context.Context) {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()
	for ctx.Err() == nil {
		batch := r.take(true)
		if batch == nil {
			return
		}
		r.deliver(ctx, batch)
	}
}

// Flush delivers everything queued now, batch by batch. Incidents whose
// batch fails every attempt are dropped.
func (r *Reporter) Flush(ctx context.Context) {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()
	for ctx.Err() == nil {
		batch := r.take(false)
		if batch == nil {
			return
		}
		r.deliver(ctx, batch)
	}
}

// deliver tries a batch up to MaxAttempts times. The batch has already left
// the queue, so it is either delivered or dropped here.
func (r *Reporter) deliver(ctx context.Context, batch []event.Incident) {
	var err error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if err = r.transport.Deliver(ctx, batch); err == nil {
			r.observer.IncidentsSent(len(batch))
			log.Debug().Int("count", len(batch)).Int("attempt", attempt).Msg("incidents delivered")
			return
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}
		delay := r.Backoff(attempt)
		r.observer.IncidentRetry()
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("incident delivery failed")
		if serr := r.sleep(ctx, delay); serr != nil {
			err = fmt.Errorf("%w (retry abandoned: %v)", err, serr)
			break
		}
	}
	r.observer.IncidentsLost(len(batch))
	ids := make([]string, len(batch))
	for i, inc := range batch {
		ids[i] = inc.ID
	}
	log.Error().Err(err).Strs("incident_ids", ids).Int("attempts", r.cfg.MaxAttempts).Msg("incident batch dropped")
}

// Stop rejects further reports, lets an in-flight delivery finish, then
// delivers what is still queued. ctx bounds the wait and the final
// delivery, including its retries.
func (r *Reporter) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	done := r.done
	r.mu.Unlock()

	close(r.stop)
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.Flush(ctx)
	if n := r.Pending(); n > 0 {
		r.mu.Lock()
		r.queue = nil
		r.mu.Unlock()
		r.observer.IncidentsLost(n)
		log.Error().Int("dropped", n).Msg("incident reporter stopped with undelivered incidents")
	}
	return ctx.Err()
}
