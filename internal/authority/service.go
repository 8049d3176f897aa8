package authority

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/shortontech/previewguard/internal/event"
	"github.com/shortontech/previewguard/internal/fingerprint"
	"github.com/shortontech/previewguard/internal/session"
)

const (
	DefaultTTL             = time.Hour
	DefaultRebindThreshold = 0.8
)

var (
	// ErrRevoked is returned when rebinding a revoked session.
	ErrRevoked = errors.New("session revoked")
	// ErrMismatch is returned when a rebind scores below the threshold.
	ErrMismatch = errors.New("device does not match the session")
)

// ActiveGauge tracks open sessions. *metrics.Metrics implements it.
type ActiveGauge interface {
	AddActiveSessions(delta float64)
}

type nopGauge struct{}

func (nopGauge) AddActiveSessions(float64) {}

// Service issues sessions and answers validation calls.
type Service struct {
	store     Store
	log       *event.Log
	active    ActiveGauge
	ttl       time.Duration
	threshold float64
	now       func() time.Time

	// mu serializes read-modify-write transitions of a session.
	mu sync.Mutex
}

type Option func(*Service)

func WithTTL(d time.Duration) Option { return func(s *Service) { s.ttl = d } }

func WithRebindThreshold(t float64) Option { return func(s *Service) { s.threshold = t } }

func WithNow(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithLog records registrations, revocations and rebinds in l.
func WithLog(l *event.Log) Option { return func(s *Service) { s.log = l } }

// WithActiveGauge counts a session from registration until it is revoked or
// a validation call finds it expired. Sessions that expire unpolled stay
// counted.
func WithActiveGauge(g ActiveGauge) Option { return func(s *Service) { s.active = g } }

func NewService(store Store, opts ...Option) *Service {
	s := &Service{store: store, active: nopGauge{}, ttl: DefaultTTL, threshold: DefaultRebindThreshold, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTTL
	}
	return s
}

func (s *Service) record(t event.Type, sess Session, metadata map[string]any) {
	if s.log != nil {
		s.log.Append(event.New(t, sess.ID, sess.FileID, metadata))
	}
}

// Register issues a session for fileID bound to the device ch describes.
func (s *Service) Register(ctx context.Context, fileID string, ch fingerprint.Characteristics) (Session, error) {
	now := s.now()
	sess := Session{
		ID:              uuid.NewString(),
		FileID:          fileID,
		Fingerprint:     fingerprint.Hash(ch),
		Characteristics: ch,
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.ttl),
	}
	if err := s.store.Put(ctx, sess); err != nil {
		return Session{}, fmt.Errorf("register session: %w", err)
	}
	s.active.AddActiveSessions(1)
	s.record(event.TypeSessionRegistered, sess, map[string]any{
		"fingerprint": sess.Fingerprint.Short(),
		"expiresAt":   sess.ExpiresAt.UnixMilli(),
	})
	log.Info().
		Str("session_id", sess.ID).
		Str("file_id", fileID).
		Str("fingerprint", sess.Fingerprint.Short()).
		Msg("session registered")
	return sess, nil
}

// Validate answers one validation call. Only store failures are errors;
// every other outcome is a Response.
func (s *Service) Validate(ctx context.Context, req session.Request) (session.Response, error) {
	sess, err := s.store.Get(ctx, req.SessionID)
	if errors.Is(err, ErrNotFound) {
		return invalid(session.ReasonRevoked), nil
	}
	if err != nil {
		return session.Response{}, fmt.Errorf("validate session: %w", err)
	}

	switch {
	case sess.Revoked:
		return invalid(session.ReasonRevoked), nil
	case req.FileID != "" && sess.FileID != "" && req.FileID != sess.FileID:
		// A session is issued for one file.
		return invalid(session.ReasonRevoked), nil
	case !s.now().Before(sess.ExpiresAt):
		s.markExpired(ctx, sess.ID)
		return invalid(session.ReasonExpired), nil
	case req.Fingerprint != sess.Fingerprint:
		return invalid(session.ReasonFingerprintMismatch), nil
	}
	exp := sess.ExpiresAt.UnixMilli()
	return session.Response{Valid: true, ExpiresAt: &exp}, nil
}

func invalid(reason string) session.Response {
	return session.Response{Valid: false, Reason: reason}
}

// markExpired records the first observation of an expired session. A store
// failure only delays the gauge update to the next poll.
func (s *Service) markExpired(ctx context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.store.Get(ctx, id)
	if err != nil || sess.Expired {
		return
	}
	wasActive := sess.active()
	sess.Expired = true
	if err := s.store.Put(ctx, sess); err != nil {
		log.Warn().Err(err).Str("session_id", sess.ID).Msg("mark session expired")
		return
	}
	if wasActive {
		s.active.AddActiveSessions(-1)
	}
}

// Revoke marks a session revoked. It reports whether this call revoked it;
// revoking twice keeps the first reason.
func (s *Service) Revoke(ctx context.Context, id, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return false, fmt.Errorf("revoke session: %w", err)
	}
	if sess.Revoked {
		return false, nil
	}
	if reason == "" {
		reason = session.ReasonRevoked
	}
	wasActive := sess.active()
	sess.Revoked = true
	sess.RevokedReason = reason
	if err := s.store.Put(ctx, sess); err != nil {
		return false, fmt.Errorf("revoke session: %w", err)
	}
	if wasActive {
		s.active.AddActiveSessions(-1)
	}
	s.record(event.TypeRevoked, sess, map[string]any{"reason": reason})
	log.Info().Str("session_id", id).Str("reason", reason).Msg("session revoked")
	return true, nil
}

// Rebind moves a session to a drifted device when the new characteristics
// score at least the rebind threshold against the registered ones. It
// returns the updated session and the score.
func (s *Service) Rebind(ctx context.Context, id string, ch fingerprint.Characteristics) (Session, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return Session{}, 0, fmt.Errorf("rebind session: %w", err)
	}
	if sess.Revoked {
		return Session{}, 0, ErrRevoked
	}
	score := fingerprint.Compare(&sess.Characteristics, &ch)
	if score < s.threshold {
		log.Warn().Str("session_id", id).Float64("score", score).Msg("rebind refused")
		return Session{}, score, fmt.Errorf("%w: score %.2f below %.2f", ErrMismatch, score, s.threshold)
	}

	previous := sess.Fingerprint
	sess.Characteristics = ch
	sess.Fingerprint = fingerprint.Hash(ch)
	if err := s.store.Put(ctx, sess); err != nil {
		return Session{}, score, fmt.Errorf("rebind session: %w", err)
	}
	s.record(event.TypeSessionRebound, sess, map[string]any{
		"previous":    previous.Short(),
		"fingerprint": sess.Fingerprint.Short(),
		"score":       score,
	})
	log.Info().Str("session_id", id).Float64("score", score).Msg("session rebound")
	return sess, score, nil
}

// Get returns a stored session.
func (s *Service) Get(ctx context.Context, id string) (Session, error) {
	return s.store.Get(ctx, id)
}
