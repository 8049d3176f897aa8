package session

import (
	"errors"
	"time"

	"github.com/shortontech/previewguard/internal/event"
	"github.com/shortontech/previewguard/internal/fingerprint"
)

var (
	// ErrStopped is returned by operations on a stopped handle.
	ErrStopped = errors.New("session validator stopped")
	// ErrNotStarted is returned by a handle that never started polling
	// because it had no session id or fingerprint.
	ErrNotStarted = errors.New("session validator not started")
)

// Reasons the authority gives for an invalid session.
const (
	ReasonExpired             = "expired"
	ReasonRevoked             = "revoked"
	ReasonFingerprintMismatch = "fingerprint_mismatch"
)

// Status is the last known validity of a session.
type Status string

const (
	StatusUnknown             Status = "unknown"
	StatusValid               Status = "valid"
	StatusExpired             Status = "expired"
	StatusRevoked             Status = "revoked"
	StatusFingerprintMismatch Status = "fingerprint_mismatch"
	// StatusError marks a Result whose call failed in transport. It is
	// never stored in State: transport failures keep the previous status.
	StatusError Status = "error"
)

// statusForReason maps an invalid response's reason. Anything unrecognized,
// including an empty reason, is treated as a revocation.
func statusForReason(reason string) Status {
	switch reason {
	case ReasonExpired:
		return StatusExpired
	case ReasonFingerprintMismatch:
		return StatusFingerprintMismatch
	default:
		return StatusRevoked
	}
}

func (s Status) eventType() event.Type {
	switch s {
	case StatusValid:
		return event.TypeValidated
	case StatusExpired:
		return event.TypeExpired
	case StatusFingerprintMismatch:
		return event.TypeFingerprintMismatch
	case StatusRevoked:
		return event.TypeRevoked
	}
	return event.TypeError
}

// Phase is the lifecycle of a Handle.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhasePolling Phase = "polling"
	PhaseStopped Phase = "stopped"
)

// State is the validator's view of the session.
type State struct {
	Status          Status     `json:"status"`
	LastValidatedAt time.Time  `json:"lastValidatedAt"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	ValidationCount int        `json:"validationCount"`
}

// Request is what the authority is asked.
type Request struct {
	SessionID   string                  `json:"sessionId"`
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
	FileID      string                  `json:"fileId"`
}

// Response is the authority's answer. ExpiresAt is ms since epoch.
type Response struct {
	Valid     bool   `json:"valid"`
	ExpiresAt *int64 `json:"expiresAt,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Result is the outcome of one validation attempt.
type Result struct {
	Status    Status
	Reason    string
	ExpiresAt *time.Time
	Event     event.SecurityEvent
	Err       error
}
