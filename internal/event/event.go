package event

import (
	"time"

	"github.com/google/uuid"
)

// Type names a security event. Values are the wire names.
type Type string

// Session validation outcomes.
const (
	TypeValidated           Type = "validated"
	TypeExpired             Type = "expired"
	TypeRevoked             Type = "revoked"
	TypeFingerprintMismatch Type = "fingerprint_mismatch"
	TypeError               Type = "error"
)

// Interaction events raised by the preview page interceptors.
const (
	TypeCopyAttempt       Type = "copy_attempt"
	TypePrintAttempt      Type = "print_attempt"
	TypeScreenshotAttempt Type = "screenshot_attempt"
	TypeDevToolsOpen      Type = "devtools_open"
	TypeContextMenu       Type = "context_menu"
	TypeFocusLost         Type = "focus_lost"
	TypeDragAttempt       Type = "drag_attempt"
	TypeDownloadAttempt   Type = "download_attempt"
)

// Server-side events.
const (
	TypeSessionRegistered   Type = "session_registered"
	TypeSessionRebound      Type = "session_rebound"
	TypeAutomationSuspected Type = "automation_suspected"
)

var knownTypes = map[Type]bool{
	TypeValidated: true, TypeExpired: true, TypeRevoked: true, TypeFingerprintMismatch: true, TypeError: true,
	TypeCopyAttempt: true, TypePrintAttempt: true, TypeScreenshotAttempt: true, TypeDevToolsOpen: true,
	TypeContextMenu: true, TypeFocusLost: true, TypeDragAttempt: true, TypeDownloadAttempt: true,
	TypeSessionRegistered: true, TypeSessionRebound: true, TypeAutomationSuspected: true,
}

// Valid reports whether t is one of the known event types.
func (t Type) Valid() bool { return knownTypes[t] }

// IsInteraction reports whether t is produced by a page interceptor.
func (t Type) IsInteraction() bool {
	switch t {
	case TypeCopyAttempt, TypePrintAttempt, TypeScreenshotAttempt, TypeDevToolsOpen,
		TypeContextMenu, TypeFocusLost, TypeDragAttempt, TypeDownloadAttempt:
		return true
	}
	return false
}

// SecurityEvent is one entry of the audit trail. Events are never modified
// once appended.
type SecurityEvent struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Timestamp int64          `json:"timestamp"` // ms since epoch
	SessionID string         `json:"sessionId"`
	FileID    string         `json:"fileId"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// New builds an event stamped with a fresh id and the current time.
func New(t Type, sessionID, fileID string, metadata map[string]any) SecurityEvent {
	return SecurityEvent{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: NowMillis(),
		SessionID: sessionID,
		FileID:    fileID,
		Metadata:  metadata,
	}
}

func (e SecurityEvent) RecordID() string   { return e.ID }
func (e SecurityEvent) RecordKind() string { return KindEvent }
func (e SecurityEvent) RecordType() string { return string(e.Type) }

// NowMillis returns the current time in ms since epoch.
func NowMillis() int64 { return time.Now().UnixMilli() }

func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
