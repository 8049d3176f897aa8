package event

import (
	"fmt"

	"github.com/google/uuid"
)

// Severity of an incident.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity accepts the wire names.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(s), nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// Incident is a discrete security occurrence queued for remote delivery.
type Incident struct {
	ID           string         `json:"id"`
	IncidentType string         `json:"incidentType"`
	Severity     Severity       `json:"severity"`
	Message      string         `json:"message"`
	Details      map[string]any `json:"details,omitempty"`
	Timestamp    int64          `json:"timestamp"`
	SessionID    string         `json:"sessionId,omitempty"`
	FileID       string         `json:"fileId,omitempty"`
}

func (i Incident) RecordID() string   { return i.ID }
func (i Incident) RecordKind() string { return KindIncident }
func (i Incident) RecordType() string { return i.IncidentType }

// Stamp fills in a missing id and timestamp.
func (i Incident) Stamp() Incident {
	if i.ID == "" {
		i.ID = uuid.NewString()
	}
	if i.Timestamp == 0 {
		i.Timestamp = NowMillis()
	}
	return i
}

// Validate checks the fields the intake endpoint requires.
func (i Incident) Validate() error {
	if i.IncidentType == "" {
		return fmt.Errorf("incidentType is required")
	}
	if _, err := ParseSeverity(string(i.Severity)); err != nil {
		return err
	}
	return nil
}

var incidentRules = map[Type]struct {
	severity Severity
	message  string
}{
	TypeRevoked:             {SeverityHigh, "session revoked during preview"},
	TypeFingerprintMismatch: {SeverityCritical, "device fingerprint no longer matches the session"},
	TypeExpired:             {SeverityMedium, "session expired during preview"},
	TypeScreenshotAttempt:   {SeverityHigh, "screenshot attempt blocked"},
	TypePrintAttempt:        {SeverityHigh, "print attempt blocked"},
	TypeDownloadAttempt:     {SeverityHigh, "download attempt blocked"},
	TypeDevToolsOpen:        {SeverityHigh, "developer tools opened"},
	TypeCopyAttempt:         {SeverityMedium, "copy attempt blocked"},
	TypeDragAttempt:         {SeverityMedium, "drag attempt blocked"},
	TypeContextMenu:         {SeverityMedium, "context menu suppressed"},
	TypeFocusLost:           {SeverityLow, "preview lost focus"},
	TypeAutomationSuspected: {SeverityHigh, "automated client suspected"},
}

// IncidentFor maps an event to the incident it should raise. Validations,
// transport errors and server bookkeeping raise none.
func IncidentFor(e SecurityEvent) (Incident, bool) {
	rule, ok := incidentRules[e.Type]
	if !ok {
		return Incident{}, false
	}
	details := cloneMetadata(e.Metadata)
	if details == nil {
		details = map[string]any{}
	}
	details["eventId"] = e.ID
	return Incident{
		IncidentType: string(e.Type),
		Severity:     rule.severity,
		Message:      rule.message,
		Details:      details,
		Timestamp:    e.Timestamp,
		SessionID:    e.SessionID,
		FileID:       e.FileID,
	}.Stamp(), true
}
