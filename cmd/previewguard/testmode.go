package main

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/shortontech/previewguard/internal/event"
)

// generateTestRecords builds one preview session's worth of sample audit
// records: its events followed by the incidents they raise.
func generateTestRecords() []event.Record {
	sessionID := "session-" + uuid.NewString()[:8]
	fileID := "file-" + uuid.NewString()[:8]
	expires := time.Now().Add(time.Hour).UnixMilli()

	events := []event.SecurityEvent{
		event.New(event.TypeSessionRegistered, sessionID, fileID, map[string]any{
			"fingerprint": "3f1c9a0e2b7d4c58",
		}),
		event.New(event.TypeValidated, sessionID, fileID, map[string]any{
			"expiresAt":       expires,
			"validationCount": 1,
		}),
		event.New(event.TypeCopyAttempt, sessionID, fileID, map[string]any{
			"selection": 42,
		}),
		event.New(event.TypeScreenshotAttempt, sessionID, fileID, map[string]any{
			"key": "PrintScreen",
		}),
		event.New(event.TypeFingerprintMismatch, sessionID, fileID, map[string]any{
			"reason": "fingerprint_mismatch",
		}),
	}

	records := make([]event.Record, 0, len(events)*2)
	for _, e := range events {
		records = append(records, e)
	}
	for _, e := range events {
		if inc, ok := event.IncidentFor(e); ok {
			records = append(records, inc)
		}
	}
	return records
}

// runTestMode pushes sample records through emit, pausing between them so
// downstream consumers can be watched.
func runTestMode(emit func(event.Record), delay time.Duration) {
	log.Info().Msg("test mode: emitting sample records")
	records := generateTestRecords()
	for i, r := range records {
		emit(r)
		log.Info().
			Int("n", i+1).
			Str("kind", r.RecordKind()).
			Str("type", r.RecordType()).
			Str("id", r.RecordID()).
			Msg("test mode: record emitted")
		if delay > 0 {
			time.Sleep(delay)
		}
	}
	log.Info().Int("count", len(records)).Msg("test mode: done")
}
