package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/shortontech/previewguard/internal/event"
)

// LogSink appends one JSON envelope per line to LOG_PATH (default
// ndjson.log). LOG_PATH=stdout writes to standard output instead.
type LogSink struct {
	dst string

	mu sync.Mutex
	f  *os.File
	w  io.Writer
}

func NewLogSink() *LogSink { return &LogSink{dst: getEnvOr("LOG_PATH", "ndjson.log")} }

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dst == "stdout" {
		s.w = os.Stdout
		return nil
	}
	f, err := os.OpenFile(s.dst, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.dst, err)
	}
	s.f, s.w = f, f
	log.Info().Str("path", s.dst).Msg("log sink writing ndjson")
	return nil
}

func (s *LogSink) Enqueue(r event.Record) error {
	b, err := json.Marshal(envelope{Kind: r.RecordKind(), Data: r})
	if err != nil {
		return fmt.Errorf("failed to serialize %s: %w", r.RecordKind(), err)
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return ErrNotStarted
	}
	if _, err := s.w.Write(b); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

func (s *LogSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w = nil
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
