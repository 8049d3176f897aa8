package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/shortontech/previewguard/internal/event"
)

// publisher is the part of *nats.Conn the sink uses.
type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes each record on <prefix>.<kind>.<type>.
type NATSSink struct {
	url    string
	prefix string

	conn *nats.Conn
	pub  publisher
}

func NewNATSSinkFromEnv() *NATSSink {
	return NewNATSSink(getEnvOr("NATS_URL", nats.DefaultURL), getEnvOr("NATS_SUBJECT_PREFIX", "previewguard"))
}

func NewNATSSink(url, prefix string) *NATSSink {
	return &NATSSink{url: url, prefix: prefix}
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Start(ctx context.Context) error {
	nc, err := nats.Connect(s.url,
		nats.Name("previewguard"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("connect to nats %s: %w", s.url, err)
	}
	s.conn, s.pub = nc, nc
	log.Info().Str("url", s.url).Str("prefix", s.prefix).Msg("nats sink started")
	return nil
}

func (s *NATSSink) Enqueue(r event.Record) error {
	if s.pub == nil {
		return ErrNotStarted
	}
	data, err := json.Marshal(envelope{Kind: r.RecordKind(), Data: r})
	if err != nil {
		return fmt.Errorf("failed to serialize %s: %w", r.RecordKind(), err)
	}
	subject := s.subject(r)
	if err := s.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

var subjectReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

// subject keeps client-chosen incident types from adding tokens or
// wildcards to the subject.
func (s *NATSSink) subject(r event.Record) string {
	typ := subjectReplacer.Replace(r.RecordType())
	if typ == "" {
		typ = "unknown"
	}
	return s.prefix + "." + r.RecordKind() + "." + typ
}

func (s *NATSSink) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Drain()
	s.conn, s.pub = nil, nil
	return err
}
