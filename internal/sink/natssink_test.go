package sink

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shortontech/previewguard/internal/event"
)

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{subject, data})
	return nil
}

func TestNATSSinkSubjects(t *testing.T) {
	pub := &fakePublisher{}
	s := NewNATSSink("nats://unused:4222", "previewguard")
	s.pub = pub

	odd := sampleIncident("inc-2")
	odd.IncidentType = "custom.type >"

	for _, r := range []event.Record{sampleEvent("evt-1"), sampleIncident("inc-1"), odd} {
		if err := s.Enqueue(r); err != nil {
			t.Fatalf("Enqueue(%s) error = %v", r.RecordID(), err)
		}
	}

	want := []string{
		"previewguard.event.copy_attempt",
		"previewguard.incident.screenshot_attempt",
		"previewguard.incident.custom_type__",
	}
	if len(pub.msgs) != len(want) {
		t.Fatalf("published %d messages, want %d", len(pub.msgs), len(want))
	}
	for i, w := range want {
		if pub.msgs[i].subject != w {
			t.Errorf("subject[%d] = %q, want %q", i, pub.msgs[i].subject, w)
		}
	}

	var env struct {
		Kind string `json:"kind"`
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(pub.msgs[0].data, &env); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if env.Kind != "event" || env.Data.ID != "evt-1" {
		t.Errorf("payload = %+v", env)
	}
}

func TestNATSSinkErrors(t *testing.T) {
	s := NewNATSSink("nats://unused:4222", "previewguard")
	if err := s.Enqueue(sampleEvent("evt-1")); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Enqueue() before Start error = %v, want ErrNotStarted", err)
	}

	boom := errors.New("connection closed")
	s.pub = &fakePublisher{err: boom}
	if err := s.Enqueue(sampleEvent("evt-1")); !errors.Is(err, boom) {
		t.Errorf("Enqueue() error = %v, want wrapped publish error", err)
	}
}

func TestNATSSinkFromEnv(t *testing.T) {
	withEnvVars(t, map[string]string{"NATS_URL": "nats://bus:4222", "NATS_SUBJECT_PREFIX": "audit"}, func() {
		s := NewNATSSinkFromEnv()
		if s.url != "nats://bus:4222" || s.prefix != "audit" {
			t.Errorf("sink = %+v", s)
		}
	})
	if name := NewNATSSink("", "").Name(); name != "nats" {
		t.Errorf("Name() = %q, want nats", name)
	}
	if err := NewNATSSink("", "").Close(); err != nil {
		t.Errorf("Close() without Start error = %v", err)
	}
}
