package incident

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shortontech/previewguard/internal/event"
	"github.com/shortontech/previewguard/internal/signature"
	"github.com/shortontech/previewguard/internal/sink"
)

// Transport delivers one batch. A returned error means the whole batch is
// retried.
type Transport interface {
	Deliver(ctx context.Context, batch []event.Incident) error
}

// IncidentsPath is appended to the API base URL.
const IncidentsPath = "/incidents"

// HTTPTransport posts batches as a JSON array to a previewguard server.
type HTTPTransport struct {
	endpoint string
	secret   []byte
	client   *http.Client
}

type HTTPOption func(*HTTPTransport)

func WithSecret(secret string) HTTPOption {
	return func(t *HTTPTransport) { t.secret = []byte(secret) }
}

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(t *HTTPTransport) { t.client = c }
}

func NewHTTPTransport(baseURL string, opts ...HTTPOption) *HTTPTransport {
	t := &HTTPTransport{
		endpoint: strings.TrimRight(baseURL, "/") + IncidentsPath,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *HTTPTransport) Deliver(ctx context.Context, batch []event.Incident) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode incidents: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sig := signature.Sign(t.secret, body); sig != "" {
		req.Header.Set(signature.Header, sig)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", t.endpoint, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("incident endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// SinkTransport writes incidents straight into an audit sink, for
// processes that host the sinks themselves.
type SinkTransport struct {
	Sink sink.Sink
}

func (t SinkTransport) Deliver(ctx context.Context, batch []event.Incident) error {
	var errs []error
	for _, inc := range batch {
		if err := t.Sink.Enqueue(inc); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", inc.ID, err))
		}
	}
	return errors.Join(errs...)
}
