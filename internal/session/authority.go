package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shortontech/previewguard/internal/signature"
)

// ValidatePath is appended to the API base URL.
const ValidatePath = "/auth/validate-session"

const maxResponseBytes = 1 << 20

// HTTPAuthority calls the validation endpoint of a previewguard server.
type HTTPAuthority struct {
	endpoint string
	secret   []byte
	client   *http.Client
}

type HTTPOption func(*HTTPAuthority)

// WithSecret signs request bodies with the shared HMAC secret.
func WithSecret(secret string) HTTPOption {
	return func(a *HTTPAuthority) { a.secret = []byte(secret) }
}

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(a *HTTPAuthority) { a.client = c }
}

// NewHTTPAuthority targets baseURL, which includes the API prefix
// (for example http://localhost:19890/api/v1).
func NewHTTPAuthority(baseURL string, opts ...HTTPOption) *HTTPAuthority {
	a := &HTTPAuthority{
		endpoint: strings.TrimRight(baseURL, "/") + ValidatePath,
		client:   &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *HTTPAuthority) Validate(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-Time", fmt.Sprintf("%d", time.Now().UnixMilli()))
	if sig := signature.Sign(a.secret, body); sig != "" {
		httpReq.Header.Set(signature.Header, sig)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("post %s: %w", a.endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Response{}, fmt.Errorf("authority returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}
