package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shortontech/previewguard/internal/authority"
	"github.com/shortontech/previewguard/internal/event"
	"github.com/shortontech/previewguard/internal/event/detection"
	"github.com/shortontech/previewguard/internal/fingerprint"
	"github.com/shortontech/previewguard/internal/metrics"
	"github.com/shortontech/previewguard/internal/session"
	cfg "github.com/shortontech/previewguard/pkg/config"
)

type Env struct {
	Cfg      cfg.Config
	Service  *authority.Service
	Log      *event.Log         // server audit trail
	Emit     func(event.Record) // sink fan-out for incidents
	HMACAuth *HMACAuth
	Detector *detection.Analyzer
	Limiter  *RateLimiter
	Metrics  *metrics.Metrics
	// Ready reports whether dependencies (session store) are reachable.
	Ready func(ctx context.Context) error
}

func (e Env) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (e Env) Readyz(w http.ResponseWriter, r *http.Request) {
	if e.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := e.Ready(ctx); err != nil {
			log.Warn().Err(err).Msg("readiness check failed")
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// readBody enforces the content type, the body cap and the signature. It
// writes the error response itself and reports whether to continue.
func (e Env) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "application/json") {
		writeError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return nil, false
	}
	defer r.Body.Close()

	limit := e.Cfg.MaxBodyBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	if e.HMACAuth != nil && !e.HMACAuth.VerifyHMAC(r, body) {
		writeError(w, http.StatusUnauthorized, "invalid or missing signature")
		return nil, false
	}
	return body, true
}

// decodeOneOrMany accepts a single JSON object or an array of them.
func decodeOneOrMany[T any](body []byte) ([]T, error) {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		var arr []T
		if err := json.Unmarshal(body, &arr); err != nil {
			return nil, err
		}
		return arr, nil
	}
	var one T
	if err := json.Unmarshal(body, &one); err != nil {
		return nil, err
	}
	return []T{one}, nil
}

// flagAutomation appends automation_suspected when the request looks
// scripted.
func (e Env) flagAutomation(r *http.Request, sessionID, fileID string) {
	if e.Detector == nil || e.Log == nil {
		return
	}
	s := e.Detector.Analyze(r)
	if !s.Automated {
		return
	}
	e.Log.Append(event.New(event.TypeAutomationSuspected, sessionID, fileID, s.Metadata()))
	log.Warn().Str("session_id", sessionID).Strs("reasons", s.Reasons).Msg("automated client suspected")
}

type registerRequest struct {
	FileID          string                       `json:"fileId"`
	Characteristics *fingerprint.Characteristics `json:"characteristics,omitempty"`
	// Report is the raw probe document a browser page sends instead.
	Report *fingerprint.Report `json:"report,omitempty"`
}

type registerResponse struct {
	SessionID   string                  `json:"sessionId"`
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
	ExpiresAt   int64                   `json:"expiresAt"`
}

func (r registerRequest) device() (fingerprint.Characteristics, bool) {
	switch {
	case r.Characteristics != nil:
		return *r.Characteristics, true
	case r.Report != nil:
		_, ch := fingerprint.FromReport(*r.Report)
		return ch, true
	}
	return fingerprint.Characteristics{}, false
}

// POST /sessions issues a session bound to the posted device.
func (e Env) RegisterSession(w http.ResponseWriter, r *http.Request) {
	body, ok := e.readBody(w, r)
	if !ok {
		return
	}
	var req registerRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	ch, ok := req.device()
	if req.FileID == "" || !ok {
		writeError(w, http.StatusBadRequest, "fileId and characteristics or report are required")
		return
	}

	sess, err := e.Service.Register(r.Context(), req.FileID, ch)
	if err != nil {
		log.Error().Err(err).Msg("register session")
		writeError(w, http.StatusServiceUnavailable, "session store unavailable")
		return
	}
	e.flagAutomation(r, sess.ID, sess.FileID)
	writeJSON(w, http.StatusCreated, registerResponse{
		SessionID:   sess.ID,
		Fingerprint: sess.Fingerprint,
		ExpiresAt:   sess.ExpiresAt.UnixMilli(),
	})
}

// POST /auth/validate-session answers the validator's poll.
func (e Env) ValidateSession(w http.ResponseWriter, r *http.Request) {
	body, ok := e.readBody(w, r)
	if !ok {
		return
	}
	var req session.Request
	if err := json.Unmarshal(body, &req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	start := time.Now()
	resp, err := e.Service.Validate(r.Context(), req)
	if err != nil {
		log.Error().Err(err).Str("session_id", req.SessionID).Msg("validate session")
		e.Metrics.ObserveValidation("error", time.Since(start))
		writeError(w, http.StatusServiceUnavailable, "session store unavailable")
		return
	}
	outcome := "valid"
	if !resp.Valid {
		outcome = resp.Reason
	}
	e.Metrics.ObserveValidation(outcome, time.Since(start))
	e.flagAutomation(r, req.SessionID, req.FileID)
	writeJSON(w, http.StatusOK, resp)
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

// POST /sessions/{id}/revoke
func (e Env) RevokeSession(w http.ResponseWriter, r *http.Request) {
	body, ok := e.readBody(w, r)
	if !ok {
		return
	}
	var req revokeRequest
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}

	id := r.PathValue("id")
	_, err := e.Service.Revoke(r.Context(), id, req.Reason)
	switch {
	case errors.Is(err, authority.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
		return
	case err != nil:
		log.Error().Err(err).Str("session_id", id).Msg("revoke session")
		writeError(w, http.StatusServiceUnavailable, "session store unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rebindRequest struct {
	Characteristics fingerprint.Characteristics `json:"characteristics"`
}

type rebindResponse struct {
	SessionID   string                  `json:"sessionId"`
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
	Score       float64                 `json:"score"`
}

// POST /sessions/{id}/rebind moves a session to a drifted device.
func (e Env) RebindSession(w http.ResponseWriter, r *http.Request) {
	body, ok := e.readBody(w, r)
	if !ok {
		return
	}
	var req rebindRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	id := r.PathValue("id")
	sess, score, err := e.Service.Rebind(r.Context(), id, req.Characteristics)
	switch {
	case errors.Is(err, authority.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, authority.ErrRevoked):
		writeError(w, http.StatusGone, "session revoked")
	case errors.Is(err, authority.ErrMismatch):
		writeJSON(w, http.StatusConflict, map[string]any{"error": "device does not match", "score": score})
	case err != nil:
		log.Error().Err(err).Str("session_id", id).Msg("rebind session")
		writeError(w, http.StatusServiceUnavailable, "session store unavailable")
	default:
		writeJSON(w, http.StatusOK, rebindResponse{SessionID: sess.ID, Fingerprint: sess.Fingerprint, Score: score})
	}
}

type eventRequest struct {
	Type      event.Type     `json:"type"`
	SessionID string         `json:"sessionId"`
	FileID    string         `json:"fileId"`
	Timestamp int64          `json:"timestamp"`
	Metadata  map[string]any `json:"metadata"`
}

// POST /events takes interceptor events, one object or an array.
func (e Env) Events(w http.ResponseWriter, r *http.Request) {
	body, ok := e.readBody(w, r)
	if !ok {
		return
	}
	reqs, err := decodeOneOrMany[eventRequest](body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	for i, req := range reqs {
		if !req.Type.IsInteraction() {
			writeError(w, http.StatusBadRequest, "event "+strconv.Itoa(i)+": unsupported type "+strconv.Quote(string(req.Type)))
			return
		}
	}

	for _, req := range reqs {
		ev := event.New(req.Type, req.SessionID, req.FileID, req.Metadata)
		if req.Timestamp > 0 {
			ev.Timestamp = req.Timestamp
		}
		e.Log.Append(ev)
	}
	if len(reqs) > 0 {
		e.flagAutomation(r, reqs[0].SessionID, reqs[0].FileID)
	}
	w.Header().Set("X-PreviewGuard-Accepted", strconv.Itoa(len(reqs)))
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": len(reqs), "status": "ok"})
}

// POST /incidents takes reporter batches, one object or an array.
func (e Env) Incidents(w http.ResponseWriter, r *http.Request) {
	body, ok := e.readBody(w, r)
	if !ok {
		return
	}
	incs, err := decodeOneOrMany[event.Incident](body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	for i := range incs {
		incs[i] = incs[i].Stamp()
		if err := incs[i].Validate(); err != nil {
			writeError(w, http.StatusBadRequest, "incident "+strconv.Itoa(i)+": "+err.Error())
			return
		}
	}

	for _, inc := range incs {
		if e.Emit != nil {
			e.Emit(inc)
		}
		log.Info().
			Str("incident_id", inc.ID).
			Str("type", inc.IncidentType).
			Str("severity", string(inc.Severity)).
			Str("session_id", inc.SessionID).
			Msg("incident received")
	}
	w.Header().Set("X-PreviewGuard-Accepted", strconv.Itoa(len(incs)))
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": len(incs), "status": "ok"})
}

// GET /audit exports the audit trail. With drain=true the returned events
// are removed. When signing is configured the request URI must be signed.
func (e Env) Audit(w http.ResponseWriter, r *http.Request) {
	if e.HMACAuth != nil && !e.HMACAuth.VerifyRequestURI(r) {
		writeError(w, http.StatusUnauthorized, "invalid or missing signature")
		return
	}
	drain, _ := strconv.ParseBool(r.URL.Query().Get("drain"))
	var events []event.SecurityEvent
	if drain {
		events = e.Log.Drain()
	} else {
		events = e.Log.Events()
	}
	writeJSON(w, http.StatusOK, events)
}
