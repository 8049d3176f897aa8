package httpx

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/shortontech/previewguard/internal/event"
)

// NewMux builds the API handler. Session, event and incident routes live
// under Cfg.APIBasePath; health checks stay at the root.
func NewMux(e Env) http.Handler {
	if e.Log == nil {
		e.Log = event.NewLog()
	}
	base := "/" + strings.Trim(e.Cfg.APIBasePath, "/")
	if base == "/" {
		base = ""
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", e.Healthz)
	mux.HandleFunc("/readyz", e.Readyz)

	mux.HandleFunc("POST "+base+"/sessions", e.RegisterSession)
	mux.HandleFunc("POST "+base+"/auth/validate-session", e.ValidateSession)
	mux.HandleFunc("POST "+base+"/sessions/{id}/revoke", e.RevokeSession)
	mux.HandleFunc("POST "+base+"/sessions/{id}/rebind", e.RebindSession)
	mux.HandleFunc("GET "+base+"/audit", e.Audit)

	var events, incidents http.Handler = http.HandlerFunc(e.Events), http.HandlerFunc(e.Incidents)
	if e.Limiter != nil {
		events = e.Limiter.Middleware(events)
		incidents = e.Limiter.Middleware(incidents)
	}
	mux.Handle("POST "+base+"/events", events)
	mux.Handle("POST "+base+"/incidents", incidents)

	if e.HMACAuth == nil && e.Cfg.RequireHMAC {
		log.Warn().Msg("REQUIRE_HMAC=true but no HMAC handler configured; requests are not verified")
	}

	// Apply CORS, metrics, and request logging middleware
	return RequestLogger(MetricsMiddleware(e.Metrics)(cors(mux)))
}
