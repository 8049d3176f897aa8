package httpx

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/shortontech/previewguard/internal/signature"
)

// HMACAuth verifies request body signatures. Clients sign with the same
// shared secret (see package signature).
type HMACAuth struct {
	secret      []byte
	requireHMAC bool
}

func NewHMACAuth(secret string, requireHMAC bool) *HMACAuth {
	return &HMACAuth{secret: []byte(secret), requireHMAC: requireHMAC}
}

// VerifyHMAC validates the signature header against payload. Without
// requireHMAC every request passes; a signature that is present is still
// checked.
func (h *HMACAuth) VerifyHMAC(r *http.Request, payload []byte) bool {
	provided := r.Header.Get(signature.Header)
	if !h.requireHMAC && provided == "" {
		return true
	}
	if len(h.secret) == 0 {
		if h.requireHMAC {
			log.Warn().Msg("HMAC verification failed: no secret configured")
			return false
		}
		return true
	}
	if provided == "" {
		log.Warn().Str("path", r.URL.Path).Msg("HMAC verification failed: missing signature header")
		return false
	}
	if !signature.Verify(h.secret, payload, provided) {
		log.Warn().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("HMAC verification failed")
		return false
	}
	return true
}

// VerifyRequestURI checks a signature over the request URI, path and query
// included. Once a secret is configured the signature is mandatory whether
// or not body signing is required.
func (h *HMACAuth) VerifyRequestURI(r *http.Request) bool {
	if len(h.secret) == 0 {
		return !h.requireHMAC
	}
	provided := r.Header.Get(signature.Header)
	if provided == "" || !signature.Verify(h.secret, []byte(r.URL.RequestURI()), provided) {
		log.Warn().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("HMAC verification failed for request URI")
		return false
	}
	return true
}
