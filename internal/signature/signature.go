// Package signature implements the HMAC-SHA256 request signing shared by
// the clients and the server. It is a placeholder trust boundary: the
// secret is shared, so it authenticates deployments, not individual users.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Header carries the hex signature of the request body.
const Header = "X-PreviewGuard-Signature"

// Sign returns hex(HMAC-SHA256(secret, body)), or "" without a secret.
func Sign(secret []byte, body []byte) string {
	if len(secret) == 0 {
		return ""
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify compares sig against the expected signature in constant time.
func Verify(secret []byte, body []byte, sig string) bool {
	if len(secret) == 0 || sig == "" {
		return false
	}
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(sig))
}
