package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/gowebpki/jcs"
	"github.com/rs/zerolog/log"
)

// Hash derives the Fingerprint of c: SHA-256 over the RFC 8785 canonical
// JSON encoding. Nothing but c enters the payload.
func Hash(c Characteristics) Fingerprint {
	raw, err := json.Marshal(c)
	if err != nil {
		// Characteristics only holds strings, ints and bools.
		log.Error().Err(err).Msg("fingerprint: marshal characteristics")
		raw = []byte("{}")
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		log.Warn().Err(err).Msg("fingerprint: canonicalize failed, hashing raw encoding")
		canonical = raw
	}
	sum := sha256.Sum256(canonical)
	return Fingerprint(hex.EncodeToString(sum[:]))
}
