package gateway

import (
	"crypto/sha256"
	"encoding/hex"
)

// Sign computes the request signature: a sha256 digest of the nonce,
// timestamp, key and body, hashed again together with the secret.
func Sign(secret, nonce, apiKey, ts, body string) string {
	h1 := sha256.Sum256([]byte(nonce + ts + apiKey + body))
	h2 := sha256.Sum256([]byte(hex.EncodeToString(h1[:]) + secret))
	return hex.EncodeToString(h2[:])
}
