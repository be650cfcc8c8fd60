// Package signature signs and verifies webhook bodies.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

const prefix = "sha256="

// Sign returns "sha256=<hex>" of the HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return prefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC accepts both raw hex and the "sha256=" prefixed form.
func VerifyHMAC(secret string, body []byte, sig string) bool {
	if secret == "" || sig == "" {
		return false
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(sig), prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(raw, mac.Sum(nil))
}

// VerifyToken compares a shared token in constant time.
func VerifyToken(secret, got string) bool {
	if secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(got)) == 1
}
