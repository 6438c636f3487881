package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

const (
	sessionSecretBytes = 32
	tokenSecretBytes   = 32
)

// newSecret returns a url-safe random secret. The raw value is handed to
// the requester (cookie or emailed link) and never persisted; only its
// hash is stored.
func newSecret(length int) (string, error) {
	raw := make([]byte, length)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func hashSecret(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// composeToken joins the owner id and the raw secret into the wire form
// <owner-id>.<raw-secret>. The owner id makes verification an indexed
// lookup; the secret is the proof-of-possession half.
func composeToken(ownerID, secret string) string {
	return ownerID + "." + secret
}

func splitToken(composed string) (ownerID, secret string, ok bool) {
	ownerID, secret, ok = strings.Cut(composed, ".")
	if !ok || ownerID == "" || secret == "" {
		return "", "", false
	}
	return ownerID, secret, true
}
