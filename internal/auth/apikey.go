package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// SchemePrefix marks opaque API tokens so the verifier can route a bearer
// value without touching storage: epd_<8 hex>_<64 hex>.
const SchemePrefix = "epd_"

var apiTokenPattern = regexp.MustCompile(`^epd_[0-9a-f]{8}_[0-9a-f]{64}$`)

// GenerateAPISecret creates a new opaque token secret and its display prefix.
// The secret carries 32 bytes of entropy after the prefix; the prefix itself
// is random so tokens remain distinguishable in lists after masking.
func GenerateAPISecret() (secret, prefix string, err error) {
	var pre [4]byte
	if _, err := rand.Read(pre[:]); err != nil {
		return "", "", fmt.Errorf("auth: generate token prefix: %w", err)
	}
	var body [32]byte
	if _, err := rand.Read(body[:]); err != nil {
		return "", "", fmt.Errorf("auth: generate token secret: %w", err)
	}
	prefix = SchemePrefix + hex.EncodeToString(pre[:])
	secret = prefix + "_" + hex.EncodeToString(body[:])
	return secret, prefix, nil
}

// HashSecret returns the hex sha256 digest stored and matched against.
// Plaintext secrets are never written to storage.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// MaskSecret renders a secret for display after creation: the prefix segment
// plus the last four characters. Pure and stable for a given input.
func MaskSecret(secret string) string {
	if len(secret) < 20 {
		return secret
	}
	return secret[:12] + "..." + secret[len(secret)-4:]
}

// IsAPIToken reports whether a bearer value should take the opaque-token
// verification path. Anything else is treated as a session credential.
func IsAPIToken(credential string) bool {
	return strings.HasPrefix(credential, SchemePrefix)
}

// ValidAPITokenFormat checks the full token shape before any lookup.
func ValidAPITokenFormat(credential string) bool {
	return apiTokenPattern.MatchString(credential)
}
