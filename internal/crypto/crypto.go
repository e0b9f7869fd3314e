// Package crypto holds the key derivation and hashing helpers used for audit
// redaction and token verification.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the length in bytes of every derived key.
const KeySize = 32

// RefPrefix marks a payload reference produced by Fingerprint.
const RefPrefix = "hmac-sha256:"

// GenerateKey returns a random 32-byte key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	return key, nil
}

// DeriveKey derives a 32-byte key from secret with HKDF-SHA256. info binds
// the key to its purpose, e.g. a tenant id.
func DeriveKey(secret []byte, info string) ([]byte, error) {
	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return key, nil
}

// Fingerprint returns "hmac-sha256:<hex>" of data under key. The same payload
// under the same key always yields the same reference.
func Fingerprint(key, data []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return RefPrefix + hex.EncodeToString(mac.Sum(nil))
}

// HashToken returns the SHA-256 hex digest of a plaintext token.
func HashToken(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}

// EqualHash compares two hex digests in constant time.
func EqualHash(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
