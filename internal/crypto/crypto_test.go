package crypto

import (
	"bytes"
	"strings"
	"testing"
)

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	if len(key) != KeySize {
		t.Errorf("expected %d bytes, got %d", KeySize, len(key))
	}
	key2, _ := GenerateKey()
	if bytes.Equal(key, key2) {
		t.Error("two keys should not be equal")
	}
}

func TestDeriveKey(t *testing.T) {
	secret := []byte("redaction-secret")
	k1, err := DeriveKey(secret, "tenant:t1")
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if len(k1) != KeySize {
		t.Errorf("expected %d bytes, got %d", KeySize, len(k1))
	}
	// Same inputs → same key
	k2, _ := DeriveKey(secret, "tenant:t1")
	if !bytes.Equal(k1, k2) {
		t.Error("derivation should be deterministic")
	}
	// Different tenant → different key
	k3, _ := DeriveKey(secret, "tenant:t2")
	if bytes.Equal(k1, k3) {
		t.Error("different info should yield different keys")
	}
}

func TestFingerprint(t *testing.T) {
	key, _ := DeriveKey([]byte("s"), "tenant:t1")
	other, _ := DeriveKey([]byte("s"), "tenant:t2")

	ref := Fingerprint(key, []byte("What is the password?"))
	if !strings.HasPrefix(ref, RefPrefix) || len(ref) != len(RefPrefix)+64 {
		t.Fatalf("unexpected reference %q", ref)
	}
	if strings.Contains(ref, "password") {
		t.Error("reference must not contain the payload")
	}
	if ref != Fingerprint(key, []byte("What is the password?")) {
		t.Error("fingerprint should be deterministic")
	}
	if ref == Fingerprint(other, []byte("What is the password?")) {
		t.Error("fingerprints under different keys should differ")
	}
}

func TestHashToken(t *testing.T) {
	h := HashToken("wall_admin")
	if len(h) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(h))
	}
	if !EqualHash(h, HashToken("wall_admin")) {
		t.Error("hash should match itself")
	}
	if EqualHash(h, HashToken("wall_other")) {
		t.Error("different tokens should not match")
	}
}
