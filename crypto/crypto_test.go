package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
)

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestRoundTrip(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatal(err)
	}
	plain := "app-token-abcdef123456"
	ct, err := EncryptString(enc, plain)
	if err != nil {
		t.Fatal(err)
	}
	if ct == plain {
		t.Fatal("ciphertext equals plaintext")
	}
	got, err := DecryptString(enc, ct)
	if err != nil {
		t.Fatal(err)
	}
	if got != plain {
		t.Fatalf("round trip = %q want %q", got, plain)
	}
}

func TestEmptyStringPassthrough(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatal(err)
	}
	ct, err := EncryptString(enc, "")
	if err != nil || ct != "" {
		t.Fatalf("EncryptString(\"\") = %q, %v", ct, err)
	}
	pt, err := DecryptString(enc, "")
	if err != nil || pt != "" {
		t.Fatalf("DecryptString(\"\") = %q, %v", pt, err)
	}
}

func TestBadKey(t *testing.T) {
	if _, err := NewAESEncryptor(""); err == nil {
		t.Fatal("expected error for empty key")
	}
	if _, err := NewAESEncryptor("not-base64!!"); err == nil {
		t.Fatal("expected error for invalid base64")
	}
	short := base64.StdEncoding.EncodeToString([]byte("short"))
	if _, err := NewAESEncryptor(short); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestTamperDetection(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatal(err)
	}
	ct, err := EncryptString(enc, "secret")
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := base64.StdEncoding.DecodeString(ct)
	raw[len(raw)-1] ^= 0xff
	tampered := base64.StdEncoding.EncodeToString(raw)
	if _, err := DecryptString(enc, tampered); err == nil || !strings.Contains(err.Error(), "decryption failed") {
		t.Fatalf("expected authentication failure, got %v", err)
	}
}

func TestDifferentKeysCannotDecrypt(t *testing.T) {
	e1, _ := NewAESEncryptor(testKey(t))
	e2, _ := NewAESEncryptor(testKey(t))
	ct, err := EncryptString(e1, "secret")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecryptString(e2, ct); err == nil {
		t.Fatal("expected decryption failure with wrong key")
	}
}
