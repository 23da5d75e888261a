package crypto

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"
)

func testKey() []byte { return bytes.Repeat([]byte{7}, 32) }

func TestEncryptDecrypt(t *testing.T) {
	enc, err := NewAesGcmEncryptor(testKey())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sealed, err := enc.Encrypt("s3cret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	plain, err := enc.Decrypt(sealed)
	if err != nil || plain != "s3cret" {
		t.Fatalf("expected round trip, got %q %v", plain, err)
	}
	if _, err := enc.Decrypt("AAAA"); err == nil {
		t.Fatalf("expected short ciphertext to fail")
	}
}

func TestRejectsShortKey(t *testing.T) {
	if _, err := NewAesGcmEncryptor([]byte("short")); err == nil {
		t.Fatalf("expected key length error")
	}
}

func TestParseKey(t *testing.T) {
	key, err := ParseKey(base64.StdEncoding.EncodeToString(testKey()))
	if err != nil || !bytes.Equal(key, testKey()) {
		t.Fatalf("expected base64 key, got %v", err)
	}
	if _, err := ParseKey(strings.Repeat("ab", 32)); err != nil {
		t.Fatalf("expected hex key, got %v", err)
	}
	if _, err := ParseKey("nope"); err == nil {
		t.Fatalf("expected invalid key error")
	}
}

func TestSealAndOpenParams(t *testing.T) {
	enc, _ := NewAesGcmEncryptor(testKey())
	values := map[string]string{"password": "hunter2", "threshold": "90"}
	sealed, err := SealParams(enc, values, func(name string) bool { return name == "password" })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(sealed["password"], "enc:") || sealed["threshold"] != "90" {
		t.Fatalf("unexpected sealed values %v", sealed)
	}
	opened, err := OpenParams(enc, sealed)
	if err != nil || opened["password"] != "hunter2" {
		t.Fatalf("expected opened password, got %v %v", opened, err)
	}
	if _, err := OpenParams(nil, sealed); err == nil {
		t.Fatalf("expected error without key")
	}
}
