package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// sealedPrefix marks a value stored in sealed form.
const sealedPrefix = "enc:"

type Encryptor interface {
	Encrypt(plain string) (string, error)
	Decrypt(cipherText string) (string, error)
}

type AesGcmEncryptor struct {
	aead cipher.AEAD
}

func NewAesGcmEncryptor(key []byte) (*AesGcmEncryptor, error) {
	if len(key) != 32 {
		return nil, errors.New("encryption key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AesGcmEncryptor{aead: aead}, nil
}

// ParseKey accepts a 32 byte key encoded as base64 or hex.
func ParseKey(text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if key, err := base64.StdEncoding.DecodeString(text); err == nil && len(key) == 32 {
		return key, nil
	}
	if key, err := hex.DecodeString(text); err == nil && len(key) == 32 {
		return key, nil
	}
	return nil, errors.New("encryption key must be 32 bytes, base64 or hex encoded")
}

func (e *AesGcmEncryptor) Encrypt(plain string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (e *AesGcmEncryptor) Decrypt(cipherText string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(cipherText)
	if err != nil {
		return "", err
	}
	if len(data) < e.aead.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce := data[:e.aead.NonceSize()]
	plain, err := e.aead.Open(nil, nonce, data[e.aead.NonceSize():], nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// SealParams encrypts the named entries of values. Already sealed values are
// left alone. A nil encryptor leaves values untouched.
func SealParams(enc Encryptor, values map[string]string, encrypted func(name string) bool) (map[string]string, error) {
	out := make(map[string]string, len(values))
	for name, v := range values {
		if enc == nil || !encrypted(name) || strings.HasPrefix(v, sealedPrefix) {
			out[name] = v
			continue
		}
		sealed, err := enc.Encrypt(v)
		if err != nil {
			return nil, fmt.Errorf("encrypt parameter %s: %w", name, err)
		}
		out[name] = sealedPrefix + sealed
	}
	return out, nil
}

// OpenParams reverses SealParams. Sealed values without an encryptor fail.
func OpenParams(enc Encryptor, values map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(values))
	for name, v := range values {
		sealed, ok := strings.CutPrefix(v, sealedPrefix)
		if !ok {
			out[name] = v
			continue
		}
		if enc == nil {
			return nil, fmt.Errorf("parameter %s is encrypted and no key is configured", name)
		}
		plain, err := enc.Decrypt(sealed)
		if err != nil {
			return nil, fmt.Errorf("decrypt parameter %s: %w", name, err)
		}
		out[name] = plain
	}
	return out, nil
}
