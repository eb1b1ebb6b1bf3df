package e2e

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"unicode/utf8"
)

// NonceSize is the AES-GCM nonce length used on the wire.
const NonceSize = 12

// DecryptError reports a ciphertext that could not be opened: bad encoding,
// wrong nonce, failed authentication tag. It is always per message.
type DecryptError struct {
	Reason string
	Err    error
}

func (e *DecryptError) Error() string {
	if e.Err != nil {
		return "decrypt: " + e.Reason + ": " + e.Err.Error()
	}
	return "decrypt: " + e.Reason
}

func (e *DecryptError) Unwrap() error { return e.Err }

func newGCM(key Key) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext with AES-256-GCM under a fresh random nonce.
// The returned ciphertext includes the authentication tag.
func Encrypt(plaintext []byte, key Key) (ciphertext, nonce []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Decrypt opens ciphertext produced by Encrypt. Any tampering with the
// ciphertext, tag or nonce yields *DecryptError.
func Decrypt(ciphertext, nonce []byte, key Key) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, &DecryptError{Reason: "bad key", Err: err}
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, &DecryptError{Reason: fmt.Sprintf("nonce length %d, want %d", len(nonce), gcm.NonceSize())}
	}
	if len(ciphertext) < gcm.Overhead() {
		return nil, &DecryptError{Reason: "ciphertext too short"}
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, &DecryptError{Reason: "authentication failed", Err: err}
	}
	return plaintext, nil
}

// EncryptString encrypts text and returns base64 ciphertext and nonce, the
// form stored in message records.
func EncryptString(plaintext string, key Key) (ciphertext, nonce string, err error) {
	ct, n, err := Encrypt([]byte(plaintext), key)
	if err != nil {
		return "", "", err
	}
	return base64.StdEncoding.EncodeToString(ct), base64.StdEncoding.EncodeToString(n), nil
}

// DecryptString reverses EncryptString.
func DecryptString(ciphertext, nonce string, key Key) (string, error) {
	ct, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", &DecryptError{Reason: "ciphertext encoding", Err: err}
	}
	n, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil {
		return "", &DecryptError{Reason: "nonce encoding", Err: err}
	}
	pt, err := Decrypt(ct, n, key)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(pt) {
		return "", &DecryptError{Reason: "plaintext is not utf-8"}
	}
	return string(pt), nil
}
