// Copyright (c) 2025, the postarchive contributors.
// SPDX-License-Identifier: MIT

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"
)

// ErrDecryption is returned when a ciphertext cannot be decrypted, either
// because the key/nonce pair is wrong or because the GCM tag does not verify.
var ErrDecryption = errors.New("decryption failed: invalid key, nonce, or ciphertext")

const (
	// keyDerivationSalt binds derived keys to this application. The salt is
	// fixed on purpose: the same device id must always derive the same key.
	keyDerivationSalt = "postarchive-license-v1"

	keyLength     = 32
	kdfIterations = 100_000
)

// DeriveKey derives a device-bound AES-256 key from a device id.
// Deterministic: the same device id always yields the same key.
func DeriveKey(deviceID string) []byte {
	return pbkdf2.Key([]byte(deviceID), []byte(keyDerivationSalt), kdfIterations, keyLength, sha256.New)
}

// Encrypt encrypts plaintext with AES-256-GCM under key, using a freshly
// random nonce per call. Ciphertext and nonce are returned base64-encoded
// so they can live in a JSON document.
func Encrypt(plaintext string, key []byte) (ciphertext, nonce string, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", "", err
	}

	nonceBytes := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonceBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonceBytes, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(sealed), base64.StdEncoding.EncodeToString(nonceBytes), nil
}

// Decrypt reverses Encrypt. Any failure, including a GCM tag mismatch,
// surfaces as ErrDecryption rather than garbled plaintext.
func Decrypt(ciphertext, nonce string, key []byte) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrDecryption, "malformed ciphertext encoding")
	}

	nonceBytes, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrDecryption, "malformed nonce encoding")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(nonceBytes) != gcm.NonceSize() {
		return "", fmt.Errorf("%w: %s", ErrDecryption, "wrong nonce size")
	}

	plaintext, err := gcm.Open(nil, nonceBytes, sealed, nil)
	if err != nil {
		return "", ErrDecryption
	}

	return string(plaintext), nil
}

// GenerateDeviceID returns a random RFC 4122 v4 UUID. Generated once per
// install; it must never be regenerated unless storage is wiped.
func GenerateDeviceID() string {
	return uuid.NewString()
}

// SHA256Hex returns the hex-encoded SHA-256 digest of input.
func SHA256Hex(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// SignHMAC computes the hex-encoded HMAC-SHA256 of payload under secret.
func SignHMAC(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMACSignature checks a hex-encoded HMAC-SHA256 signature over payload.
// The comparison is constant time to prevent timing attacks.
func VerifyHMACSignature(payload []byte, signature, secret string) bool {
	expected := SignHMAC(payload, secret)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}
