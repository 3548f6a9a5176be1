// Copyright (c) 2025, the postarchive contributors.
// SPDX-License-Identifier: MIT

package crypto

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKeyDeterministic(t *testing.T) {
	key1 := DeriveKey("device-a")
	key2 := DeriveKey("device-a")
	key3 := DeriveKey("device-b")

	assert.Equal(t, key1, key2, "same device id must derive the same key")
	assert.NotEqual(t, key1, key3, "different device ids must derive different keys")
	assert.Len(t, key1, 32)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := DeriveKey("device-a")

	ciphertext, nonce, err := Encrypt("GUMROAD-KEY-1234", key)
	require.NoError(t, err)
	require.NotEmpty(t, ciphertext)
	require.NotEmpty(t, nonce)

	plaintext, err := Decrypt(ciphertext, nonce, key)
	require.NoError(t, err)
	assert.Equal(t, "GUMROAD-KEY-1234", plaintext)
}

func TestEncryptFreshNoncePerCall(t *testing.T) {
	key := DeriveKey("device-a")

	c1, n1, err := Encrypt("same input", key)
	require.NoError(t, err)
	c2, n2, err := Encrypt("same input", key)
	require.NoError(t, err)

	assert.NotEqual(t, n1, n2, "nonce must be random per call")
	assert.NotEqual(t, c1, c2, "ciphertext must differ when nonce differs")
}

func TestDecryptWrongKey(t *testing.T) {
	ciphertext, nonce, err := Encrypt("secret", DeriveKey("device-a"))
	require.NoError(t, err)

	_, err = Decrypt(ciphertext, nonce, DeriveKey("device-b"))
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	key := DeriveKey("device-a")
	ciphertext, nonce, err := Encrypt("secret", key)
	require.NoError(t, err)

	// Flip a character in the encoded ciphertext
	tampered := []byte(ciphertext)
	if tampered[0] == 'A' {
		tampered[0] = 'B'
	} else {
		tampered[0] = 'A'
	}

	_, err = Decrypt(string(tampered), nonce, key)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestDecryptMalformedInput(t *testing.T) {
	key := DeriveKey("device-a")

	_, err := Decrypt("not base64!!!", "also not base64!!!", key)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestGenerateDeviceID(t *testing.T) {
	id := GenerateDeviceID()

	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(4), parsed.Version())

	assert.NotEqual(t, id, GenerateDeviceID())
}

func TestSHA256Hex(t *testing.T) {
	// Known vector
	assert.Equal(t,
		"2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		SHA256Hex("hello"),
	)
	assert.Equal(t, SHA256Hex("input"), SHA256Hex("input"))
	assert.Len(t, SHA256Hex(""), 64)
}

func TestVerifyHMACSignature(t *testing.T) {
	payload := []byte(`{"sale_id":"abc123"}`)
	secret := "webhook-secret"

	signature := SignHMAC(payload, secret)
	assert.True(t, VerifyHMACSignature(payload, signature, secret))

	tests := []struct {
		name      string
		payload   []byte
		signature string
		secret    string
	}{
		{"wrong secret", payload, signature, "other-secret"},
		{"tampered payload", []byte(`{"sale_id":"abc124"}`), signature, secret},
		{"truncated signature", payload, signature[:10], secret},
		{"empty signature", payload, "", secret},
		{"case-flipped signature", payload, strings.ToUpper(signature), secret},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, VerifyHMACSignature(tt.payload, tt.signature, tt.secret))
		})
	}
}
