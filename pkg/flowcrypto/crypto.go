// Package flowcrypto implements the hybrid encryption contract used by the
// WhatsApp Flows data exchange endpoint, plus the X-Hub-Signature-256 check
// shared with regular webhook deliveries.
//
// Requests carry an AES key wrapped with the business' RSA public key
// (RSA-OAEP, SHA-256) and a payload sealed with AES-GCM. Responses are sealed
// with the same AES key and the bitwise-inverted request IV.
package flowcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	// SignatureHeader is the header Meta uses to sign request bodies.
	SignatureHeader = "X-Hub-Signature-256"

	signaturePrefix = "sha256="
	tagSize         = 16
	ivSize          = 16
)

var (
	// ErrKeyMismatch is returned when the AES key cannot be unwrapped with the
	// configured private key. The platform answers HTTP 421 with a public key
	// refresh, so callers must be able to tell it apart from other failures.
	ErrKeyMismatch = errors.New("flowcrypto: unable to decrypt aes key with private key")
	// ErrTagMismatch reports a GCM authentication failure.
	ErrTagMismatch = errors.New("flowcrypto: authentication tag mismatch")
	// ErrInvalidEncoding reports a field that is not valid base64.
	ErrInvalidEncoding = errors.New("flowcrypto: invalid base64 encoding")
	// ErrInvalidIV reports an initial vector of the wrong size.
	ErrInvalidIV = errors.New("flowcrypto: initial vector must be 16 bytes")
	// ErrInvalidKey reports unusable private key material or AES key.
	ErrInvalidKey = errors.New("flowcrypto: invalid key material")
)

// VerifySignature reports whether signatureHeader carries the HMAC-SHA256 of
// rawBody under secret, formatted as "sha256=<hex>".
func VerifySignature(rawBody []byte, signatureHeader, secret string) bool {
	if signatureHeader == "" || secret == "" {
		return false
	}
	if !strings.HasPrefix(signatureHeader, signaturePrefix) {
		return false
	}
	expected := Sign(rawBody, secret)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signatureHeader)) == 1
}

// Sign returns the X-Hub-Signature-256 value for rawBody.
func Sign(rawBody []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// DecryptAESKey parses privatePEM (optionally protected by passphrase) and
// unwraps the base64 encoded AES key.
func DecryptAESKey(encryptedAESKeyB64 string, privatePEM []byte, passphrase string) ([]byte, error) {
	key, err := ParsePrivateKey(privatePEM, passphrase)
	if err != nil {
		return nil, err
	}
	return DecryptAESKeyWith(encryptedAESKeyB64, key)
}

// DecryptAESKeyWith unwraps the AES key using an already parsed private key.
func DecryptAESKeyWith(encryptedAESKeyB64 string, key *rsa.PrivateKey) ([]byte, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: private key is nil", ErrInvalidKey)
	}

	wrapped, err := base64.StdEncoding.DecodeString(encryptedAESKeyB64)
	if err != nil {
		return nil, fmt.Errorf("%w: encrypted_aes_key: %v", ErrInvalidEncoding, err)
	}

	aesKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, key, wrapped, nil)
	if err != nil {
		return nil, ErrKeyMismatch
	}
	return aesKey, nil
}

// DecryptFlowData opens the base64 AES-GCM payload. The last 16 bytes of the
// decoded data are the authentication tag.
func DecryptFlowData(encryptedFlowDataB64 string, aesKey []byte, ivB64 string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encryptedFlowDataB64)
	if err != nil {
		return "", fmt.Errorf("%w: encrypted_flow_data: %v", ErrInvalidEncoding, err)
	}
	if len(sealed) < tagSize {
		return "", fmt.Errorf("%w: payload shorter than tag", ErrTagMismatch)
	}

	iv, err := decodeIV(ivB64)
	if err != nil {
		return "", err
	}

	gcm, err := newGCM(aesKey)
	if err != nil {
		return "", err
	}

	// gcm.Open expects ciphertext‖tag, which is exactly the wire layout.
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", ErrTagMismatch
	}
	return string(plaintext), nil
}

// EncryptFlowResponse marshals response to JSON and seals it with aesKey and
// the flipped request IV. The result is base64(ciphertext‖tag).
func EncryptFlowResponse(response any, aesKey []byte, requestIVB64 string) (string, error) {
	payload, err := json.Marshal(response)
	if err != nil {
		return "", fmt.Errorf("marshal flow response: %w", err)
	}

	iv, err := decodeIV(requestIVB64)
	if err != nil {
		return "", err
	}

	gcm, err := newGCM(aesKey)
	if err != nil {
		return "", err
	}

	sealed := gcm.Seal(nil, FlipIV(iv), payload, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// FlipIV returns a copy of iv with every bit inverted.
func FlipIV(iv []byte) []byte {
	flipped := make([]byte, len(iv))
	for i, b := range iv {
		flipped[i] = ^b
	}
	return flipped
}

func decodeIV(ivB64 string) ([]byte, error) {
	iv, err := base64.StdEncoding.DecodeString(ivB64)
	if err != nil {
		return nil, fmt.Errorf("%w: initial_vector: %v", ErrInvalidEncoding, err)
	}
	if len(iv) != ivSize {
		return nil, ErrInvalidIV
	}
	return iv, nil
}

func newGCM(aesKey []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return gcm, nil
}
