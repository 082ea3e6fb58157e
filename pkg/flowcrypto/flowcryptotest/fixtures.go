// Package flowcryptotest builds encrypted Flow requests the way the WhatsApp
// client does, for use in tests.
package flowcryptotest

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"testing"

	"github.com/mamadbah2/wahook/pkg/flowcrypto"
)

// Envelope mirrors the JSON body posted to a Flow endpoint.
type Envelope struct {
	EncryptedAESKey   string `json:"encrypted_aes_key"`
	EncryptedFlowData string `json:"encrypted_flow_data"`
	InitialVector     string `json:"initial_vector"`
}

// Sealed is an encrypted request together with the secrets needed to read
// the response.
type Sealed struct {
	Envelope Envelope
	AESKey   []byte
	IV       []byte
}

// GenerateKey returns a fresh 2048 bit key and its PKCS#8 PEM encoding.
func GenerateKey(t testing.TB) (*rsa.PrivateKey, []byte) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal pkcs8: %v", err)
	}
	return key, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

// Seal encrypts plaintext for pub with a random AES-128 key and IV.
func Seal(t testing.TB, pub *rsa.PublicKey, plaintext string) Sealed {
	t.Helper()

	aesKey := randomBytes(t, 16)
	iv := randomBytes(t, 16)

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, aesKey, nil)
	if err != nil {
		t.Fatalf("wrap aes key: %v", err)
	}

	sealed := gcm(t, aesKey).Seal(nil, iv, []byte(plaintext), nil)

	return Sealed{
		Envelope: Envelope{
			EncryptedAESKey:   base64.StdEncoding.EncodeToString(wrapped),
			EncryptedFlowData: base64.StdEncoding.EncodeToString(sealed),
			InitialVector:     base64.StdEncoding.EncodeToString(iv),
		},
		AESKey: aesKey,
		IV:     iv,
	}
}

// Open decrypts a base64 response body sealed with the flipped request IV.
func (s Sealed) Open(t testing.TB, body string) string {
	t.Helper()

	raw, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	plaintext, err := gcm(t, s.AESKey).Open(nil, flowcrypto.FlipIV(s.IV), raw, nil)
	if err != nil {
		t.Fatalf("open response: %v", err)
	}
	return string(plaintext)
}

func gcm(t testing.TB, key []byte) cipher.AEAD {
	t.Helper()

	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("aes cipher: %v", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, 16)
	if err != nil {
		t.Fatalf("gcm: %v", err)
	}
	return aead
}

func randomBytes(t testing.TB, n int) []byte {
	t.Helper()

	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("random bytes: %v", err)
	}
	return b
}
