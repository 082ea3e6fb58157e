package flowcrypto

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/youmark/pkcs8"
)

// ParsePrivateKey decodes an RSA private key from PEM. Supported blocks are
// PKCS#8 ("PRIVATE KEY"), passphrase protected PKCS#8 ("ENCRYPTED PRIVATE
// KEY") and PKCS#1 ("RSA PRIVATE KEY"), including legacy Proc-Type encryption.
func ParsePrivateKey(pemBytes []byte, passphrase string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidKey)
	}

	switch block.Type {
	case "ENCRYPTED PRIVATE KEY":
		if passphrase == "" {
			return nil, fmt.Errorf("%w: passphrase required for encrypted key", ErrInvalidKey)
		}
		key, err := pkcs8.ParsePKCS8PrivateKeyRSA(block.Bytes, []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return key, nil
	case "PRIVATE KEY":
		key, err := pkcs8.ParsePKCS8PrivateKeyRSA(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return key, nil
	case "RSA PRIVATE KEY":
		der := block.Bytes
		//nolint:staticcheck // legacy OpenSSL keys still ship with Proc-Type headers
		if x509.IsEncryptedPEMBlock(block) {
			if passphrase == "" {
				return nil, fmt.Errorf("%w: passphrase required for encrypted key", ErrInvalidKey)
			}
			//nolint:staticcheck
			decrypted, err := x509.DecryptPEMBlock(block, []byte(passphrase))
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
			}
			der = decrypted
		}
		key, err := x509.ParsePKCS1PrivateKey(der)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("%w: unsupported PEM block %q", ErrInvalidKey, block.Type)
	}
}

// KeySource returns the PEM encoded private key and its passphrase.
type KeySource func() (pemBytes []byte, passphrase string, err error)

// StaticKeySource serves fixed key material.
func StaticKeySource(pemBytes []byte, passphrase string) KeySource {
	return func() ([]byte, string, error) {
		return pemBytes, passphrase, nil
	}
}

// FileKeySource reads the key from path on every call, so a rotated file is
// picked up by the next Reload.
func FileKeySource(path, passphrase string) KeySource {
	return func() ([]byte, string, error) {
		pemBytes, err := os.ReadFile(path)
		if err != nil {
			return nil, "", err
		}
		return pemBytes, passphrase, nil
	}
}

// KeyRing holds the private key used to unwrap Flow AES keys. Reload swaps
// the key atomically so request goroutines never observe a partial update.
type KeyRing struct {
	source  KeySource
	current atomic.Pointer[rsa.PrivateKey]
}

// NewKeyRing loads the key once from source.
func NewKeyRing(source KeySource) (*KeyRing, error) {
	if source == nil {
		return nil, errors.New("flowcrypto: key source is nil")
	}
	ring := &KeyRing{source: source}
	if _, err := ring.Reload(); err != nil {
		return nil, err
	}
	return ring, nil
}

// Reload re-reads the key from the source. The previous key stays active
// when the new material cannot be parsed. It reports whether the key changed.
func (k *KeyRing) Reload() (bool, error) {
	pemBytes, passphrase, err := k.source()
	if err != nil {
		return false, fmt.Errorf("read private key: %w", err)
	}

	key, err := ParsePrivateKey(pemBytes, passphrase)
	if err != nil {
		return false, err
	}

	prev := k.current.Swap(key)
	return prev == nil || !prev.Equal(key), nil
}

// Current returns the active private key.
func (k *KeyRing) Current() *rsa.PrivateKey {
	if k == nil {
		return nil
	}
	return k.current.Load()
}
