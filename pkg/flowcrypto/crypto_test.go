package flowcrypto_test

import (
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/youmark/pkcs8"

	"github.com/mamadbah2/wahook/pkg/flowcrypto"
	"github.com/mamadbah2/wahook/pkg/flowcrypto/flowcryptotest"
)

func TestVerifySignature(t *testing.T) {
	secret := "app-secret"
	body := []byte(`{"object":"whatsapp_business_account","entry":[]}`)
	valid := flowcrypto.Sign(body, secret)

	tests := []struct {
		name      string
		body      []byte
		signature string
		secret    string
		want      bool
	}{
		{name: "valid", body: body, signature: valid, secret: secret, want: true},
		{name: "missing header", body: body, signature: "", secret: secret, want: false},
		{name: "missing prefix", body: body, signature: valid[len("sha256="):], secret: secret, want: false},
		{name: "wrong secret", body: body, signature: valid, secret: "other", want: false},
		{name: "empty secret", body: body, signature: valid, secret: "", want: false},
		{name: "garbage", body: body, signature: "sha256=zz", secret: secret, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, flowcrypto.VerifySignature(tt.body, tt.signature, tt.secret))
		})
	}
}

func TestVerifySignatureDetectsEverySingleByteMutation(t *testing.T) {
	secret := "app-secret"
	body := []byte(`{"encrypted_aes_key":"a","encrypted_flow_data":"b","initial_vector":"c"}`)
	signature := flowcrypto.Sign(body, secret)

	for i := range body {
		mutated := append([]byte(nil), body...)
		mutated[i] ^= 0x01
		assert.Falsef(t, flowcrypto.VerifySignature(mutated, signature, secret), "mutation at byte %d accepted", i)
	}
}

func TestFlipIV(t *testing.T) {
	iv := []byte{0x00, 0xff, 0x0f, 0xf0, 0xaa, 0x55, 0x01, 0x80, 0, 0, 0, 0, 0, 0, 0, 0x7f}
	flipped := flowcrypto.FlipIV(iv)

	require.Len(t, flipped, len(iv))
	for i := range iv {
		assert.Equal(t, iv[i]^0xff, flipped[i])
	}
	assert.Equal(t, iv, flowcrypto.FlipIV(flipped))
	assert.Equal(t, byte(0x00), iv[0], "input must not be modified")
}

func TestDecryptRoundTrip(t *testing.T) {
	key, pemBytes := flowcryptotest.GenerateKey(t)
	plaintext := `{"version":"3.0","action":"data_exchange","screen":"WELCOME","data":{"name":"Awa"},"flow_token":"tok"}`
	sealed := flowcryptotest.Seal(t, &key.PublicKey, plaintext)

	aesKey, err := flowcrypto.DecryptAESKey(sealed.Envelope.EncryptedAESKey, pemBytes, "")
	require.NoError(t, err)
	assert.Equal(t, sealed.AESKey, aesKey)

	got, err := flowcrypto.DecryptFlowData(sealed.Envelope.EncryptedFlowData, aesKey, sealed.Envelope.InitialVector)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestEncryptFlowResponseUsesFlippedIV(t *testing.T) {
	key, _ := flowcryptotest.GenerateKey(t)
	sealed := flowcryptotest.Seal(t, &key.PublicKey, `{"action":"ping"}`)

	response := map[string]any{"screen": "SUCCESS", "data": map[string]any{"ok": true}}
	body, err := flowcrypto.EncryptFlowResponse(response, sealed.AESKey, sealed.Envelope.InitialVector)
	require.NoError(t, err)

	flipped := base64.StdEncoding.EncodeToString(flowcrypto.FlipIV(sealed.IV))
	decrypted, err := flowcrypto.DecryptFlowData(body, sealed.AESKey, flipped)
	require.NoError(t, err)

	want, err := json.Marshal(response)
	require.NoError(t, err)
	assert.Equal(t, string(want), decrypted)

	_, err = flowcrypto.DecryptFlowData(body, sealed.AESKey, sealed.Envelope.InitialVector)
	assert.ErrorIs(t, err, flowcrypto.ErrTagMismatch, "response must not be readable with the request IV")

	assert.Equal(t, string(want), sealed.Open(t, body))
}

func TestDecryptFlowDataTagMismatch(t *testing.T) {
	key, _ := flowcryptotest.GenerateKey(t)
	sealed := flowcryptotest.Seal(t, &key.PublicKey, `{"action":"ping"}`)

	raw, err := base64.StdEncoding.DecodeString(sealed.Envelope.EncryptedFlowData)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	corrupted := base64.StdEncoding.EncodeToString(raw)

	_, err = flowcrypto.DecryptFlowData(corrupted, sealed.AESKey, sealed.Envelope.InitialVector)
	assert.ErrorIs(t, err, flowcrypto.ErrTagMismatch)

	_, err = flowcrypto.DecryptFlowData(base64.StdEncoding.EncodeToString([]byte("short")), sealed.AESKey, sealed.Envelope.InitialVector)
	assert.ErrorIs(t, err, flowcrypto.ErrTagMismatch)
}

func TestDecryptFlowDataRejectsBadInput(t *testing.T) {
	key, _ := flowcryptotest.GenerateKey(t)
	sealed := flowcryptotest.Seal(t, &key.PublicKey, `{}`)

	_, err := flowcrypto.DecryptFlowData("%%%", sealed.AESKey, sealed.Envelope.InitialVector)
	assert.ErrorIs(t, err, flowcrypto.ErrInvalidEncoding)

	_, err = flowcrypto.DecryptFlowData(sealed.Envelope.EncryptedFlowData, sealed.AESKey, base64.StdEncoding.EncodeToString([]byte("12345678")))
	assert.ErrorIs(t, err, flowcrypto.ErrInvalidIV)

	_, err = flowcrypto.DecryptFlowData(sealed.Envelope.EncryptedFlowData, []byte("bad"), sealed.Envelope.InitialVector)
	assert.ErrorIs(t, err, flowcrypto.ErrInvalidKey)
}

func TestDecryptAESKeyWithWrongKeyIsKeyMismatch(t *testing.T) {
	key, _ := flowcryptotest.GenerateKey(t)
	_, otherPEM := flowcryptotest.GenerateKey(t)
	sealed := flowcryptotest.Seal(t, &key.PublicKey, `{}`)

	_, err := flowcrypto.DecryptAESKey(sealed.Envelope.EncryptedAESKey, otherPEM, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, flowcrypto.ErrKeyMismatch))

	_, err = flowcrypto.DecryptAESKeyWith("not base64!", key)
	assert.ErrorIs(t, err, flowcrypto.ErrInvalidEncoding)
}

func TestParsePrivateKeyFormats(t *testing.T) {
	key, pkcs8PEM := flowcryptotest.GenerateKey(t)

	encryptedDER, err := pkcs8.MarshalPrivateKey(key, []byte("s3cret"), nil)
	require.NoError(t, err)
	encryptedPEM := pem.EncodeToMemory(&pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: encryptedDER})

	pkcs1PEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	//nolint:staticcheck
	legacyBlock, err := x509.EncryptPEMBlock(rand.Reader, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key), []byte("s3cret"), x509.PEMCipherAES128)
	require.NoError(t, err)
	legacyPEM := pem.EncodeToMemory(legacyBlock)

	tests := []struct {
		name       string
		pem        []byte
		passphrase string
		wantErr    bool
	}{
		{name: "pkcs8", pem: pkcs8PEM},
		{name: "pkcs8 encrypted", pem: encryptedPEM, passphrase: "s3cret"},
		{name: "pkcs8 encrypted wrong passphrase", pem: encryptedPEM, passphrase: "nope", wantErr: true},
		{name: "pkcs8 encrypted without passphrase", pem: encryptedPEM, wantErr: true},
		{name: "pkcs1", pem: pkcs1PEM},
		{name: "pkcs1 legacy encrypted", pem: legacyPEM, passphrase: "s3cret"},
		{name: "not pem", pem: []byte("hello"), wantErr: true},
		{name: "unsupported block", pem: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte{1}}), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := flowcrypto.ParsePrivateKey(tt.pem, tt.passphrase)
			if tt.wantErr {
				assert.ErrorIs(t, err, flowcrypto.ErrInvalidKey)
				return
			}
			require.NoError(t, err)
			assert.True(t, key.Equal(got))
		})
	}
}
