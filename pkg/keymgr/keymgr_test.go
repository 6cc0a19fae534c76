package keymgr

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func testMaster() []byte {
	return bytes.Repeat([]byte{0x42}, MasterKeySize)
}

func TestGenerateDecryptRoundTrip(t *testing.T) {
	pair, err := Generate("correct horse", testMaster())
	require.NoError(t, err)
	require.NotEmpty(t, pair.KeyID)
	require.Len(t, pair.PublicKey, ed25519.PublicKeySize)
	require.False(t, pair.Revoked())

	priv, err := Decrypt(pair.EncryptedPrivate, "correct horse", testMaster())
	require.NoError(t, err)

	msg := []byte("payload")
	sig := ed25519.Sign(priv, msg)
	require.True(t, ed25519.Verify(pair.PublicKey, msg, sig))
}

func TestDecryptWrongPassword(t *testing.T) {
	pair, err := Generate("right", testMaster())
	require.NoError(t, err)

	_, err = Decrypt(pair.EncryptedPrivate, "wrong", testMaster())
	require.ErrorIs(t, err, ErrAuthentication)
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	pair, err := Generate("pw", testMaster())
	require.NoError(t, err)

	tampered := append([]byte(nil), pair.EncryptedPrivate...)
	tampered[len(tampered)-1] ^= 0x01
	_, err = Decrypt(tampered, "pw", testMaster())
	require.ErrorIs(t, err, ErrAuthentication)
}

func TestDecryptWrongMaster(t *testing.T) {
	pair, err := Generate("pw", testMaster())
	require.NoError(t, err)

	other := bytes.Repeat([]byte{0x13}, MasterKeySize)
	_, err = Decrypt(pair.EncryptedPrivate, "pw", other)
	require.ErrorIs(t, err, ErrAuthentication)
}

func TestGenerateRequiresMaster(t *testing.T) {
	_, err := Generate("pw", nil)
	require.ErrorIs(t, err, ErrConfiguration)
	_, err = Generate("pw", []byte("short"))
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestDecryptTruncatedBlob(t *testing.T) {
	_, err := Decrypt([]byte("tiny"), "pw", testMaster())
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

func TestPublicKeyEncodingsRoundTrip(t *testing.T) {
	pair, err := Generate("pw", testMaster())
	require.NoError(t, err)

	enc, err := EncodePublicKey(pair.PublicKey)
	require.NoError(t, err)
	require.NotEmpty(t, enc.PEM)
	require.NotEmpty(t, enc.Raw)

	fromRaw, err := DecodePublicKey(enc)
	require.NoError(t, err)
	require.Equal(t, pair.PublicKey, fromRaw)

	fromPEM, err := DecodePublicKey(PublicKeyEncodings{PEM: enc.PEM})
	require.NoError(t, err)
	require.Equal(t, pair.PublicKey, fromPEM)
}
