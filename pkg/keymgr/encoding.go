package keymgr

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
)

// PublicKeyEncodings are the portable forms embedded in proof artifacts so
// verification needs no access to the issuing keystore.
type PublicKeyEncodings struct {
	PEM string `json:"public_key_pem"`
	Raw string `json:"public_key_raw"`
}

// EncodePublicKey returns both artifact encodings of pub.
func EncodePublicKey(pub ed25519.PublicKey) (PublicKeyEncodings, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return PublicKeyEncodings{}, err
	}
	block := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return PublicKeyEncodings{
		PEM: string(block),
		Raw: base64.StdEncoding.EncodeToString(pub),
	}, nil
}

// DecodePublicKey resolves an artifact's public key, preferring the raw
// encoding and falling back to PEM.
func DecodePublicKey(enc PublicKeyEncodings) (ed25519.PublicKey, error) {
	if enc.Raw != "" {
		raw, err := base64.StdEncoding.DecodeString(enc.Raw)
		if err == nil && len(raw) == ed25519.PublicKeySize {
			return ed25519.PublicKey(raw), nil
		}
	}
	if enc.PEM != "" {
		block, _ := pem.Decode([]byte(enc.PEM))
		if block == nil {
			return nil, errors.New("invalid public key PEM")
		}
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		pub, ok := parsed.(ed25519.PublicKey)
		if !ok {
			return nil, errors.New("public key is not Ed25519")
		}
		return pub, nil
	}
	return nil, errors.New("no public key encoding present")
}
