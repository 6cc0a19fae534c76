// Package keymgr generates and seals per-user Ed25519 signing keys.
//
// The private half is never stored in clear: it is encrypted with
// AES-256-GCM under a key derived from the user's password (argon2id)
// combined with a server-wide 32-byte master secret.
package keymgr

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"
)

var (
	ErrConfiguration  = errors.New("master secret missing or invalid")
	ErrAuthentication = errors.New("key decryption failed")
)

const (
	MasterKeySize = 32

	saltSize  = 16
	nonceSize = 12

	argonTime    = 2
	argonMemory  = 64 * 1024
	argonThreads = 1
)

// KeyPair is one user signing key. EncryptedPrivate is
// salt || nonce || AES-GCM ciphertext of the raw Ed25519 seed+key.
type KeyPair struct {
	KeyID            string
	PublicKey        ed25519.PublicKey
	EncryptedPrivate []byte
	CreatedAt        time.Time
	RevokedAt        *time.Time
}

// Revoked reports whether the pair has been superseded by rotation.
func (k KeyPair) Revoked() bool { return k.RevokedAt != nil }

// Generate produces a fresh Ed25519 pair and seals the private half.
func Generate(password string, master []byte) (KeyPair, error) {
	if len(master) != MasterKeySize {
		return KeyPair{}, ErrConfiguration
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	sealed, err := seal(priv, password, master)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{
		KeyID:            "key_" + uuid.NewString(),
		PublicKey:        pub,
		EncryptedPrivate: sealed,
		CreatedAt:        time.Now().UTC(),
	}, nil
}

// Decrypt recovers the private key from its sealed form. A wrong password and
// a tampered ciphertext are indistinguishable: both surface as the GCM tag
// check failing, reported as ErrAuthentication.
func Decrypt(encrypted []byte, password string, master []byte) (ed25519.PrivateKey, error) {
	if len(master) != MasterKeySize {
		return nil, ErrConfiguration
	}
	if len(encrypted) < saltSize+nonceSize+1 {
		return nil, ErrAuthentication
	}
	salt := encrypted[:saltSize]
	nonce := encrypted[saltSize : saltSize+nonceSize]
	ciphertext := encrypted[saltSize+nonceSize:]

	gcm, err := newGCM(password, salt, master)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	if len(plain) != ed25519.PrivateKeySize {
		return nil, ErrAuthentication
	}
	return ed25519.PrivateKey(plain), nil
}

func seal(priv ed25519.PrivateKey, password string, master []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	gcm, err := newGCM(password, salt, master)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, saltSize+nonceSize+len(priv)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, priv, nil), nil
}

func newGCM(password string, salt, master []byte) (cipher.AEAD, error) {
	derived := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, MasterKeySize)
	key := make([]byte, MasterKeySize)
	for i := range key {
		key[i] = derived[i] ^ master[i]
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
