// sealed.go

package aztok

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"os"

	"golang.org/x/crypto/pbkdf2"
)

const sealKdfIterations = 100000

// Sealer symmetrically encrypts token payloads so cooperating processes can
// share them through files. Two processes holding the same pair of secret
// values produce interoperable blobs; rotating either secret invalidates
// previously sealed blobs.
type Sealer struct {
	key []byte
}

// NewSealer derives an AES-256 key from the two secrets. The salt is the
// SHA-256 hash of the second secret, so the derivation is deterministic
// across processes without writing the salt anywhere.
func NewSealer(pass, salt string) *Sealer {
	saltHash := sha256.Sum256([]byte(salt))
	key := pbkdf2.Key([]byte(pass), saltHash[:], sealKdfIterations, 32, sha256.New)
	return &Sealer{key: key}
}

// NewSealerFromEnv builds a Sealer from RUN_TOKEN_PASS and RUN_TOKEN_RAND.
// The second return is false when either is unset or sharing is disabled via
// DISABLE_REFRESHED_TOKEN_SHARING.
func NewSealerFromEnv() (*Sealer, bool) {
	if os.Getenv(EnvDisableTokenSharing) != "" {
		return nil, false
	}
	pass := os.Getenv(EnvRunTokenPass)
	salt := os.Getenv(EnvRunTokenRand)
	if pass == "" || salt == "" {
		return nil, false
	}
	return NewSealer(pass, salt), true
}

// Seal encrypts plaintext and returns a base64 blob of nonce||ciphertext.
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	const op = "aztok.Sealer.Seal"
	gcm, err := s.aead()
	if err != nil {
		return "", errKind(KindUnknown, op, err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errKind(KindUnknown, op, err)
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a blob produced by Seal. Any failure, bad base64, truncated
// nonce, or an authentication failure from a rotated secret, comes back as
// KindSealOpenFailed; callers treat that as "no cached token".
func (s *Sealer) Open(blob string) ([]byte, error) {
	const op = "aztok.Sealer.Open"
	sealed, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, errKind(KindSealOpenFailed, op, err)
	}
	gcm, err := s.aead()
	if err != nil {
		return nil, errKind(KindSealOpenFailed, op, err)
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errKindf(KindSealOpenFailed, op, "blob shorter than nonce")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errKind(KindSealOpenFailed, op, err)
	}
	return plaintext, nil
}

func (s *Sealer) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
