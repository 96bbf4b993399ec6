package secret

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// encPrefix versions the ciphertext format so future key or cipher changes
// can coexist with stored values.
const encPrefix = "enc:v1:"

var (
	// ErrCorruptCiphertext means a stored value carried the encrypted
	// format marker but failed to decode or authenticate. It is never
	// downgraded to a plaintext read.
	ErrCorruptCiphertext = errors.New("corrupt secret ciphertext")

	// ErrLegacyPlaintext means a stored value predates encryption at rest
	// and the deployment has not opted into reading such records.
	ErrLegacyPlaintext = errors.New("legacy plaintext secret not allowed")
)

// Encryptor seals bypass secrets for storage with XChaCha20-Poly1305.
// Stored values are either `enc:v1:` + base64url(nonce || ciphertext) or,
// for deployments migrating from an unencrypted store, bare plaintext
// accepted only behind the explicit allowPlaintext flag.
type Encryptor struct {
	aead           cipher.AEAD
	allowPlaintext bool
}

// NewEncryptor builds an Encryptor from a 32-byte hex-encoded key.
func NewEncryptor(hexKey string, allowPlaintext bool) (*Encryptor, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decoding encryption key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("building cipher: %w", err)
	}
	return &Encryptor{aead: aead, allowPlaintext: allowPlaintext}, nil
}

// Encrypt seals plaintext into the versioned storage format.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("reading entropy: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a stored value. A value carrying the format marker that
// fails to authenticate is a corrupt record, not a plaintext secret; a
// value without the marker is legacy plaintext and is honored only when
// the migration flag was set.
func (e *Encryptor) Decrypt(stored string) (string, error) {
	if !strings.HasPrefix(stored, encPrefix) {
		if e.allowPlaintext {
			return stored, nil
		}
		return "", ErrLegacyPlaintext
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(stored, encPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptCiphertext, err)
	}
	if len(raw) < e.aead.NonceSize() {
		return "", ErrCorruptCiphertext
	}
	nonce, ciphertext := raw[:e.aead.NonceSize()], raw[e.aead.NonceSize():]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptCiphertext, err)
	}
	return string(plaintext), nil
}
