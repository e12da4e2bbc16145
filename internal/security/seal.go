package security

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

// ErrSealKeyMissing is returned when no sealing key is configured.
var ErrSealKeyMissing = errors.New("security: missing seal key")

// ErrUnsealFailed is returned when a sealed payload cannot be authenticated.
var ErrUnsealFailed = errors.New("security: unseal failed")

// sealContext separates queue sealing keys from any other use of the passphrase.
const sealContext = "examsync queue payload v1"

// Sealer encrypts queue payloads at rest with XChaCha20-Poly1305.
//
// Sealed output is a JSON string holding base64(nonce || ciphertext) so that
// backends storing JSON keep a valid document. Open passes through input that
// is not a JSON string, which lets a queue written before sealing was enabled
// be read after it was turned on.
type Sealer struct {
	aead interface {
		NonceSize() int
		Overhead() int
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
}

// NewSealer derives a 256-bit key from passphrase with keyed BLAKE2b.
func NewSealer(passphrase []byte) (*Sealer, error) {
	if len(passphrase) == 0 {
		return nil, ErrSealKeyMissing
	}
	h, err := blake2b.New256([]byte(sealContext))
	if err != nil {
		return nil, fmt.Errorf("derive seal key: %w", err)
	}
	h.Write(passphrase)
	aead, err := chacha20poly1305.NewX(h.Sum(nil))
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// SealerFromEnv builds a Sealer from EXAMSYNC_SEAL_KEY. It returns nil and
// no error when the variable is unset.
func SealerFromEnv() (*Sealer, error) {
	key := os.Getenv(EnvSealKey)
	if key == "" {
		return nil, nil
	}
	return NewSealer([]byte(key))
}

// Seal encrypts plain.
func (s *Sealer) Seal(plain []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plain)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	box := s.aead.Seal(nonce, nonce, plain, nil)
	return json.Marshal(base64.StdEncoding.EncodeToString(box))
}

// Open decrypts a payload produced by Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(sealed)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return sealed, nil
	}
	var encoded string
	if err := json.Unmarshal(trimmed, &encoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsealFailed, err)
	}
	box, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsealFailed, err)
	}
	ns := s.aead.NonceSize()
	if len(box) < ns+s.aead.Overhead() {
		return nil, fmt.Errorf("%w: payload too short", ErrUnsealFailed)
	}
	plain, err := s.aead.Open(nil, box[:ns], box[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsealFailed, err)
	}
	return plain, nil
}
