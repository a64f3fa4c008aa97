// Package security provides the optional payload protection applied at the
// transport boundary: authenticated encryption and detached signatures.
package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"

	"golang.org/x/crypto/chacha20poly1305"

	"go.heromessaging.dev/internal/common/apperr"
)

// Encryptor seals and opens payloads.
type Encryptor interface {
	// Encrypt returns the nonce and the ciphertext (tag included).
	Encrypt(plaintext []byte) (nonce, ciphertext []byte, err error)

	// Decrypt opens a sealed payload.
	Decrypt(nonce, ciphertext []byte) ([]byte, error)
}

// Signer produces and verifies detached signatures.
type Signer interface {
	Sign(data []byte) []byte

	// Verify uses a constant-time comparison.
	Verify(data, signature []byte) bool
}

// ChaCha20Encryptor is an AEAD encryptor over XChaCha20-Poly1305. The
// extended nonce makes random nonces safe without coordination.
type ChaCha20Encryptor struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
}

// NewChaCha20Encryptor creates an encryptor from a 32-byte key.
func NewChaCha20Encryptor(key []byte) (*ChaCha20Encryptor, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, apperr.Wrap(apperr.CategoryFatal, "invalid encryption key", err)
	}
	return &ChaCha20Encryptor{aead: aead}, nil
}

func (e *ChaCha20Encryptor) Encrypt(plaintext []byte) ([]byte, []byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, apperr.Wrap(apperr.CategoryFatal, "nonce generation failed", err)
	}
	return nonce, e.aead.Seal(nil, nonce, plaintext, nil), nil
}

func (e *ChaCha20Encryptor) Decrypt(nonce, ciphertext []byte) ([]byte, error) {
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.CategoryValidation, "payload authentication failed", err)
	}
	return plaintext, nil
}

// HMACSigner signs with HMAC-SHA256.
type HMACSigner struct {
	key []byte
}

// NewHMACSigner creates a signer from a shared key.
func NewHMACSigner(key []byte) *HMACSigner {
	return &HMACSigner{key: append([]byte(nil), key...)}
}

func (s *HMACSigner) Sign(data []byte) []byte {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(data)
	return mac.Sum(nil)
}

func (s *HMACSigner) Verify(data, signature []byte) bool {
	return hmac.Equal(s.Sign(data), signature)
}
