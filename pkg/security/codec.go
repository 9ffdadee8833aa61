package security

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

// ErrInvalidCiphertext signals a truncated or tampered sealed value.
var ErrInvalidCiphertext = errors.New("invalid ciphertext")

// CodeCodec seals secret codes and provider credentials at rest and derives the
// lookup fingerprint used for duplicate detection.
type CodeCodec struct {
	key            []byte
	fingerprintKey []byte
}

// NewCodeCodec builds a codec from a base64 encoded 32 byte key and an
// arbitrary fingerprint secret.
func NewCodeCodec(encodedKey, fingerprintKey string) (*CodeCodec, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encodedKey))
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	if fingerprintKey == "" {
		return nil, errors.New("fingerprint key is required")
	}
	fk := []byte(fingerprintKey)
	if len(fk) > blake2b.Size {
		sum := blake2b.Sum256(fk)
		fk = sum[:]
	}
	return &CodeCodec{key: key, fingerprintKey: fk}, nil
}

// Seal encrypts plaintext; the random nonce is prepended to the output.
func (c *CodeCodec) Seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal.
func (c *CodeCodec) Open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrInvalidCiphertext
	}
	nonce, body := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plain, nil
}

// SealString is Seal for text values.
func (c *CodeCodec) SealString(value string) ([]byte, error) {
	return c.Seal([]byte(value))
}

// OpenString is Open for text values.
func (c *CodeCodec) OpenString(sealed []byte) (string, error) {
	plain, err := c.Open(sealed)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// Fingerprint returns the hex keyed BLAKE2b-256 of the normalized code.
func (c *CodeCodec) Fingerprint(code string) string {
	h, err := blake2b.New256(c.fingerprintKey)
	if err != nil {
		// key length is bounded in NewCodeCodec
		panic(err)
	}
	_, _ = h.Write([]byte(NormalizeCode(code)))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// NormalizeCode upper-cases the code and drops whitespace and hyphens.
func NormalizeCode(code string) string {
	var b strings.Builder
	b.Grow(len(code))
	for _, r := range code {
		if unicode.IsSpace(r) || r == '-' {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}
