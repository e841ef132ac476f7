package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// FieldEncryptor encrypts and decrypts individual free-text column values.
type FieldEncryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// encPrefix marks values written by AESFieldEncryptor so that rows stored
// before encryption was enabled still read back as plaintext.
const encPrefix = "enc:v1:"

// AESFieldEncryptor is an AES-256-GCM FieldEncryptor. Ciphertexts are
// "enc:v1:" + base64(nonce || sealed).
type AESFieldEncryptor struct {
	aead cipher.AEAD
}

func NewAESFieldEncryptor(key []byte) (*AESFieldEncryptor, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("field encryptor: key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("field encryptor: create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("field encryptor: create GCM: %w", err)
	}

	return &AESFieldEncryptor{aead: aead}, nil
}

func (e *AESFieldEncryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("field encrypt: generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

func (e *AESFieldEncryptor) Decrypt(ciphertext string) (string, error) {
	if !strings.HasPrefix(ciphertext, encPrefix) {
		return ciphertext, nil
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, encPrefix))
	if err != nil {
		return "", fmt.Errorf("field decrypt: base64 decode: %w", err)
	}

	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("field decrypt: ciphertext too short")
	}

	plaintext, err := e.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("field decrypt: %w", err)
	}
	return string(plaintext), nil
}

// PlaintextEncryptor passes values through unchanged. It is used when no
// encryption key is configured.
type PlaintextEncryptor struct{}

func (PlaintextEncryptor) Encrypt(plaintext string) (string, error)  { return plaintext, nil }
func (PlaintextEncryptor) Decrypt(ciphertext string) (string, error) { return ciphertext, nil }

// NewFieldEncryptor builds the encryptor for grant request metadata from a
// hex-encoded HIPAA_ENCRYPTION_KEY. An empty key disables encryption with a
// warning; a malformed key is an error so the server refuses to start.
func NewFieldEncryptor(hexKey string, logger zerolog.Logger) (FieldEncryptor, error) {
	if hexKey == "" {
		logger.Warn().Msg("request metadata encryption disabled: HIPAA_ENCRYPTION_KEY is not set")
		return PlaintextEncryptor{}, nil
	}

	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("HIPAA_ENCRYPTION_KEY is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("HIPAA_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(key))
	}

	enc, err := NewAESFieldEncryptor(key)
	if err != nil {
		return nil, err
	}
	logger.Info().Msg("request metadata encryption enabled")
	return enc, nil
}
