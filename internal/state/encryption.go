package state

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
)

const (
	// EncryptionKeyEnvVar holds the passphrase reports are encrypted with.
	EncryptionKeyEnvVar = "GISEMENT_REPORT_ENCRYPTION_KEY"

	encryptedHeader = "# GISEMENT_ENCRYPTED_REPORT v2\n"
)

var ErrMissingKey = errors.New("report is encrypted but " + EncryptionKeyEnvVar + " is not set")

// reportCipher seals reports with AES-256-GCM. The key is the SHA-256 of the
// configured passphrase, and the header is bound as additional data so it
// cannot be swapped for another format marker.
type reportCipher struct {
	aead cipher.AEAD
}

// newReportCipher returns nil when no passphrase is set.
func newReportCipher(passphrase string) (*reportCipher, error) {
	if passphrase == "" {
		return nil, nil
	}
	key := sha256.Sum256([]byte(passphrase))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &reportCipher{aead: aead}, nil
}

func (c *reportCipher) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, []byte(encryptedHeader))

	out := make([]byte, 0, len(encryptedHeader)+base64.StdEncoding.EncodedLen(len(sealed))+1)
	out = append(out, encryptedHeader...)
	out = base64.StdEncoding.AppendEncode(out, sealed)
	return append(out, '\n'), nil
}

func (c *reportCipher) open(content []byte) ([]byte, error) {
	encoded := bytes.TrimSpace(content[len(encryptedHeader):])
	sealed, err := base64.StdEncoding.AppendDecode(nil, encoded)
	if err != nil {
		return nil, fmt.Errorf("decode encrypted report: %w", err)
	}
	n := c.aead.NonceSize()
	if len(sealed) < n+c.aead.Overhead() {
		return nil, errors.New("encrypted report is truncated")
	}
	plaintext, err := c.aead.Open(nil, sealed[:n], sealed[n:], []byte(encryptedHeader))
	if err != nil {
		return nil, fmt.Errorf("decrypt report (wrong key?): %w", err)
	}
	return plaintext, nil
}

// EncryptReport seals content when a passphrase is configured and returns it
// untouched otherwise.
func EncryptReport(content []byte) ([]byte, error) {
	c, err := newReportCipher(os.Getenv(EncryptionKeyEnvVar))
	if err != nil || c == nil {
		return content, err
	}
	return c.seal(content)
}

// DecryptReport opens content written by EncryptReport. Plain reports pass
// through.
func DecryptReport(content []byte) ([]byte, error) {
	if !IsEncrypted(content) {
		return content, nil
	}
	c, err := newReportCipher(os.Getenv(EncryptionKeyEnvVar))
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrMissingKey
	}
	return c.open(content)
}

func IsEncrypted(content []byte) bool {
	return bytes.HasPrefix(content, []byte(encryptedHeader))
}
