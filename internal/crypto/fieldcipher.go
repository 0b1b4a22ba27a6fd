package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

var (
	// ErrCiphertextCorrupted is returned when a stored value fails base64 decoding.
	ErrCiphertextCorrupted = errors.New("crypto: stored ciphertext is not valid base64")
	// ErrDecryptionFailed is returned when decryption yields invalid padding or
	// a byte sequence that is not valid UTF-8, indicating corruption or a wrong key.
	ErrDecryptionFailed = errors.New("crypto: decryption operation failed")
)

// FieldCipher encrypts the two sensitive database fields: usernames through
// the block cipher and device serial numbers through the stream cipher.
// Ciphertexts are base64-encoded so they can live in TEXT columns.
//
// The Safe* variants never fail: on any decryption error they return the
// stored value unchanged. Rows written before encryption was introduced hold
// plaintext, and those must keep reading correctly through the same code path.
type FieldCipher struct {
	block  *BlockCipher
	stream *StreamCipher
}

// NewFieldCipher builds a FieldCipher from the two keys.
func NewFieldCipher(blockKey, streamKey []byte) (*FieldCipher, error) {
	block, err := NewBlockCipher(blockKey)
	if err != nil {
		return nil, err
	}
	stream, err := NewStreamCipher(streamKey)
	if err != nil {
		return nil, err
	}
	return &FieldCipher{block: block, stream: stream}, nil
}

// EncryptUsername encrypts a username for storage. Empty input is returned as is.
func (fc *FieldCipher) EncryptUsername(username string) string {
	if username == "" {
		return username
	}
	return base64.StdEncoding.EncodeToString(fc.block.Encrypt([]byte(username)))
}

// DecryptUsername reverses EncryptUsername, failing on any corruption.
func (fc *FieldCipher) DecryptUsername(stored string) (string, error) {
	if stored == "" {
		return stored, nil
	}
	raw, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return "", ErrCiphertextCorrupted
	}
	plain, err := fc.block.Decrypt(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	if !utf8.Valid(plain) {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

// SafeDecryptUsername decrypts a stored username, returning the stored value
// unchanged when it cannot be decrypted (legacy plaintext rows).
func (fc *FieldCipher) SafeDecryptUsername(stored string) string {
	plain, err := fc.DecryptUsername(stored)
	if err != nil {
		return stored
	}
	return plain
}

// EncryptSerial encrypts a device serial for storage. Empty input is returned as is.
func (fc *FieldCipher) EncryptSerial(serial string) string {
	if serial == "" {
		return serial
	}
	return base64.StdEncoding.EncodeToString(fc.stream.Encrypt([]byte(serial)))
}

// DecryptSerial reverses EncryptSerial, failing on any corruption.
func (fc *FieldCipher) DecryptSerial(stored string) (string, error) {
	if stored == "" {
		return stored, nil
	}
	raw, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return "", ErrCiphertextCorrupted
	}
	plain := fc.stream.Decrypt(raw)
	if !utf8.Valid(plain) {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

// SafeDecryptSerial decrypts a stored serial, returning the stored value
// unchanged when it cannot be decrypted.
func (fc *FieldCipher) SafeDecryptSerial(stored string) string {
	plain, err := fc.DecryptSerial(stored)
	if err != nil {
		return stored
	}
	return plain
}

// GenerateKey creates a cryptographically secure random key of the given
// length, hex-encoded for pasting into configuration.
func GenerateKey(length int) (string, error) {
	key := make([]byte, length)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}
