package crypto

import (
	"errors"
	"fmt"
)

// ErrStreamKeySize is returned when the stream cipher key is outside the 5-256 byte range.
var ErrStreamKeySize = errors.New("crypto: stream cipher key must be 5 to 256 bytes")

// StreamCipher is an RC4-style stream cipher. The key-scheduled permutation
// table is computed once; every Encrypt/Decrypt call generates its keystream
// from a private copy of that table, so repeated calls are independent and the
// cipher is deterministic per key.
type StreamCipher struct {
	table [256]byte
}

// NewStreamCipher runs the key-scheduling pass over a 5-256 byte key.
func NewStreamCipher(key []byte) (*StreamCipher, error) {
	if len(key) < 5 || len(key) > 256 {
		return nil, fmt.Errorf("%w (got %d)", ErrStreamKeySize, len(key))
	}

	c := &StreamCipher{}
	for i := range c.table {
		c.table[i] = byte(i)
	}
	j := 0
	for i := 0; i < 256; i++ {
		j = (j + int(c.table[i]) + int(key[i%len(key)])) % 256
		c.table[i], c.table[j] = c.table[j], c.table[i]
	}
	return c, nil
}

// Encrypt XORs the plaintext with the keystream. The keystream always starts
// from the freshly scheduled table, so two calls with the same input produce
// the same output.
func (c *StreamCipher) Encrypt(plaintext []byte) []byte {
	table := c.table
	out := make([]byte, len(plaintext))
	i, j := 0, 0
	for k, b := range plaintext {
		i = (i + 1) % 256
		j = (j + int(table[i])) % 256
		table[i], table[j] = table[j], table[i]
		out[k] = b ^ table[(int(table[i])+int(table[j]))%256]
	}
	return out
}

// Decrypt is the same XOR operation as Encrypt.
func (c *StreamCipher) Decrypt(ciphertext []byte) []byte {
	return c.Encrypt(ciphertext)
}
