// Package crypto implements the symmetric ciphers that protect sensitive
// identifiers (usernames and device serial numbers) at rest in the database.
// Two primitives are provided: a 64-bit Feistel block cipher for usernames and
// an RC4-style stream cipher for serials, plus a FieldCipher wrapper that
// handles base64 encoding for TEXT column storage.
//
// Both ciphers are deliberately deterministic: no initialization vector or
// nonce is used, so encrypting the same plaintext under the same key always
// produces the same ciphertext. The store depends on this — rows are located
// by re-encrypting a query value and comparing ciphertexts, which a randomized
// scheme would break. The cost is that equal plaintexts are observable as
// equal ciphertexts in the database.
package crypto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// BlockSize is the Feistel cipher block size in bytes.
const BlockSize = 8

var (
	// ErrBlockKeySize is returned when the block cipher key is outside the 4-56 byte range.
	ErrBlockKeySize = errors.New("crypto: block cipher key must be 4 to 56 bytes")
	// ErrCiphertextLength is returned when a ciphertext is not a whole number of blocks.
	ErrCiphertextLength = errors.New("crypto: ciphertext length must be a multiple of the block size")
	// ErrInvalidPadding is returned when PKCS#7 unpadding finds a zero pad length,
	// a pad length exceeding the buffer, or inconsistent pad bytes. Any of these
	// means the ciphertext is corrupt or was produced under a different key.
	ErrInvalidPadding = errors.New("crypto: invalid PKCS#7 padding")
)

// pInit holds the 18 initial subkeys (leading hex digits of pi).
var pInit = [18]uint32{
	0x243F6A88, 0x85A308D3, 0x13198A2E, 0x03707344,
	0xA4093822, 0x299F31D0, 0x082EFA98, 0xEC4E6C89,
	0x452821E6, 0x38D01377, 0xBE5466CF, 0x34E90C6C,
	0xC0AC29B7, 0xC97C50DD, 0x3F84D5B5, 0xB5470917,
	0x9216D5D9, 0x8979FB1B,
}

// sSeed holds 16 seed words per substitution table; each table is the seed
// repeated to 256 entries before key expansion mutates it.
var sSeed = [4][16]uint32{
	{
		0xD1310BA6, 0x98DFB5AC, 0x2FFD72DB, 0xD01ADFB7,
		0xB8E1AFED, 0x6A267E96, 0xBA7C9045, 0xF12C7F99,
		0x24A19947, 0xB3916CF7, 0x0801F2E2, 0x858EFC16,
		0x636920D8, 0x71574E69, 0xA458FEA3, 0xF4933D7E,
	},
	{
		0x0D95748F, 0x728EB658, 0x718BCD58, 0x82154AEE,
		0x7B54A41D, 0xC25A59B5, 0x9C30D539, 0x2AF26013,
		0xC5D1B023, 0x286085F0, 0xCA417918, 0xB8DB38EF,
		0x8E79DCB0, 0x603A180E, 0x6C9E0E8B, 0xB01E8A3E,
	},
	{
		0xD71577C1, 0xBD314B27, 0x78AF2FDA, 0x55605C60,
		0xE65525F3, 0xAA55AB94, 0x57489862, 0x63E81440,
		0x55CA396A, 0x2AAB10B6, 0xB4CC5C34, 0x1141E8CE,
		0xA15486AF, 0x7C72E993, 0xB3EE1411, 0x636FBC2A,
	},
	{
		0x2BA9C55D, 0x741831F6, 0xCE5C3E16, 0x9B87931E,
		0xAFD6BA33, 0x6C24CF5C, 0x7A325381, 0x28958677,
		0x3B8F4898, 0x6B4BB9AF, 0xC4BFE81B, 0x66282193,
		0x61D809CC, 0xFB21A991, 0x487CAC60, 0x5DEC8032,
	},
}

// BlockCipher is a 16-round Feistel cipher over 64-bit blocks with an 18-entry
// subkey array and four 256-entry substitution tables derived from the key.
type BlockCipher struct {
	p [18]uint32
	s [4][256]uint32
}

// NewBlockCipher expands a 4-56 byte key into the cipher state.
func NewBlockCipher(key []byte) (*BlockCipher, error) {
	if len(key) < 4 || len(key) > 56 {
		return nil, fmt.Errorf("%w (got %d)", ErrBlockKeySize, len(key))
	}

	c := &BlockCipher{p: pInit}
	for i := range c.s {
		for j := range c.s[i] {
			c.s[i][j] = sSeed[i][j%len(sSeed[i])]
		}
	}
	c.expandKey(key)
	return c, nil
}

// expandKey XORs the key material cyclically into the subkeys, then repeatedly
// encrypts an evolving zero block, overwriting the subkeys two at a time and
// then every substitution-table entry in sequence.
func (c *BlockCipher) expandKey(key []byte) {
	j := 0
	for i := 0; i < len(c.p); i++ {
		var word uint32
		for k := 0; k < 4; k++ {
			word = word<<8 | uint32(key[j])
			j = (j + 1) % len(key)
		}
		c.p[i] ^= word
	}

	var left, right uint32
	for i := 0; i < len(c.p); i += 2 {
		left, right = c.encryptBlock(left, right)
		c.p[i] = left
		c.p[i+1] = right
	}
	for box := range c.s {
		for i := 0; i < 256; i += 2 {
			left, right = c.encryptBlock(left, right)
			c.s[box][i] = left
			c.s[box][i+1] = right
		}
	}
}

// round mixes one 32-bit half through the four substitution tables:
// ((s0[a] + s1[b]) ^ s2[c]) + s3[d], all mod 2^32.
func (c *BlockCipher) round(x uint32) uint32 {
	a := x >> 24
	b := x >> 16 & 0xFF
	d := x >> 8 & 0xFF
	e := x & 0xFF
	r := c.s[0][a] + c.s[1][b]
	r ^= c.s[2][d]
	return r + c.s[3][e]
}

func (c *BlockCipher) encryptBlock(left, right uint32) (uint32, uint32) {
	for i := 0; i < 16; i++ {
		left ^= c.p[i]
		right ^= c.round(left)
		left, right = right, left
	}
	left, right = right, left
	right ^= c.p[16]
	left ^= c.p[17]
	return left, right
}

func (c *BlockCipher) decryptBlock(left, right uint32) (uint32, uint32) {
	for i := 17; i > 1; i-- {
		left ^= c.p[i]
		right ^= c.round(left)
		left, right = right, left
	}
	left, right = right, left
	right ^= c.p[1]
	left ^= c.p[0]
	return left, right
}

// Encrypt pads the plaintext with PKCS#7 and encrypts each 8-byte block
// independently. No chaining is applied, so identical plaintexts yield
// identical ciphertexts under the same key.
func (c *BlockCipher) Encrypt(plaintext []byte) []byte {
	padded := padPKCS7(plaintext, BlockSize)
	out := make([]byte, len(padded))
	for i := 0; i < len(padded); i += BlockSize {
		left := binary.BigEndian.Uint32(padded[i:])
		right := binary.BigEndian.Uint32(padded[i+4:])
		left, right = c.encryptBlock(left, right)
		binary.BigEndian.PutUint32(out[i:], left)
		binary.BigEndian.PutUint32(out[i+4:], right)
	}
	return out
}

// Decrypt decrypts a whole number of blocks and strips the PKCS#7 padding.
func (c *BlockCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%BlockSize != 0 {
		return nil, ErrCiphertextLength
	}
	out := make([]byte, len(ciphertext))
	for i := 0; i < len(ciphertext); i += BlockSize {
		left := binary.BigEndian.Uint32(ciphertext[i:])
		right := binary.BigEndian.Uint32(ciphertext[i+4:])
		left, right = c.decryptBlock(left, right)
		binary.BigEndian.PutUint32(out[i:], left)
		binary.BigEndian.PutUint32(out[i+4:], right)
	}
	return unpadPKCS7(out)
}

// padPKCS7 appends 1..blockSize bytes, each equal to the pad length.
func padPKCS7(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

// unpadPKCS7 validates and removes the padding. A zero pad length, a pad
// length longer than the buffer, or any mismatched pad byte is rejected.
func unpadPKCS7(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrInvalidPadding
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, ErrInvalidPadding
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, ErrInvalidPadding
		}
	}
	return data[:len(data)-padLen], nil
}
