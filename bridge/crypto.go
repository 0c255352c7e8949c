package bridge

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"unicode/utf8"
)

// Cipher encrypts and decrypts stored credentials. The AES key and IV are
// derived from the configured secrets by hashing and truncating the hex
// digest, matching what the key-management side writes.
type Cipher struct {
	block cipher.Block
	iv    []byte
}

// NewCipher derives the working key and IV from the two secrets.
func NewCipher(secret, secretIV string) (*Cipher, error) {
	key := hexDigest(secret)[:32]
	iv := hexDigest(secretIV)[:16]
	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return nil, fmt.Errorf("derive cipher: %w", err)
	}
	return &Cipher{block: block, iv: []byte(iv)}, nil
}

// Encrypt returns the hex-encoded CFB8 ciphertext of text.
func (c *Cipher) Encrypt(text string) string {
	src := []byte(text)
	dst := make([]byte, len(src))
	c.cfb8(dst, src, false)
	return hex.EncodeToString(dst)
}

// Decrypt reverses Encrypt. Stored keys exist in two generations: CBC with
// PKCS7 padding and CFB8. CBC is attempted first and CFB8 is the fallback
// when the padding or length does not line up.
func (c *Cipher) Decrypt(encrypted string) (string, error) {
	raw, err := hex.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("decode credential: %w", err)
	}
	if plain, ok := c.tryCBC(raw); ok {
		return plain, nil
	}
	dst := make([]byte, len(raw))
	c.cfb8(dst, raw, true)
	if !utf8.Valid(dst) {
		return "", fmt.Errorf("credential does not decrypt")
	}
	return string(dst), nil
}

func (c *Cipher) tryCBC(raw []byte) (string, bool) {
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return "", false
	}
	dst := make([]byte, len(raw))
	cipher.NewCBCDecrypter(c.block, c.iv).CryptBlocks(dst, raw)
	plain, ok := pkcs7Unpad(dst)
	if !ok || !utf8.Valid(plain) {
		return "", false
	}
	return string(plain), true
}

// cfb8 runs AES-CFB with an 8-bit segment size, the mode the original key
// writer used. The shift register advances one ciphertext byte at a time.
func (c *Cipher) cfb8(dst, src []byte, decrypt bool) {
	sr := make([]byte, aes.BlockSize)
	copy(sr, c.iv)
	out := make([]byte, aes.BlockSize)
	for i, b := range src {
		c.block.Encrypt(out, sr)
		x := b ^ out[0]
		dst[i] = x
		copy(sr, sr[1:])
		if decrypt {
			sr[aes.BlockSize-1] = b
		} else {
			sr[aes.BlockSize-1] = x
		}
	}
}

func pkcs7Unpad(data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return nil, false
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, false
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, false
		}
	}
	return data[:len(data)-n], true
}

func hexDigest(s string) string {
	sum := sha512.Sum512([]byte(s))
	return hex.EncodeToString(sum[:])
}
