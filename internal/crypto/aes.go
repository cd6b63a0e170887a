// Package crypto implements the symmetric and asymmetric envelope operations
// used to protect pairing protocol frames.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/crypto/pbkdf2"
)

// DefaultSalt is the salt used for key derivation when none is configured.
// Both sides must use the same salt to derive matching keys.
const DefaultSalt uint64 = 0x368de30e8ec063ce

const (
	aesKeySize       = 32 // AES-256
	pbkdf2Iterations = 4096
)

// AES performs AES-256-CBC encryption with a PBKDF2 derived key and IV.
// Plaintext is zlib compressed before encryption when compression is enabled.
type AES struct {
	key      []byte
	iv       []byte
	compress bool
}

// NewAES derives the cipher key and IV from the password and salt.
func NewAES(password string, salt uint64, compress bool) *AES {
	saltBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(saltBytes, salt)

	derived := pbkdf2.Key([]byte(password), saltBytes, pbkdf2Iterations,
		aesKeySize+aes.BlockSize, sha256.New)

	return &AES{
		key:      derived[:aesKeySize],
		iv:       derived[aesKeySize:],
		compress: compress,
	}
}

// Encrypt encrypts the plaintext and returns it base64 encoded.
func (a *AES) Encrypt(plaintext []byte) (string, error) {
	data := plaintext
	if a.compress {
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(plaintext); err != nil {
			return "", fmt.Errorf("failed to compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return "", fmt.Errorf("failed to compress: %w", err)
		}
		data = buf.Bytes()
	}

	block, err := aes.NewCipher(a.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	padded := pkcs7Pad(data, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, a.iv).CryptBlocks(ciphertext, padded)

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decodes and decrypts a base64 encoded ciphertext. It returns an
// error for any malformed or undecryptable input.
func (a *AES) Decrypt(encoded string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d not a block multiple", len(ciphertext))
	}

	block, err := aes.NewCipher(a.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, a.iv).CryptBlocks(padded, ciphertext)

	data, err := pkcs7Unpad(padded, aes.BlockSize)
	if err != nil {
		return nil, err
	}

	if a.compress {
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to decompress: %w", err)
		}
		defer r.Close()
		plain, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress: %w", err)
		}
		return plain, nil
	}

	return data, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty padded data")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return data[:len(data)-padLen], nil
}

// RandomKey returns a random printable key string of the given length,
// usable as a generated encryption key.
func RandomKey(length int) (string, error) {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	for i, b := range raw {
		raw[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(raw), nil
}
