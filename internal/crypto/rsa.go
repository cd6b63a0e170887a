package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
)

const rsaKeyBits = 2048

// RSA holds an asymmetric identity. A key pair with both halves can decrypt
// and sign; an instance loaded from a peer public key can only encrypt and
// verify.
type RSA struct {
	private *rsa.PrivateKey
	public  *rsa.PublicKey
}

// Generate creates a fresh 2048 bit key pair.
func (r *RSA) Generate() error {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return fmt.Errorf("failed to generate RSA key: %w", err)
	}
	r.private = key
	r.public = &key.PublicKey
	return nil
}

// LoadPublic loads a PEM encoded public key.
func (r *RSA) LoadPublic(pemKey string) error {
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return fmt.Errorf("no PEM block in public key")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse public key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("public key is not RSA")
	}
	r.public = pub
	return nil
}

// LoadPrivate loads a PEM encoded private key and derives the public half.
func (r *RSA) LoadPrivate(pemKey string) error {
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return fmt.Errorf("no PEM block in private key")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}
	r.private = key
	r.public = &key.PublicKey
	return nil
}

// PublicKey returns the PEM encoding of the public key, or empty.
func (r *RSA) PublicKey() string {
	if r.public == nil {
		return ""
	}
	der, err := x509.MarshalPKIXPublicKey(r.public)
	if err != nil {
		return ""
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

// PrivateKey returns the PEM encoding of the private key, or empty.
func (r *RSA) PrivateKey() string {
	if r.private == nil {
		return ""
	}
	der := x509.MarshalPKCS1PrivateKey(r.private)
	return string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}))
}

// HasPublic reports whether a public key is loaded.
func (r *RSA) HasPublic() bool {
	return r.public != nil
}

// Encrypt encrypts the plaintext to the loaded public key using OAEP.
// Plaintexts longer than one OAEP block are split into maximal chunks and
// the ciphertext blocks concatenated before base64 encoding.
func (r *RSA) Encrypt(plaintext []byte) (string, error) {
	if r.public == nil {
		return "", fmt.Errorf("no public key loaded")
	}
	hash := sha256.New()
	chunkSize := r.public.Size() - 2*hash.Size() - 2
	if chunkSize <= 0 {
		return "", fmt.Errorf("key too small for OAEP")
	}

	var ciphertext []byte
	for len(plaintext) > 0 {
		n := len(plaintext)
		if n > chunkSize {
			n = chunkSize
		}
		block, err := rsa.EncryptOAEP(hash, rand.Reader, r.public, plaintext[:n], nil)
		if err != nil {
			return "", fmt.Errorf("failed to encrypt: %w", err)
		}
		ciphertext = append(ciphertext, block...)
		plaintext = plaintext[n:]
	}

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decodes and decrypts a base64 encoded OAEP ciphertext produced by
// Encrypt, reassembling chunked blocks.
func (r *RSA) Decrypt(encoded string) ([]byte, error) {
	if r.private == nil {
		return nil, fmt.Errorf("no private key loaded")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}
	blockSize := r.private.Size()
	if len(ciphertext) == 0 || len(ciphertext)%blockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d not a key multiple", len(ciphertext))
	}

	var plaintext []byte
	for off := 0; off < len(ciphertext); off += blockSize {
		block, err := rsa.DecryptOAEP(sha256.New(), nil, r.private, ciphertext[off:off+blockSize], nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt: %w", err)
		}
		plaintext = append(plaintext, block...)
	}

	return plaintext, nil
}

// Sign returns a base64 encoded PKCS#1 v1.5 signature over the SHA-256 of
// the plaintext.
func (r *RSA) Sign(plaintext []byte) (string, error) {
	if r.private == nil {
		return "", fmt.Errorf("no private key loaded")
	}
	digest := sha256.Sum256(plaintext)
	sig, err := rsa.SignPKCS1v15(rand.Reader, r.private, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("failed to sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a base64 encoded signature against the plaintext using the
// loaded public key.
func (r *RSA) Verify(plaintext []byte, signature string) bool {
	if r.public == nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(plaintext)
	return rsa.VerifyPKCS1v15(r.public, crypto.SHA256, digest[:], sig) == nil
}
