package securecrypt

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
)

// Algorithm selects the AEAD construction used by a Cipher.
type Algorithm string

const (
	CHACHA20_POLY1305 Algorithm = "chacha20"
	AES_256_GCM       Algorithm = "aes-gcm"
)

type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a default (chacha20) cipher from a shared secret.
func NewCipher(secret string) (*Cipher, error) {
	return NewCipherWithAlgo(secret, CHACHA20_POLY1305)
}

// NewCipherWithAlgo derives a 256-bit key from the secret and builds an AEAD
// for the requested algorithm. Both algorithms share the same derivation, so
// switching algorithms only requires re-encrypting the stored blob.
func NewCipherWithAlgo(secret string, algo Algorithm) (*Cipher, error) {
	keyBytes := []byte(fmt.Sprintf("proxydeck-store-v1-key-%s", secret))
	hash := sha256.Sum256(keyBytes)
	finalKey := hash[:]

	var aead cipher.AEAD
	var err error

	switch algo {
	case AES_256_GCM:
		aead, err = newAESGCMAEAD(finalKey)
	case CHACHA20_POLY1305:
		fallthrough
	default:
		aead, err = newChaCha20AEAD(finalKey)
	}

	if err != nil {
		return nil, err
	}

	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext with a random nonce prepended to the ciphertext.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext := c.aead.Seal(nonce, nonce, plaintext, nil)
	return ciphertext, nil
}

// Decrypt splits the nonce off the front of the blob and opens the rest.
func (c *Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext is too short")
	}
	nonce, encryptedMessage := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, encryptedMessage, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}
