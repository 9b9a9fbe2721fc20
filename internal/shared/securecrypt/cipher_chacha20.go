package securecrypt

import (
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// newChaCha20AEAD creates an XChaCha20-Poly1305 AEAD instance for the given
// key. The extended nonce makes random nonces safe for long-lived stores.
func newChaCha20AEAD(key []byte) (cipher.AEAD, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create XChaCha20-Poly1305 instance: %w", err)
	}
	return aead, nil
}
