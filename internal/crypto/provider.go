package crypto

import (
	"errors"
	"fmt"
)

const (
	// Key sizes
	KeySize   = 32 // AES-256
	NonceSize = 12 // GCM standard
	TagSize   = 16 // GCM tag

	// Record wire formats
	FormatV0 = 0 // JSON envelope {"iv","data"}
	FormatV1 = 1 // nonce || ciphertext || tag over gzip(JSON)
)

// Errors
var (
	ErrInvalidCiphertext    = errors.New("invalid ciphertext format")
	ErrInvalidKey           = errors.New("invalid key size")
	ErrDecryptionFailed     = errors.New("decryption failed")
	ErrKeyNotInitialized    = errors.New("encryption key not initialized")
	ErrInvalidKeyFormat     = errors.New("invalid key format")
	ErrInvalidKeyCharacters = errors.New("invalid key characters")
	ErrInvalidKeyLength     = errors.New("invalid key length")
)

// CryptoProvider handles raw AES-GCM operations on a single key.
type CryptoProvider struct{}

// NewProvider creates a crypto provider.
func NewProvider() Provider {
	return &CryptoProvider{}
}

// EncryptData encrypts plaintext using AES-GCM.
// Returns: nonce || ciphertext || tag
func (p *CryptoProvider) EncryptData(plaintext, key []byte) ([]byte, error) {
	nonce, err := randomBytes(NonceSize)
	if err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed, err := seal(key, nonce, plaintext)
	if err != nil {
		return nil, err
	}

	result := make([]byte, 0, NonceSize+len(sealed))
	result = append(result, nonce...)
	result = append(result, sealed...)
	return result, nil
}

// DecryptData decrypts ciphertext using AES-GCM.
func (p *CryptoProvider) DecryptData(ciphertext, key []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}

	// Minimum size: nonce + tag
	if len(ciphertext) < NonceSize+TagSize {
		return nil, ErrInvalidCiphertext
	}

	return open(key, ciphertext[:NonceSize], ciphertext[NonceSize:])
}
