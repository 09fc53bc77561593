package crypto

// Provider defines the interface for cryptographic operations.
type Provider interface {
	// EncryptData encrypts plaintext using AES-GCM.
	EncryptData(plaintext, key []byte) ([]byte, error)

	// DecryptData decrypts ciphertext using AES-GCM.
	DecryptData(ciphertext, key []byte) ([]byte, error)
}
