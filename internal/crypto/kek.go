package crypto

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveKEK stretches an authenticator secret into a key-encryption key.
func DeriveKEK(secret []byte, info string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("derive KEK: empty secret")
	}

	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	kek := make([]byte, KeySize)
	if _, err := io.ReadFull(r, kek); err != nil {
		return nil, fmt.Errorf("derive KEK: %w", err)
	}
	return kek, nil
}

// WrapBundle encrypts a key bundle under kek. The nonce is returned
// separately from ciphertext || tag.
func WrapBundle(kek []byte, b *Bundle) (ciphertext, iv []byte, err error) {
	plaintext, err := json.Marshal(b)
	if err != nil {
		return nil, nil, fmt.Errorf("encode bundle: %w", err)
	}

	iv, err = randomBytes(NonceSize)
	if err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext, err = seal(kek, iv, plaintext)
	if err != nil {
		return nil, nil, err
	}
	return ciphertext, iv, nil
}

// UnwrapBundle reverses WrapBundle.
func UnwrapBundle(kek, ciphertext, iv []byte) (*Bundle, error) {
	if len(iv) != NonceSize || len(ciphertext) < TagSize {
		return nil, ErrInvalidCiphertext
	}

	plaintext, err := open(kek, iv, ciphertext)
	if err != nil {
		return nil, err
	}

	var b Bundle
	if err := json.Unmarshal(plaintext, &b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	return &b, nil
}
