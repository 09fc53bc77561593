package crypto

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const (
	keyPrefix   = "key_"
	keyAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// EncodeKeyString renders key as "key_" followed by two alphabet symbols per
// byte, (high, low) = divmod(byte, 36).
func EncodeKeyString(key []byte) string {
	var b strings.Builder
	b.Grow(len(keyPrefix) + 2*len(key))
	b.WriteString(keyPrefix)
	for _, v := range key {
		b.WriteByte(keyAlphabet[v/36])
		b.WriteByte(keyAlphabet[v%36])
	}
	return b.String()
}

// DecodeKeyString reverses EncodeKeyString for keys of any length.
func DecodeKeyString(s string) ([]byte, error) {
	s = norm.NFKC.String(strings.TrimSpace(s))

	if !strings.HasPrefix(s, keyPrefix) {
		return nil, fmt.Errorf("%w: missing %q prefix", ErrInvalidKeyFormat, keyPrefix)
	}
	payload := s[len(keyPrefix):]
	if len(payload) == 0 || len(payload)%2 != 0 {
		return nil, fmt.Errorf("%w: payload length %d", ErrInvalidKeyFormat, len(payload))
	}

	key := make([]byte, len(payload)/2)
	for i := 0; i < len(payload); i += 2 {
		high := strings.IndexByte(keyAlphabet, payload[i])
		low := strings.IndexByte(keyAlphabet, payload[i+1])
		if high < 0 || low < 0 {
			return nil, fmt.Errorf("%w: at offset %d", ErrInvalidKeyCharacters, i)
		}
		v := high*36 + low
		if v > 255 {
			return nil, fmt.Errorf("%w: value %d at offset %d", ErrInvalidKeyCharacters, v, i)
		}
		key[i/2] = byte(v)
	}
	return key, nil
}

// ParseKeyString decodes a key string and requires a 256-bit key.
func ParseKeyString(s string) ([]byte, error) {
	key, err := DecodeKeyString(s)
	if err != nil {
		return nil, err
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKeyLength, KeySize, len(key))
	}
	return key, nil
}
