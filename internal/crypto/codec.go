package crypto

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Envelope is the v0 wire format.
type Envelope struct {
	IV   string `json:"iv"`
	Data string `json:"data"`
}

// Codec produces and reads both record wire formats under a KeyManager.
type Codec struct {
	keys *KeyManager
}

// NewCodec creates a codec.
func NewCodec(keys *KeyManager) *Codec {
	return &Codec{keys: keys}
}

// Keys returns the backing key manager.
func (c *Codec) Keys() *KeyManager {
	return c.keys
}

// EncryptV0 seals JSON(payload) into an envelope.
func (c *Codec) EncryptV0(payload interface{}) (*Envelope, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	sealed, err := c.keys.Seal(plaintext)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		IV:   base64.StdEncoding.EncodeToString(sealed[:NonceSize]),
		Data: base64.StdEncoding.EncodeToString(sealed[NonceSize:]),
	}, nil
}

// MarshalV0 returns the envelope as JSON text.
func (c *Codec) MarshalV0(payload interface{}) ([]byte, error) {
	env, err := c.EncryptV0(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// DecryptV0 opens an envelope into out.
func (c *Codec) DecryptV0(env *Envelope, out interface{}) (bool, error) {
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil || len(iv) != NonceSize {
		return false, fmt.Errorf("%w: bad iv", ErrInvalidCiphertext)
	}
	data, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil || len(data) < TagSize {
		return false, fmt.Errorf("%w: bad data", ErrInvalidCiphertext)
	}

	plaintext, usedFallback, err := c.keys.Open(append(iv, data...))
	if err != nil {
		return false, err
	}

	if err := json.Unmarshal(plaintext, out); err != nil {
		return usedFallback, fmt.Errorf("unmarshal payload: %w", err)
	}
	return usedFallback, nil
}

// EncryptV1 seals gzip(JSON(payload)).
func (c *Codec) EncryptV1(payload interface{}) ([]byte, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(plaintext); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}

	return c.keys.Seal(buf.Bytes())
}

// DecryptV1 opens v1 bytes into out.
func (c *Codec) DecryptV1(data []byte, out interface{}) (bool, error) {
	if len(data) <= NonceSize+TagSize {
		return false, ErrInvalidCiphertext
	}

	compressed, usedFallback, err := c.keys.Open(data)
	if err != nil {
		return false, err
	}

	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return usedFallback, fmt.Errorf("decompress: %w", err)
	}
	defer zr.Close()

	plaintext, err := io.ReadAll(zr)
	if err != nil {
		return usedFallback, fmt.Errorf("decompress: %w", err)
	}

	if err := json.Unmarshal(plaintext, out); err != nil {
		return usedFallback, fmt.Errorf("unmarshal payload: %w", err)
	}
	return usedFallback, nil
}

// Encrypt produces the requested format as bytes.
func (c *Codec) Encrypt(format int, payload interface{}) ([]byte, error) {
	switch format {
	case FormatV0:
		return c.MarshalV0(payload)
	case FormatV1:
		return c.EncryptV1(payload)
	default:
		return nil, fmt.Errorf("unsupported format version: %d", format)
	}
}

// Decrypt detects the format: JSON text is a v0 envelope, anything else v1.
func (c *Codec) Decrypt(data []byte, out interface{}) (format int, usedFallback bool, err error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var env Envelope
		if err := json.Unmarshal(trimmed, &env); err == nil && env.IV != "" {
			usedFallback, err := c.DecryptV0(&env, out)
			return FormatV0, usedFallback, err
		}
	}

	usedFallback, err = c.DecryptV1(data, out)
	return FormatV1, usedFallback, err
}
