package crypto_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/chatvault/internal/crypto"
	"github.com/TheMichaelB/chatvault/internal/secure"
)

type payload struct {
	Title    string   `json:"title"`
	Messages []string `json:"messages,omitempty"`
}

func newCodec(t *testing.T) *crypto.Codec {
	t.Helper()
	km := newManager(t, secure.NewMemoryStorage())
	_, err := km.Generate()
	require.NoError(t, err)
	return crypto.NewCodec(km)
}

func TestCodecV0RoundTrip(t *testing.T) {
	c := newCodec(t)
	in := payload{Title: "hi", Messages: []string{"a", "b"}}

	env, err := c.EncryptV0(in)
	require.NoError(t, err)

	var out payload
	usedFallback, err := c.DecryptV0(env, &out)
	require.NoError(t, err)
	assert.False(t, usedFallback)
	assert.Equal(t, in, out)
}

func TestCodecV0WireShape(t *testing.T) {
	c := newCodec(t)

	data, err := c.MarshalV0(payload{Title: "hi"})
	require.NoError(t, err)

	var raw map[string]string
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Len(t, raw, 2)
	assert.Contains(t, raw, "iv")
	assert.Contains(t, raw, "data")
	assert.Len(t, raw["iv"], 16) // base64 of 12 bytes
}

func TestCodecV0RejectsBadLengths(t *testing.T) {
	c := newCodec(t)

	var out payload
	_, err := c.DecryptV0(&crypto.Envelope{IV: "AAAA", Data: strings.Repeat("A", 24)}, &out)
	assert.ErrorIs(t, err, crypto.ErrInvalidCiphertext)

	_, err = c.DecryptV0(&crypto.Envelope{IV: "AAAAAAAAAAAAAAAA", Data: "AAAA"}, &out)
	assert.ErrorIs(t, err, crypto.ErrInvalidCiphertext)
}

func TestCodecV1RoundTrip(t *testing.T) {
	c := newCodec(t)
	in := payload{Title: "hi"}

	data, err := c.EncryptV1(in)
	require.NoError(t, err)
	assert.Greater(t, len(data), crypto.NonceSize+crypto.TagSize)

	var out payload
	usedFallback, err := c.DecryptV1(data, &out)
	require.NoError(t, err)
	assert.False(t, usedFallback)
	assert.Equal(t, in, out)
}

func TestCodecV1Compresses(t *testing.T) {
	c := newCodec(t)
	in := payload{Title: strings.Repeat("repetitive ", 500)}

	data, err := c.EncryptV1(in)
	require.NoError(t, err)

	raw, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Less(t, len(data), len(raw)/4)
}

func TestCodecV1RejectsShortInput(t *testing.T) {
	c := newCodec(t)

	var out payload
	_, err := c.DecryptV1(make([]byte, crypto.NonceSize+crypto.TagSize), &out)
	assert.ErrorIs(t, err, crypto.ErrInvalidCiphertext)
}

func TestCodecDifferentKeyFails(t *testing.T) {
	a := newCodec(t)
	b := newCodec(t)

	data, err := a.EncryptV1(payload{Title: "hi"})
	require.NoError(t, err)

	var out payload
	_, err = b.DecryptV1(data, &out)
	assert.ErrorIs(t, err, crypto.ErrDecryptionFailed)
	assert.Empty(t, out.Title)
}

func TestCodecHistoryFallback(t *testing.T) {
	for _, format := range []int{crypto.FormatV0, crypto.FormatV1} {
		c := newCodec(t)

		data, err := c.Encrypt(format, payload{Title: "before rotation"})
		require.NoError(t, err)

		_, err = c.Keys().Generate()
		require.NoError(t, err)

		var out payload
		gotFormat, usedFallback, err := c.Decrypt(data, &out)
		require.NoError(t, err)
		assert.Equal(t, format, gotFormat)
		assert.True(t, usedFallback)
		assert.Equal(t, "before rotation", out.Title)
	}
}

func TestCodecDecryptDetectsFormat(t *testing.T) {
	c := newCodec(t)

	v0, err := c.Encrypt(crypto.FormatV0, payload{Title: "zero"})
	require.NoError(t, err)
	v1, err := c.Encrypt(crypto.FormatV1, payload{Title: "one"})
	require.NoError(t, err)

	var out payload
	format, _, err := c.Decrypt(v0, &out)
	require.NoError(t, err)
	assert.Equal(t, crypto.FormatV0, format)
	assert.Equal(t, "zero", out.Title)

	format, _, err = c.Decrypt(v1, &out)
	require.NoError(t, err)
	assert.Equal(t, crypto.FormatV1, format)
	assert.Equal(t, "one", out.Title)

	_, err = c.Encrypt(7, payload{})
	assert.Error(t, err)
}

func TestCodecKnownKeyScenario(t *testing.T) {
	km := newManager(t, secure.NewMemoryStorage())
	require.NoError(t, km.SetKey("key_"+strings.Repeat("aa", 32)))
	c := crypto.NewCodec(km)

	data, err := c.EncryptV1(map[string]string{"title": "hi"})
	require.NoError(t, err)

	var out map[string]string
	_, err = c.DecryptV1(data, &out)
	require.NoError(t, err)
	assert.Equal(t, "hi", out["title"])

	other := newCodec(t)
	_, err = other.DecryptV1(data, &out)
	assert.ErrorIs(t, err, crypto.ErrDecryptionFailed)
}
