package crypto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/TheMichaelB/chatvault/internal/events"
	"github.com/TheMichaelB/chatvault/internal/secure"
)

// Bundle is the primary key plus retired keys, most recently retired first.
type Bundle struct {
	Primary      []byte
	Alternatives [][]byte
}

type bundleJSON struct {
	Primary      string   `json:"primary"`
	Alternatives []string `json:"alternatives"`
}

// MarshalJSON encodes keys as key strings.
func (b Bundle) MarshalJSON() ([]byte, error) {
	out := bundleJSON{
		Primary:      EncodeKeyString(b.Primary),
		Alternatives: make([]string, 0, len(b.Alternatives)),
	}
	for _, k := range b.Alternatives {
		out.Alternatives = append(out.Alternatives, EncodeKeyString(k))
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes and validates key strings.
func (b *Bundle) UnmarshalJSON(data []byte) error {
	var in bundleJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	primary, err := ParseKeyString(in.Primary)
	if err != nil {
		return fmt.Errorf("primary: %w", err)
	}
	alts := make([][]byte, 0, len(in.Alternatives))
	for i, s := range in.Alternatives {
		k, err := ParseKeyString(s)
		if err != nil {
			return fmt.Errorf("alternative %d: %w", i, err)
		}
		alts = append(alts, k)
	}

	b.Primary = primary
	b.Alternatives = alts
	return nil
}

// Clone returns a deep copy.
func (b *Bundle) Clone() *Bundle {
	c := &Bundle{
		Primary:      append([]byte(nil), b.Primary...),
		Alternatives: make([][]byte, 0, len(b.Alternatives)),
	}
	for _, k := range b.Alternatives {
		c.Alternatives = append(c.Alternatives, append([]byte(nil), k...))
	}
	return c
}

// Equal reports whether both bundles hold the same keys in the same order.
func (b *Bundle) Equal(other *Bundle) bool {
	if b == nil || other == nil {
		return b == other
	}
	if !bytes.Equal(b.Primary, other.Primary) || len(b.Alternatives) != len(other.Alternatives) {
		return false
	}
	for i := range b.Alternatives {
		if !bytes.Equal(b.Alternatives[i], other.Alternatives[i]) {
			return false
		}
	}
	return true
}

// keys returns primary then alternatives, the order decryption tries them.
func (b *Bundle) keys() [][]byte {
	return append([][]byte{b.Primary}, b.Alternatives...)
}

// KeyManager owns one key bundle and persists it in a secure storage slot.
type KeyManager struct {
	mu       sync.RWMutex
	store    secure.Storage
	slot     string
	bundle   *Bundle
	provider Provider
	logger   *events.Logger
}

// NewKeyManager creates a manager bound to a storage slot. Call Load to
// pick up a previously persisted bundle.
func NewKeyManager(store secure.Storage, slot string, logger *events.Logger) *KeyManager {
	return &KeyManager{
		store:    store,
		slot:     slot,
		provider: NewProvider(),
		logger:   logger.WithFields(map[string]interface{}{"component": "key_manager", "slot": slot}),
	}
}

// Load reads the persisted bundle.
func (m *KeyManager) Load() error {
	data, err := m.store.Get(m.slot)
	if err != nil {
		if errors.Is(err, secure.ErrNotFound) {
			return ErrKeyNotInitialized
		}
		return fmt.Errorf("read key bundle: %w", err)
	}

	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return fmt.Errorf("decode key bundle: %w", err)
	}

	m.mu.Lock()
	m.bundle = &b
	m.mu.Unlock()

	m.logger.WithField("alternatives", len(b.Alternatives)).Debug("Loaded key bundle")
	return nil
}

// HasKey reports whether a primary key is installed.
func (m *KeyManager) HasKey() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bundle != nil
}

// Generate installs a fresh random primary and returns its key string.
func (m *KeyManager) Generate() (string, error) {
	key, err := GenerateKey()
	if err != nil {
		return "", err
	}
	if err := m.install(key, nil); err != nil {
		return "", err
	}
	return EncodeKeyString(key), nil
}

// SetKey validates and installs a new primary key.
func (m *KeyManager) SetKey(keyString string) error {
	key, err := ParseKeyString(keyString)
	if err != nil {
		return err
	}
	return m.install(key, nil)
}

// SetAllKeys validates and installs a primary with its history. Keys already
// known stay ahead of the supplied alternatives, so repeating a call is a no-op.
func (m *KeyManager) SetAllKeys(primary string, alternatives []string) error {
	key, err := ParseKeyString(primary)
	if err != nil {
		return err
	}

	alts := make([][]byte, 0, len(alternatives))
	for _, s := range alternatives {
		k, err := ParseKeyString(s)
		if err != nil {
			return err
		}
		alts = append(alts, k)
	}
	return m.install(key, alts)
}

// SetBundle installs a bundle obtained elsewhere, such as from recovery.
func (m *KeyManager) SetBundle(b *Bundle) error {
	if err := ValidateKeySize(b.Primary); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKeyLength, err)
	}
	for _, k := range b.Alternatives {
		if err := ValidateKeySize(k); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidKeyLength, err)
		}
	}
	return m.install(b.Primary, b.Alternatives)
}

// install builds [previous primary] + previous alternatives + given,
// deduplicated and never containing the new primary.
func (m *KeyManager) install(primary []byte, given [][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates [][]byte
	if m.bundle != nil {
		candidates = append(candidates, m.bundle.Primary)
		candidates = append(candidates, m.bundle.Alternatives...)
	}
	candidates = append(candidates, given...)

	next := &Bundle{Primary: append([]byte(nil), primary...)}
	seen := map[string]bool{string(primary): true}
	for _, k := range candidates {
		if seen[string(k)] {
			continue
		}
		seen[string(k)] = true
		next.Alternatives = append(next.Alternatives, append([]byte(nil), k...))
	}

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode key bundle: %w", err)
	}
	if err := m.store.Set(m.slot, data); err != nil {
		return fmt.Errorf("persist key bundle: %w", err)
	}

	m.bundle = next
	m.logger.WithField("alternatives", len(next.Alternatives)).Info("Installed key bundle")
	return nil
}

// Bundle returns a copy of the current bundle.
func (m *KeyManager) Bundle() (*Bundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.bundle == nil {
		return nil, ErrKeyNotInitialized
	}
	return m.bundle.Clone(), nil
}

// PrimaryString returns the primary key as a key string.
func (m *KeyManager) PrimaryString() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.bundle == nil {
		return "", ErrKeyNotInitialized
	}
	return EncodeKeyString(m.bundle.Primary), nil
}

// Delete forgets the bundle in memory and in storage.
func (m *KeyManager) Delete() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Delete(m.slot); err != nil {
		return fmt.Errorf("delete key bundle: %w", err)
	}
	m.bundle = nil
	m.logger.Info("Deleted key bundle")
	return nil
}

// Seal encrypts under the primary key: nonce || ciphertext || tag.
func (m *KeyManager) Seal(plaintext []byte) ([]byte, error) {
	m.mu.RLock()
	b := m.bundle
	m.mu.RUnlock()

	if b == nil {
		return nil, ErrKeyNotInitialized
	}
	return m.provider.EncryptData(plaintext, b.Primary)
}

// Open decrypts with the primary key, then each alternative in order.
// usedFallback is true when an alternative succeeded.
func (m *KeyManager) Open(sealed []byte) (plaintext []byte, usedFallback bool, err error) {
	m.mu.RLock()
	b := m.bundle
	m.mu.RUnlock()

	if b == nil {
		return nil, false, ErrKeyNotInitialized
	}
	if len(sealed) < NonceSize+TagSize {
		return nil, false, ErrInvalidCiphertext
	}

	for i, key := range b.keys() {
		plaintext, err := m.provider.DecryptData(sealed, key)
		if err == nil {
			if i > 0 {
				m.logger.WithField("key_index", i).Debug("Decrypted with history key")
			}
			return plaintext, i > 0, nil
		}
		if !errors.Is(err, ErrDecryptionFailed) {
			return nil, false, err
		}
	}
	return nil, false, ErrDecryptionFailed
}
