// Package recovery restores the record key bundle on a new device by
// wrapping it under a key derived from a passkey's PRF output.
package recovery

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/TheMichaelB/chatvault/internal/models"
	"github.com/TheMichaelB/chatvault/internal/secure"
)

// Authenticator is a platform authenticator with the PRF extension.
//
// Register creates a credential and returns its PRF output for salt.
// Authenticate lets the platform pick any of the allowed credentials and
// returns the one that answered. Implementations return
// models.ErrNoCredential when none of the allowed credentials is present
// and models.ErrAuthenticatorCancelled when the user dismisses the prompt.
type Authenticator interface {
	Register(ctx context.Context, salt []byte) (credentialID string, prf []byte, err error)
	Authenticate(ctx context.Context, allowed []string, salt []byte) (credentialID string, prf []byte, err error)
}

const softwareSecretSize = 32

// SoftwareAuthenticator emulates a PRF-capable passkey with per-credential
// secrets kept in secure storage. PRF output is HMAC-SHA256(secret, rp || salt).
type SoftwareAuthenticator struct {
	mu    sync.Mutex
	store secure.Storage
	slot  string
	rpID  string
}

// NewSoftwareAuthenticator creates an authenticator for relying party rpID.
func NewSoftwareAuthenticator(store secure.Storage, rpID string) *SoftwareAuthenticator {
	return &SoftwareAuthenticator{
		store: store,
		slot:  "authenticator",
		rpID:  rpID,
	}
}

// Register creates a credential.
func (a *SoftwareAuthenticator) Register(ctx context.Context, salt []byte) (string, []byte, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	secrets, err := a.load()
	if err != nil {
		return "", nil, err
	}

	secret := make([]byte, softwareSecretSize)
	if _, err := rand.Read(secret); err != nil {
		return "", nil, fmt.Errorf("generate credential secret: %w", err)
	}
	id := uuid.NewString()
	secrets[id] = secret

	if err := a.save(secrets); err != nil {
		return "", nil, err
	}
	return id, a.prf(secret, salt), nil
}

// Authenticate answers with the first allowed credential it holds.
func (a *SoftwareAuthenticator) Authenticate(ctx context.Context, allowed []string, salt []byte) (string, []byte, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	secrets, err := a.load()
	if err != nil {
		return "", nil, err
	}
	for _, id := range allowed {
		if secret, ok := secrets[id]; ok {
			return id, a.prf(secret, salt), nil
		}
	}
	return "", nil, models.ErrNoCredential
}

// Forget removes a credential, as if its device were lost.
func (a *SoftwareAuthenticator) Forget(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	secrets, err := a.load()
	if err != nil {
		return err
	}
	delete(secrets, id)
	return a.save(secrets)
}

func (a *SoftwareAuthenticator) prf(secret, salt []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(a.rpID))
	mac.Write(salt)
	return mac.Sum(nil)
}

func (a *SoftwareAuthenticator) load() (map[string][]byte, error) {
	data, err := a.store.Get(a.slot)
	if errors.Is(err, secure.ErrNotFound) {
		return make(map[string][]byte), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read authenticator secrets: %w", err)
	}

	secrets := make(map[string][]byte)
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("decode authenticator secrets: %w", err)
	}
	return secrets, nil
}

func (a *SoftwareAuthenticator) save(secrets map[string][]byte) error {
	data, err := json.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("encode authenticator secrets: %w", err)
	}
	if err := a.store.Set(a.slot, data); err != nil {
		return fmt.Errorf("persist authenticator secrets: %w", err)
	}
	return nil
}
