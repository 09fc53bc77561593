package recovery

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/TheMichaelB/chatvault/internal/crypto"
	"github.com/TheMichaelB/chatvault/internal/events"
	"github.com/TheMichaelB/chatvault/internal/models"
	"github.com/TheMichaelB/chatvault/internal/secure"
)

const (
	kekInfo      = "chatvault/passkey-kek/v1"
	baselineSlot = "recovery-baseline"
)

// ErrNoBaseline means this device has never enrolled or recovered, so
// there is no cached PRF result to work with.
var ErrNoBaseline = errors.New("no recovery baseline on this device")

// prfSalt is the fixed salt every PRF evaluation uses.
var prfSalt = func() []byte {
	sum := sha256.Sum256([]byte("chatvault passkey prf salt v1"))
	return sum[:]
}()

// CredentialStore holds the remote credential array.
type CredentialStore interface {
	GetCredentials(ctx context.Context) ([]models.PasskeyCredentialEntry, error)
	PutCredentials(ctx context.Context, entries []models.PasskeyCredentialEntry) error
}

// Outcome describes what SignIn did.
type Outcome string

const (
	OutcomeRecovered Outcome = "recovered"
	OutcomeEnrolled  Outcome = "enrolled"
)

// Drift describes what CheckDrift found.
type Drift string

const (
	DriftNoBaseline  Drift = "no_baseline"
	DriftUnchanged   Drift = "unchanged"
	DriftAdvanced    Drift = "advanced"
	DriftKeysChanged Drift = "keys_changed"
)

type baseline struct {
	CredentialID string `json:"credential_id"`
	SyncVersion  int    `json:"sync_version"`
	PRF          []byte `json:"prf"`
}

// Service wraps the key bundle for passkey recovery and keeps this
// device's copy in step with bundles wrapped elsewhere.
type Service struct {
	creds  CredentialStore
	auth   Authenticator
	keys   *crypto.KeyManager
	store  secure.Storage
	logger *events.Logger
	now    func() time.Time

	// mu serializes flows that read-modify-write the credential array.
	mu            sync.Mutex
	onKeysChanged func(ctx context.Context)
}

// NewService creates a recovery service. store holds the baseline and is
// usually the same secure storage as the key bundle.
func NewService(creds CredentialStore, auth Authenticator, keys *crypto.KeyManager, store secure.Storage, logger *events.Logger) *Service {
	return &Service{
		creds:  creds,
		auth:   auth,
		keys:   keys,
		store:  store,
		logger: logger.WithField("service", "recovery"),
		now:    time.Now,
	}
}

// OnKeysChanged registers a callback run after drift installs a new bundle.
func (s *Service) OnKeysChanged(fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onKeysChanged = fn
}

// Enroll creates a new credential and stores the current bundle wrapped
// under it.
func (s *Service) Enroll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enroll(ctx)
}

func (s *Service) enroll(ctx context.Context) error {
	bundle, err := s.keys.Bundle()
	if err != nil {
		return fmt.Errorf("enroll: %w", err)
	}

	entries, err := s.creds.GetCredentials(ctx)
	if err != nil {
		return fmt.Errorf("fetch credentials: %w", err)
	}

	id, prf, err := s.auth.Register(ctx, prfSalt)
	if err != nil {
		return fmt.Errorf("register credential: %w", err)
	}

	version, err := s.publish(ctx, entries, id, prf, bundle)
	if err != nil {
		return err
	}

	s.logger.WithFields(map[string]interface{}{
		"credential_id": id,
		"sync_version":  version,
	}).Info("Enrolled passkey")
	return nil
}

// Recover unwraps the bundle with whichever known credential the platform
// offers and installs it.
func (s *Service) Recover(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recover(ctx)
}

func (s *Service) recover(ctx context.Context) error {
	entries, err := s.creds.GetCredentials(ctx)
	if err != nil {
		return fmt.Errorf("fetch credentials: %w", err)
	}
	if len(entries) == 0 {
		return models.ErrNoCredential
	}

	id, prf, err := s.auth.Authenticate(ctx, models.CredentialIDs(entries), prfSalt)
	if errors.Is(err, models.ErrNoCredential) {
		// The account exists; this device just holds none of its passkeys.
		return fmt.Errorf("%w: no enrolled passkey available here: %v", models.ErrRecoveryUnavailable, err)
	}
	if err != nil {
		return err
	}

	entry, ok := models.FindCredential(entries, id)
	if !ok {
		return fmt.Errorf("%w: authenticator answered with unknown credential %s", models.ErrRecoveryUnavailable, id)
	}

	bundle, err := unwrap(prf, entry)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrRecoveryUnavailable, err)
	}

	if err := s.keys.SetBundle(bundle); err != nil {
		return fmt.Errorf("install recovered bundle: %w", err)
	}
	if err := s.saveBaseline(baseline{CredentialID: id, SyncVersion: entry.SyncVersion, PRF: prf}); err != nil {
		return err
	}

	s.logger.WithFields(map[string]interface{}{
		"credential_id": id,
		"sync_version":  entry.SyncVersion,
	}).Info("Recovered key bundle")
	return nil
}

// SignIn recovers the bundle, or for a new user generates a key and
// enrolls a fresh credential. A user is new only when the remote holds no
// credentials at all.
func (s *Service) SignIn(ctx context.Context) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.recover(ctx)
	if err == nil {
		return OutcomeRecovered, nil
	}
	if !errors.Is(err, models.ErrNoCredential) {
		return "", err
	}

	if !s.keys.HasKey() {
		if _, err := s.keys.Generate(); err != nil {
			return "", fmt.Errorf("generate key: %w", err)
		}
	}
	if err := s.enroll(ctx); err != nil {
		return "", err
	}
	return OutcomeEnrolled, nil
}

// Rewrap stores the current bundle under this device's credential without
// prompting, using the cached PRF result.
func (s *Service) Rewrap(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	base, err := s.loadBaseline()
	if err != nil {
		return err
	}
	bundle, err := s.keys.Bundle()
	if err != nil {
		return fmt.Errorf("rewrap: %w", err)
	}
	entries, err := s.creds.GetCredentials(ctx)
	if err != nil {
		return fmt.Errorf("fetch credentials: %w", err)
	}

	version, err := s.publish(ctx, entries, base.CredentialID, base.PRF, bundle)
	if err != nil {
		return err
	}

	s.logger.WithFields(map[string]interface{}{
		"credential_id": base.CredentialID,
		"sync_version":  version,
	}).Info("Re-wrapped key bundle")
	return nil
}

// CheckDrift compares the cached baseline with the remote entry for the
// same credential and installs a newer bundle if one was wrapped
// elsewhere.
func (s *Service) CheckDrift(ctx context.Context) (Drift, error) {
	s.mu.Lock()
	drift, err := s.checkDrift(ctx)
	hook := s.onKeysChanged
	s.mu.Unlock()

	if drift == DriftKeysChanged && hook != nil {
		hook(ctx)
	}
	return drift, err
}

func (s *Service) checkDrift(ctx context.Context) (Drift, error) {
	base, err := s.loadBaseline()
	if errors.Is(err, ErrNoBaseline) {
		return DriftNoBaseline, nil
	}
	if err != nil {
		return "", err
	}

	entries, err := s.creds.GetCredentials(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch credentials: %w", err)
	}
	entry, ok := models.FindCredential(entries, base.CredentialID)
	if !ok {
		return DriftNoBaseline, nil
	}
	if entry.SyncVersion <= base.SyncVersion {
		return DriftUnchanged, nil
	}

	bundle, err := unwrap(base.PRF, entry)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrRecoveryUnavailable, err)
	}

	logger := s.logger.WithFields(map[string]interface{}{
		"credential_id": base.CredentialID,
		"from_version":  base.SyncVersion,
		"to_version":    entry.SyncVersion,
	})

	current, err := s.keys.Bundle()
	if err == nil && string(current.Primary) == string(bundle.Primary) {
		base.SyncVersion = entry.SyncVersion
		if err := s.saveBaseline(base); err != nil {
			return "", err
		}
		logger.Debug("Advanced recovery baseline")
		return DriftAdvanced, nil
	}

	if err := s.keys.SetBundle(bundle); err != nil {
		return "", fmt.Errorf("install drifted bundle: %w", err)
	}
	base.SyncVersion = entry.SyncVersion
	if err := s.saveBaseline(base); err != nil {
		return "", err
	}
	logger.Info("Installed key bundle from another device")
	return DriftKeysChanged, nil
}

// Run checks for drift every interval until ctx ends.
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.CheckDrift(ctx); err != nil && ctx.Err() == nil {
				s.logger.WithError(err).Warn("Drift check failed")
			}
		}
	}
}

// publish wraps bundle under prf, upserts the entry with the next sync
// version and records the baseline.
func (s *Service) publish(ctx context.Context, entries []models.PasskeyCredentialEntry, id string, prf []byte, bundle *crypto.Bundle) (int, error) {
	kek, err := crypto.DeriveKEK(prf, kekInfo)
	if err != nil {
		return 0, err
	}
	ct, iv, err := crypto.WrapBundle(kek, bundle)
	if err != nil {
		return 0, fmt.Errorf("wrap bundle: %w", err)
	}

	version := models.MaxSyncVersion(entries) + 1
	entries = models.UpsertCredential(entries, models.PasskeyCredentialEntry{
		ID:                 id,
		EncryptedKeyBundle: ct,
		IV:                 iv,
		SyncVersion:        version,
		CreatedAt:          s.now().UTC(),
	})
	if err := s.creds.PutCredentials(ctx, entries); err != nil {
		return 0, fmt.Errorf("store credentials: %w", err)
	}

	if err := s.saveBaseline(baseline{CredentialID: id, SyncVersion: version, PRF: prf}); err != nil {
		return 0, err
	}
	return version, nil
}

func unwrap(prf []byte, entry models.PasskeyCredentialEntry) (*crypto.Bundle, error) {
	kek, err := crypto.DeriveKEK(prf, kekInfo)
	if err != nil {
		return nil, err
	}
	return crypto.UnwrapBundle(kek, entry.EncryptedKeyBundle, entry.IV)
}

func (s *Service) loadBaseline() (baseline, error) {
	data, err := s.store.Get(baselineSlot)
	if errors.Is(err, secure.ErrNotFound) {
		return baseline{}, ErrNoBaseline
	}
	if err != nil {
		return baseline{}, fmt.Errorf("read recovery baseline: %w", err)
	}

	var b baseline
	if err := json.Unmarshal(data, &b); err != nil {
		return baseline{}, fmt.Errorf("decode recovery baseline: %w", err)
	}
	if b.CredentialID == "" || len(b.PRF) == 0 {
		return baseline{}, ErrNoBaseline
	}
	return b, nil
}

func (s *Service) saveBaseline(b baseline) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode recovery baseline: %w", err)
	}
	if err := s.store.Set(baselineSlot, data); err != nil {
		return fmt.Errorf("persist recovery baseline: %w", err)
	}
	return nil
}

// Forget drops the baseline, used on logout.
func (s *Service) Forget() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Delete(baselineSlot); err != nil && !errors.Is(err, secure.ErrNotFound) {
		return fmt.Errorf("delete recovery baseline: %w", err)
	}
	return nil
}
