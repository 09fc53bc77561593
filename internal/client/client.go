package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/TheMichaelB/chatvault/internal/config"
	"github.com/TheMichaelB/chatvault/internal/crypto"
	"github.com/TheMichaelB/chatvault/internal/events"
	"github.com/TheMichaelB/chatvault/internal/models"
	"github.com/TheMichaelB/chatvault/internal/secure"
	"github.com/TheMichaelB/chatvault/internal/services/auth"
	"github.com/TheMichaelB/chatvault/internal/services/recovery"
	"github.com/TheMichaelB/chatvault/internal/services/sync"
	"github.com/TheMichaelB/chatvault/internal/state"
	"github.com/TheMichaelB/chatvault/internal/storage"
	"github.com/TheMichaelB/chatvault/internal/transport"
)

// Key bundle slots in secure storage.
const (
	LocalKeySlot = "local-keys"
	CloudKeySlot = "cloud-keys"
)

// Client provides the high-level API for chatvault operations.
type Client struct {
	Auth     *auth.Service
	Sync     *sync.Service
	Recovery *recovery.Service
	State    StateManager

	// Local holds device-only chats under a key that never leaves this machine.
	Local *storage.RecordStore
	// Cloud holds synced chats under the recoverable key bundle.
	Cloud *storage.RecordStore

	LocalKeys *crypto.KeyManager
	CloudKeys *crypto.KeyManager

	config  *config.Config
	logger  *events.Logger
	remote  remote
	states  state.Store
	secrets secure.Storage
}

// StateManager provides state management operations.
type StateManager interface {
	ListStates() ([]*models.SyncState, error)
	LoadState(scope string) (*models.SyncState, error)
	Reset(scope string) error
}

// New creates a chatvault client.
func New(ctx context.Context, cfg *config.Config, logger *events.Logger) (*Client, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	secrets, err := secure.NewFileStorage(cfg.Storage.SecretsDir, logger)
	if err != nil {
		return nil, fmt.Errorf("open secrets: %w", err)
	}

	// The device key is created on first use; the cloud key comes from
	// sign-in or an explicit import.
	localKeys := crypto.NewKeyManager(secrets, LocalKeySlot, logger)
	if err := localKeys.Load(); errors.Is(err, crypto.ErrKeyNotInitialized) {
		if _, err := localKeys.Generate(); err != nil {
			return nil, fmt.Errorf("generate device key: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("load device key: %w", err)
	}

	cloudKeys := crypto.NewKeyManager(secrets, CloudKeySlot, logger)
	if err := cloudKeys.Load(); err != nil && !errors.Is(err, crypto.ErrKeyNotInitialized) {
		return nil, fmt.Errorf("load cloud key: %w", err)
	}

	localStore, err := newRecordStore(cfg, storage.ScopeLocal, localKeys, logger)
	if err != nil {
		return nil, err
	}
	cloudStore, err := newRecordStore(cfg, storage.ScopeCloud, cloudKeys, logger)
	if err != nil {
		return nil, err
	}

	stateStore, err := state.Open(&cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	authService := auth.NewService(expandHome(cfg.Auth.TokenFile), logger)

	rem, err := newRemote(ctx, cfg, authService, logger)
	if err != nil {
		stateStore.Close()
		return nil, err
	}

	authenticator, err := newAuthenticator(&cfg.Recovery, secrets)
	if err != nil {
		stateStore.Close()
		return nil, err
	}

	engine := sync.NewEngine(rem, authService, cloudStore, stateStore, sync.OptionsFromConfig(&cfg.Sync), logger)
	syncService := sync.NewService(engine, rem.feed(), &cfg.Sync, logger)
	recoveryService := recovery.NewService(rem, authenticator, cloudKeys, secrets, logger)

	// A bundle installed from another device may unlock quarantined records;
	// a "keys" notification on the feed means some device re-wrapped.
	recoveryService.OnKeysChanged(func(ctx context.Context) {
		if _, err := engine.RetryDecryption(ctx); err != nil {
			logger.WithError(err).Warn("Retry decryption after key change failed")
		}
	})
	syncService.OnKeysChanged(func(ctx context.Context) {
		if _, err := recoveryService.CheckDrift(ctx); err != nil {
			logger.WithError(err).Warn("Drift check after key notification failed")
		}
	})

	return &Client{
		Auth:      authService,
		Sync:      syncService,
		Recovery:  recoveryService,
		State:     &stateManager{store: stateStore},
		Local:     localStore,
		Cloud:     cloudStore,
		LocalKeys: localKeys,
		CloudKeys: cloudKeys,
		config:    cfg,
		logger:    logger,
		remote:    rem,
		states:    stateStore,
		secrets:   secrets,
	}, nil
}

// Engine returns the sync engine for the cloud store.
func (c *Client) Engine() *sync.Engine {
	return c.Sync.Engine()
}

// Store returns the record store for scope.
func (c *Client) Store(scope string) (*storage.RecordStore, error) {
	switch scope {
	case storage.ScopeLocal:
		return c.Local, nil
	case storage.ScopeCloud, "":
		return c.Cloud, nil
	default:
		return nil, fmt.Errorf("unknown scope: %s", scope)
	}
}

// Logout signs out and forgets everything tied to the account: the token,
// the cloud key bundle, the recovery baseline, synced records and their
// checkpoints. Device-only records survive.
func (c *Client) Logout(ctx context.Context) error {
	var errs []error
	if err := c.Auth.Logout(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.Recovery.Forget(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Cloud.DeleteAll(); err != nil {
		errs = append(errs, fmt.Errorf("delete synced records: %w", err))
	}
	if err := c.CloudKeys.Delete(); err != nil {
		errs = append(errs, err)
	}

	scopes, err := c.states.List()
	if err != nil {
		errs = append(errs, err)
	}
	for _, scope := range scopes {
		if !strings.HasPrefix(scope, storage.ScopeCloud) {
			continue
		}
		if err := c.states.Reset(scope); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	c.logger.Info("Logged out")
	return nil
}

// Close stops background uploads and releases resources.
func (c *Client) Close() error {
	var errs []error
	if err := c.Sync.Engine().Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.remote.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.states.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func newRecordStore(cfg *config.Config, scope string, keys *crypto.KeyManager, logger *events.Logger) (*storage.RecordStore, error) {
	blobs, err := storage.NewLocalStore(expandHome(cfg.ScopeDir(scope)), logger)
	if err != nil {
		return nil, fmt.Errorf("open %s records: %w", scope, err)
	}
	return storage.NewRecordStore(scope, blobs, crypto.NewCodec(keys), logger), nil
}

func newAuthenticator(cfg *config.RecoveryConfig, secrets secure.Storage) (recovery.Authenticator, error) {
	switch cfg.Authenticator {
	case "", "software":
		return recovery.NewSoftwareAuthenticator(secrets, cfg.RelyingParty), nil
	default:
		return nil, fmt.Errorf("unknown authenticator: %s", cfg.Authenticator)
	}
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// stateManager implements StateManager interface.
type stateManager struct {
	store state.Store
}

func (sm *stateManager) ListStates() ([]*models.SyncState, error) {
	scopes, err := sm.store.List()
	if err != nil {
		return nil, err
	}

	var states []*models.SyncState
	for _, scope := range scopes {
		st, err := sm.store.Load(scope)
		if err != nil {
			continue // Skip states that can't be loaded
		}
		states = append(states, st)
	}
	return states, nil
}

func (sm *stateManager) LoadState(scope string) (*models.SyncState, error) {
	return sm.store.Load(scope)
}

func (sm *stateManager) Reset(scope string) error {
	return sm.store.Reset(scope)
}

var _ transport.TokenSource = (*auth.Service)(nil)
