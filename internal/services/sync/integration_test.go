//go:build integration
// +build integration

package sync_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/chatvault/internal/crypto"
	"github.com/TheMichaelB/chatvault/internal/models"
	"github.com/TheMichaelB/chatvault/internal/secure"
	"github.com/TheMichaelB/chatvault/internal/services/recovery"
	"github.com/TheMichaelB/chatvault/internal/services/sync"
	"github.com/TheMichaelB/chatvault/internal/state"
	"github.com/TheMichaelB/chatvault/internal/storage"
	"github.com/TheMichaelB/chatvault/internal/testutil"
	"github.com/TheMichaelB/chatvault/internal/transport"
)

// installation is one device sharing a remote and a passkey with others.
type installation struct {
	keys     *crypto.KeyManager
	store    *storage.RecordStore
	engine   *sync.Engine
	recovery *recovery.Service
}

func install(t *testing.T, remote *transport.MockRemote, auth recovery.Authenticator, tokens transport.TokenSource) *installation {
	t.Helper()
	logger := testutil.NewTestLogger()
	secrets := secure.NewMemoryStorage()

	keys := crypto.NewKeyManager(secrets, "cloud-keys", logger)
	store := storage.NewRecordStore(storage.ScopeCloud, storage.NewMockStore(), crypto.NewCodec(keys), logger)
	engine := sync.NewEngine(remote, tokens, store, state.NewMockStore(), sync.Options{
		Concurrency:   2,
		PageSize:      10,
		MaxPages:      -1,
		UploadRetries: 3,
		Backoff:       sync.Backoff{Base: time.Millisecond, Max: 4 * time.Millisecond},
	}, logger)
	t.Cleanup(func() { engine.Close() })

	rec := recovery.NewService(remote, auth, keys, secrets, logger)
	rec.OnKeysChanged(func(ctx context.Context) {
		_, err := engine.RetryDecryption(ctx)
		assert.NoError(t, err)
	})

	return &installation{keys: keys, store: store, engine: engine, recovery: rec}
}

func TestTwoDevicesIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := testCtx(t)
	remote := transport.NewMockRemote()
	tokens := testutil.NewSwitchToken("token")
	// One synced passkey available on both devices.
	passkey := recovery.NewSoftwareAuthenticator(secure.NewMemoryStorage(), "chatvault.test")

	laptop := install(t, remote, passkey, tokens)
	phone := install(t, remote, passkey, tokens)

	outcome, err := laptop.recovery.SignIn(ctx)
	require.NoError(t, err)
	require.Equal(t, recovery.OutcomeEnrolled, outcome)

	chat, err := laptop.engine.CreateRecord(ctx, "Trip planning", "")
	require.NoError(t, err)
	_, err = laptop.engine.AppendMessage(chat.ID, models.RoleUser, "Where should we go in May?")
	require.NoError(t, err)
	require.NoError(t, laptop.engine.Backup(ctx, chat.ID, true))

	t.Run("new device recovers keys and pulls history", func(t *testing.T) {
		outcome, err := phone.recovery.SignIn(ctx)
		require.NoError(t, err)
		assert.Equal(t, recovery.OutcomeRecovered, outcome)

		res, err := phone.engine.FullSync(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Downloaded)

		got, err := phone.store.Load(chat.ID)
		require.NoError(t, err)
		require.Len(t, got.Messages, 1)
		assert.Equal(t, "Where should we go in May?", got.Messages[0].Content)
		assert.False(t, got.LocallyModified)
	})

	t.Run("edits flow back", func(t *testing.T) {
		_, err := phone.engine.AppendMessage(chat.ID, models.RoleAssistant, "Lisbon.")
		require.NoError(t, err)
		require.NoError(t, phone.engine.Backup(ctx, chat.ID, true))

		_, err = laptop.engine.DeltaSync(ctx)
		require.NoError(t, err)

		got, err := laptop.store.Load(chat.ID)
		require.NoError(t, err)
		require.Len(t, got.Messages, 2)
		assert.Equal(t, "Lisbon.", got.Messages[1].Content)
	})

	t.Run("deletions propagate", func(t *testing.T) {
		require.NoError(t, laptop.engine.DeleteRecord(ctx, chat.ID))

		res, err := phone.engine.DeltaSync(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Deleted)

		_, err = phone.store.Load(chat.ID)
		assert.True(t, errors.Is(err, models.ErrRecordNotFound))
	})

	t.Run("key rotation reaches the other device", func(t *testing.T) {
		_, err := laptop.keys.Generate()
		require.NoError(t, err)
		require.NoError(t, laptop.recovery.Rewrap(ctx))

		fresh, err := laptop.engine.CreateRecord(ctx, "After rotation", "")
		require.NoError(t, err)
		require.NoError(t, laptop.engine.Backup(ctx, fresh.ID, true))

		res, err := phone.engine.DeltaSync(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Quarantined)

		drift, err := phone.recovery.CheckDrift(ctx)
		require.NoError(t, err)
		assert.Equal(t, recovery.DriftKeysChanged, drift)

		got, err := phone.store.Load(fresh.ID)
		require.NoError(t, err)
		assert.False(t, got.DecryptionFailed)
		assert.Equal(t, "After rotation", got.Title)
	})
}
