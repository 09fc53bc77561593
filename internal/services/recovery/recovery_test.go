package recovery_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/chatvault/internal/crypto"
	"github.com/TheMichaelB/chatvault/internal/models"
	"github.com/TheMichaelB/chatvault/internal/secure"
	"github.com/TheMichaelB/chatvault/internal/services/recovery"
	"github.com/TheMichaelB/chatvault/internal/testutil"
	"github.com/TheMichaelB/chatvault/internal/transport"
)

// device is one installation: its own key manager and baseline storage.
type device struct {
	keys    *crypto.KeyManager
	service *recovery.Service
}

func newDevice(t *testing.T, remote recovery.CredentialStore, auth recovery.Authenticator, withKey bool) *device {
	t.Helper()
	store := secure.NewMemoryStorage()
	km := crypto.NewKeyManager(store, "keys", testutil.NewTestLogger())
	if withKey {
		_, err := km.Generate()
		require.NoError(t, err)
	}
	return &device{
		keys:    km,
		service: recovery.NewService(remote, auth, km, store, testutil.NewTestLogger()),
	}
}

func bundleOf(t *testing.T, km *crypto.KeyManager) *crypto.Bundle {
	t.Helper()
	b, err := km.Bundle()
	require.NoError(t, err)
	return b
}

func TestSoftwareAuthenticator(t *testing.T) {
	ctx := context.Background()
	auth := recovery.NewSoftwareAuthenticator(secure.NewMemoryStorage(), "chatvault.test")
	salt := []byte("salt")

	id, prf, err := auth.Register(ctx, salt)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Len(t, prf, 32)

	got, again, err := auth.Authenticate(ctx, []string{"unknown", id}, salt)
	require.NoError(t, err)
	assert.Equal(t, id, got)
	assert.Equal(t, prf, again)

	_, other, err := auth.Authenticate(ctx, []string{id}, []byte("other salt"))
	require.NoError(t, err)
	assert.NotEqual(t, prf, other)

	_, _, err = auth.Authenticate(ctx, []string{"unknown"}, salt)
	assert.ErrorIs(t, err, models.ErrNoCredential)

	require.NoError(t, auth.Forget(id))
	_, _, err = auth.Authenticate(ctx, []string{id}, salt)
	assert.ErrorIs(t, err, models.ErrNoCredential)
}

func TestSignIn(t *testing.T) {
	ctx := context.Background()

	t.Run("new user enrolls", func(t *testing.T) {
		remote := transport.NewMockRemote()
		auth := recovery.NewSoftwareAuthenticator(secure.NewMemoryStorage(), "chatvault.test")
		dev := newDevice(t, remote, auth, false)

		outcome, err := dev.service.SignIn(ctx)
		require.NoError(t, err)
		assert.Equal(t, recovery.OutcomeEnrolled, outcome)
		assert.True(t, dev.keys.HasKey())

		creds := remote.Credentials()
		require.Len(t, creds, 1)
		assert.Equal(t, 1, creds[0].SyncVersion)
		assert.Len(t, creds[0].IV, crypto.NonceSize)
		assert.False(t, creds[0].CreatedAt.IsZero())
	})

	t.Run("existing user recovers", func(t *testing.T) {
		remote := transport.NewMockRemote()
		auth := recovery.NewSoftwareAuthenticator(secure.NewMemoryStorage(), "chatvault.test")
		first := newDevice(t, remote, auth, true)
		require.NoError(t, first.service.Enroll(ctx))

		second := newDevice(t, remote, auth, false)
		outcome, err := second.service.SignIn(ctx)
		require.NoError(t, err)
		assert.Equal(t, recovery.OutcomeRecovered, outcome)
		assert.True(t, bundleOf(t, first.keys).Equal(bundleOf(t, second.keys)))
		assert.Len(t, remote.Credentials(), 1)
	})

	t.Run("existing account without a local passkey does not fork the key", func(t *testing.T) {
		remote := transport.NewMockRemote()
		first := newDevice(t, remote, recovery.NewSoftwareAuthenticator(secure.NewMemoryStorage(), "chatvault.test"), true)
		require.NoError(t, first.service.Enroll(ctx))

		stranger := recovery.NewSoftwareAuthenticator(secure.NewMemoryStorage(), "chatvault.test")
		second := newDevice(t, remote, stranger, false)

		outcome, err := second.service.SignIn(ctx)
		assert.ErrorIs(t, err, models.ErrRecoveryUnavailable)
		assert.NotErrorIs(t, err, models.ErrNoCredential)
		assert.Empty(t, outcome)
		assert.False(t, second.keys.HasKey())
		assert.Len(t, remote.Credentials(), 1)
	})

	t.Run("cancelled prompt does not enroll", func(t *testing.T) {
		remote := transport.NewMockRemote()
		remote.SetCredentials([]models.PasskeyCredentialEntry{{ID: "cred-1", SyncVersion: 1}})
		auth := &testutil.MockAuthenticator{}
		auth.On("Authenticate", mock.Anything, []string{"cred-1"}, mock.Anything).
			Return("", nil, models.ErrAuthenticatorCancelled)
		dev := newDevice(t, remote, auth, false)

		_, err := dev.service.SignIn(ctx)
		assert.ErrorIs(t, err, models.ErrAuthenticatorCancelled)
		assert.False(t, dev.keys.HasKey())
		auth.AssertNotCalled(t, "Register", mock.Anything, mock.Anything)
	})
}

func TestRecover(t *testing.T) {
	ctx := context.Background()

	t.Run("idempotent", func(t *testing.T) {
		remote := transport.NewMockRemote()
		auth := recovery.NewSoftwareAuthenticator(secure.NewMemoryStorage(), "chatvault.test")
		first := newDevice(t, remote, auth, true)
		require.NoError(t, first.service.Enroll(ctx))

		second := newDevice(t, remote, auth, false)
		require.NoError(t, second.service.Recover(ctx))
		once := bundleOf(t, second.keys)
		require.NoError(t, second.service.Recover(ctx))
		twice := bundleOf(t, second.keys)

		assert.True(t, once.Equal(twice))
		assert.True(t, once.Equal(bundleOf(t, first.keys)))
	})

	t.Run("no credentials", func(t *testing.T) {
		remote := transport.NewMockRemote()
		auth := &testutil.MockAuthenticator{}
		dev := newDevice(t, remote, auth, false)

		err := dev.service.Recover(ctx)
		assert.ErrorIs(t, err, models.ErrNoCredential)
		auth.AssertNotCalled(t, "Authenticate", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("wrong secret is unavailable", func(t *testing.T) {
		remote := transport.NewMockRemote()
		software := recovery.NewSoftwareAuthenticator(secure.NewMemoryStorage(), "chatvault.test")
		first := newDevice(t, remote, software, true)
		require.NoError(t, first.service.Enroll(ctx))
		id := remote.Credentials()[0].ID

		auth := &testutil.MockAuthenticator{}
		auth.On("Authenticate", mock.Anything, []string{id}, mock.Anything).
			Return(id, []byte("not the secret that wrapped it"), nil)
		dev := newDevice(t, remote, auth, false)

		err := dev.service.Recover(ctx)
		assert.ErrorIs(t, err, models.ErrRecoveryUnavailable)
		assert.NotErrorIs(t, err, models.ErrNoCredential)
		assert.False(t, dev.keys.HasKey())
	})

	t.Run("credential missing from the array", func(t *testing.T) {
		remote := transport.NewMockRemote()
		remote.SetCredentials([]models.PasskeyCredentialEntry{{ID: "cred-1", SyncVersion: 1}})
		auth := &testutil.MockAuthenticator{}
		auth.On("Authenticate", mock.Anything, mock.Anything, mock.Anything).
			Return("cred-2", []byte("prf"), nil)
		dev := newDevice(t, remote, auth, false)

		assert.ErrorIs(t, dev.service.Recover(ctx), models.ErrRecoveryUnavailable)
	})
}

func TestEnrollUpserts(t *testing.T) {
	ctx := context.Background()
	remote := transport.NewMockRemote()
	auth := recovery.NewSoftwareAuthenticator(secure.NewMemoryStorage(), "chatvault.test")
	dev := newDevice(t, remote, auth, true)

	require.NoError(t, dev.service.Enroll(ctx))
	require.NoError(t, dev.service.Enroll(ctx))

	creds := remote.Credentials()
	require.Len(t, creds, 2)
	assert.NotEqual(t, creds[0].ID, creds[1].ID)
	assert.Equal(t, 2, models.MaxSyncVersion(creds))

	require.NoError(t, dev.service.Rewrap(ctx))
	creds = remote.Credentials()
	require.Len(t, creds, 2)
	assert.Equal(t, 3, models.MaxSyncVersion(creds))
}

func TestRewrapWithoutBaseline(t *testing.T) {
	dev := newDevice(t, transport.NewMockRemote(), &testutil.MockAuthenticator{}, true)
	assert.ErrorIs(t, dev.service.Rewrap(context.Background()), recovery.ErrNoBaseline)
}

func TestCheckDrift(t *testing.T) {
	ctx := context.Background()
	remote := transport.NewMockRemote()
	auth := recovery.NewSoftwareAuthenticator(secure.NewMemoryStorage(), "chatvault.test")

	first := newDevice(t, remote, auth, true)
	second := newDevice(t, remote, auth, false)

	var changes atomic.Int32
	second.service.OnKeysChanged(func(context.Context) { changes.Add(1) })

	drift, err := second.service.CheckDrift(ctx)
	require.NoError(t, err)
	assert.Equal(t, recovery.DriftNoBaseline, drift)

	require.NoError(t, first.service.Enroll(ctx))
	require.NoError(t, second.service.Recover(ctx))
	oldPrimary := bundleOf(t, second.keys).Primary

	drift, err = second.service.CheckDrift(ctx)
	require.NoError(t, err)
	assert.Equal(t, recovery.DriftUnchanged, drift)

	t.Run("rotation elsewhere installs new keys", func(t *testing.T) {
		_, err := first.keys.Generate()
		require.NoError(t, err)
		require.NoError(t, first.service.Rewrap(ctx))

		drift, err := second.service.CheckDrift(ctx)
		require.NoError(t, err)
		assert.Equal(t, recovery.DriftKeysChanged, drift)
		assert.Equal(t, int32(1), changes.Load())

		got := bundleOf(t, second.keys)
		assert.Equal(t, bundleOf(t, first.keys).Primary, got.Primary)
		assert.Contains(t, got.Alternatives, oldPrimary)

		drift, err = second.service.CheckDrift(ctx)
		require.NoError(t, err)
		assert.Equal(t, recovery.DriftUnchanged, drift)
	})

	t.Run("same keys only advance the baseline", func(t *testing.T) {
		require.NoError(t, first.service.Rewrap(ctx))

		drift, err := second.service.CheckDrift(ctx)
		require.NoError(t, err)
		assert.Equal(t, recovery.DriftAdvanced, drift)
		assert.Equal(t, int32(1), changes.Load())

		drift, err = second.service.CheckDrift(ctx)
		require.NoError(t, err)
		assert.Equal(t, recovery.DriftUnchanged, drift)
	})

	t.Run("remote errors surface", func(t *testing.T) {
		remote.SetError(transport.OpGetCredentials, models.ErrNetwork, 1)
		_, err := second.service.CheckDrift(ctx)
		assert.ErrorIs(t, err, models.ErrNetwork)
	})
}
