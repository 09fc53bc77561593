package sync_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/chatvault/internal/crypto"
	"github.com/TheMichaelB/chatvault/internal/models"
	"github.com/TheMichaelB/chatvault/internal/secure"
	"github.com/TheMichaelB/chatvault/internal/services/sync"
	"github.com/TheMichaelB/chatvault/internal/state"
	"github.com/TheMichaelB/chatvault/internal/storage"
	"github.com/TheMichaelB/chatvault/internal/testutil"
	"github.com/TheMichaelB/chatvault/internal/transport"
)

type harness struct {
	engine *sync.Engine
	remote *transport.MockRemote
	store  *storage.RecordStore
	blobs  *storage.MockStore
	states *state.MockStore
	codec  *crypto.Codec
	tokens *testutil.SwitchToken
}

func newHarness(t *testing.T, options ...sync.Option) *harness {
	t.Helper()

	codec := testutil.NewCodec(t)
	store, blobs := testutil.NewRecordStore(codec)
	h := &harness{
		remote: transport.NewMockRemote(),
		store:  store,
		blobs:  blobs,
		states: state.NewMockStore(),
		codec:  codec,
		tokens: testutil.NewSwitchToken("token"),
	}
	h.engine = sync.NewEngine(h.remote, h.tokens, store, h.states, sync.Options{
		Concurrency:    3,
		PageSize:       50,
		MaxPages:       1,
		UploadRetries:  3,
		Backoff:        sync.Backoff{Base: time.Millisecond, Max: 4 * time.Millisecond},
		DeletionWindow: 24 * time.Hour,
	}, testutil.NewTestLogger(), options...)
	t.Cleanup(func() { h.engine.Close() })
	return h
}

// syncedRecord is a local record the remote has already seen at syncedAt.
func syncedRecord(id string, syncedAt time.Time) *models.ChatRecord {
	r := testutil.SampleRecord(id, syncedAt.Add(-2*time.Hour))
	r.LocallyModified = false
	r.SyncVersion = 1
	r.SyncedAt = &syncedAt
	return r
}

func otherCodec(t *testing.T) *crypto.Codec {
	return crypto.NewCodec(testutil.NewKeyManager(t, "other"))
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func drainEvents(e *sync.Engine) []sync.EventType {
	var types []sync.EventType
	for {
		select {
		case ev, ok := <-e.Events():
			if !ok {
				return types
			}
			types = append(types, ev.Type)
		default:
			return types
		}
	}
}

func TestBackup(t *testing.T) {
	t.Run("uploads and records sync metadata", func(t *testing.T) {
		h := newHarness(t)
		ctx := testCtx(t)

		rec, err := h.engine.CreateRecord(ctx, "Trip planning", "")
		require.NoError(t, err)
		require.NoError(t, h.engine.Backup(ctx, rec.ID, true))

		remote, ok := h.remote.Record(rec.ID)
		require.True(t, ok)

		local, err := h.store.Load(rec.ID)
		require.NoError(t, err)
		assert.False(t, local.LocallyModified)
		require.NotNil(t, local.SyncedAt)
		assert.False(t, local.SyncedAt.Before(remote.UpdatedAt))
		assert.Equal(t, remote.SyncVersion, local.SyncVersion)
		assert.GreaterOrEqual(t, local.SyncVersion, 1)

		var decoded models.ChatRecord
		_, _, err = h.codec.Decrypt(remote.Content, &decoded)
		require.NoError(t, err)
		assert.Equal(t, "Trip planning", decoded.Title)
		assert.Nil(t, decoded.SyncedAt, "bookkeeping never leaves the device")
	})

	t.Run("no session is a no-op", func(t *testing.T) {
		h := newHarness(t)
		ctx := testCtx(t)
		h.tokens.Set("")

		rec := testutil.SampleRecord("offline", time.Now())
		require.NoError(t, h.store.Save(rec))
		require.NoError(t, h.engine.Backup(ctx, rec.ID, true))
		assert.Equal(t, 0, h.remote.Calls(transport.OpUpload))

		res, err := h.engine.FullSync(ctx)
		require.NoError(t, err)
		require.NotNil(t, res)
		assert.Equal(t, 0, res.Uploaded)
		assert.Equal(t, 0, h.remote.Calls(transport.OpSyncStatus))
		assert.Equal(t, 0, h.remote.Calls(transport.OpList))
	})

	t.Run("deferred while streaming", func(t *testing.T) {
		h := newHarness(t)
		ctx := testCtx(t)

		rec := testutil.SampleRecord("streaming", time.Now())
		require.NoError(t, h.store.Save(rec))

		h.engine.BeginStreaming(rec.ID)
		require.NoError(t, h.engine.Backup(ctx, rec.ID, false))
		require.NoError(t, h.engine.Coalescer().Wait(ctx, rec.ID))
		assert.Equal(t, 0, h.remote.RecordCount())

		_, err := h.engine.AppendMessage(rec.ID, models.RoleAssistant, "partial reply")
		require.NoError(t, err)
		require.NoError(t, h.engine.Coalescer().Wait(ctx, rec.ID))
		assert.Equal(t, 0, h.remote.RecordCount())

		h.engine.EndStreaming(rec.ID)
		require.Eventually(t, func() bool { return h.remote.RecordCount() == 1 }, 2*time.Second, 5*time.Millisecond)
		require.NoError(t, h.engine.Coalescer().Wait(ctx, rec.ID))

		remote, _ := h.remote.Record(rec.ID)
		var decoded models.ChatRecord
		_, _, err = h.codec.Decrypt(remote.Content, &decoded)
		require.NoError(t, err)
		assert.Len(t, decoded.Messages, 2)
	})

	t.Run("waiting backup returns after the stream ends", func(t *testing.T) {
		h := newHarness(t)
		ctx := testCtx(t)

		rec := testutil.SampleRecord("streaming", time.Now())
		require.NoError(t, h.store.Save(rec))
		h.engine.BeginStreaming(rec.ID)

		done := make(chan error, 1)
		go func() { done <- h.engine.Backup(ctx, rec.ID, true) }()

		select {
		case err := <-done:
			t.Fatalf("backup returned while streaming: %v", err)
		case <-time.After(50 * time.Millisecond):
		}
		assert.Equal(t, 0, h.remote.RecordCount())

		h.engine.EndStreaming(rec.ID)
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-ctx.Done():
			t.Fatal("backup did not return after the stream ended")
		}

		assert.Equal(t, 1, h.remote.RecordCount())
		local, err := h.store.Load(rec.ID)
		require.NoError(t, err)
		assert.False(t, local.LocallyModified)
	})

	t.Run("edit during upload stays modified until sent", func(t *testing.T) {
		h := newHarness(t)
		ctx := testCtx(t)

		rec := testutil.SampleRecord("r1", time.Now())
		require.NoError(t, h.store.Save(rec))

		var calls atomic.Int32
		h.remote.SetUploadHook(func(context.Context, models.RemoteRecord) error {
			if calls.Add(1) != 1 {
				return nil
			}
			// Same UpdatedAt on purpose: only the content differs.
			_, err := h.store.Update(rec.ID, func(r *models.ChatRecord) error {
				r.Title = "edited during upload"
				r.LocallyModified = true
				return nil
			})
			return err
		})

		uploaded, err := h.store.Load(rec.ID)
		require.NoError(t, err)
		require.NoError(t, h.engine.Backup(ctx, rec.ID, true))

		assert.Equal(t, int32(2), calls.Load())
		remote, ok := h.remote.Record(rec.ID)
		require.True(t, ok)
		var decoded models.ChatRecord
		_, _, err = h.codec.Decrypt(remote.Content, &decoded)
		require.NoError(t, err)
		assert.Equal(t, "edited during upload", decoded.Title)
		assert.Equal(t, 2, remote.SyncVersion)

		local, err := h.store.Load(rec.ID)
		require.NoError(t, err)
		assert.False(t, local.LocallyModified)
		assert.Equal(t, 2, local.SyncVersion)
		assert.False(t, local.SameContent(uploaded))
	})

	t.Run("syncable filter", func(t *testing.T) {
		h := newHarness(t, sync.WithSyncable(models.NonBlank))
		ctx := testCtx(t)

		require.NoError(t, h.store.Save(models.NewChatRecord("blank", "", time.Now())))
		require.NoError(t, h.store.Save(testutil.SampleRecord("full", time.Now())))

		_, err := h.engine.FullSync(ctx)
		require.NoError(t, err)

		_, ok := h.remote.Record("blank")
		assert.False(t, ok)
		_, ok = h.remote.Record("full")
		assert.True(t, ok)
	})
}

func TestFullSyncAcceptance(t *testing.T) {
	now := time.Now().UTC()

	t.Run("remote only record is downloaded", func(t *testing.T) {
		h := newHarness(t)
		rec := testutil.SampleRecord("r1", now.Add(-time.Hour))
		h.remote.Put(testutil.RemoteCopy(t, h.codec, rec, 3, now.Add(-time.Minute)))

		res, err := h.engine.FullSync(testCtx(t))
		require.NoError(t, err)
		assert.Equal(t, 1, res.Downloaded)

		local, err := h.store.Load("r1")
		require.NoError(t, err)
		assert.Equal(t, rec.Title, local.Title)
		assert.Equal(t, 3, local.SyncVersion)
		assert.False(t, local.LocallyModified)
		require.NotNil(t, local.SyncedAt)
	})

	t.Run("newer remote replaces synced local", func(t *testing.T) {
		h := newHarness(t)
		local := syncedRecord("c1", now.Add(-time.Hour))
		require.NoError(t, h.store.Save(local))

		changed := local.Clone()
		changed.Title = "edited elsewhere"
		h.remote.Put(testutil.RemoteCopy(t, h.codec, changed, 2, now))

		res, err := h.engine.FullSync(testCtx(t))
		require.NoError(t, err)
		assert.Equal(t, 1, res.Downloaded)

		got, err := h.store.Load("c1")
		require.NoError(t, err)
		assert.Equal(t, "edited elsewhere", got.Title)
		assert.Equal(t, 2, got.SyncVersion)
	})

	t.Run("older remote is ignored", func(t *testing.T) {
		h := newHarness(t)
		local := syncedRecord("c1", now)
		require.NoError(t, h.store.Save(local))

		stale := local.Clone()
		stale.Title = "stale"
		h.remote.Put(testutil.RemoteCopy(t, h.codec, stale, 1, now.Add(-time.Hour)))

		res, err := h.engine.FullSync(testCtx(t))
		require.NoError(t, err)
		assert.Equal(t, 0, res.Downloaded)

		got, _ := h.store.Load("c1")
		assert.Equal(t, local.Title, got.Title)
	})

	t.Run("locally modified wins", func(t *testing.T) {
		h := newHarness(t)
		local := testutil.SampleRecord("c1", now.Add(-time.Hour))
		require.NoError(t, h.store.Save(local))
		h.remote.SetError(transport.OpUpload, &models.APIError{StatusCode: 400, Message: "rejected"}, 0)

		remote := local.Clone()
		remote.Title = "remote"
		h.remote.Put(testutil.RemoteCopy(t, h.codec, remote, 5, now))

		res, err := h.engine.FullSync(testCtx(t))
		require.NoError(t, err)
		assert.Equal(t, 0, res.Downloaded)
		assert.NotEmpty(t, res.Errors)

		got, _ := h.store.Load("c1")
		assert.Equal(t, local.Title, got.Title)
		assert.True(t, got.LocallyModified)
	})

	t.Run("streaming wins", func(t *testing.T) {
		h := newHarness(t)
		local := syncedRecord("c1", now.Add(-time.Hour))
		require.NoError(t, h.store.Save(local))
		h.engine.BeginStreaming("c1")

		remote := local.Clone()
		remote.Title = "remote"
		h.remote.Put(testutil.RemoteCopy(t, h.codec, remote, 2, now))

		res, err := h.engine.FullSync(testCtx(t))
		require.NoError(t, err)
		assert.Equal(t, 0, res.Downloaded)

		got, _ := h.store.Load("c1")
		assert.Equal(t, local.Title, got.Title)
	})

	t.Run("failed local loses to readable remote", func(t *testing.T) {
		h := newHarness(t)
		q := models.Quarantine("q1", []byte("junk"), models.FormatV1)
		future := now.Add(time.Hour)
		q.SyncedAt = &future
		require.NoError(t, h.store.Save(q))

		rec := testutil.SampleRecord("q1", now.Add(-2*time.Hour))
		h.remote.Put(testutil.RemoteCopy(t, h.codec, rec, 1, now.Add(-time.Hour)))

		res, err := h.engine.FullSync(testCtx(t))
		require.NoError(t, err)
		assert.Equal(t, 1, res.Downloaded)

		got, err := h.store.Load("q1")
		require.NoError(t, err)
		assert.False(t, got.DecryptionFailed)
		assert.Equal(t, rec.Title, got.Title)
	})

	t.Run("invalid remote is skipped and left alone", func(t *testing.T) {
		h := newHarness(t)
		rr := testutil.RemoteCopy(t, h.codec, testutil.SampleRecord("b", now), 1, now)
		rr.ID = "a"
		h.remote.Put(rr)

		res, err := h.engine.FullSync(testCtx(t))
		require.NoError(t, err)
		assert.Equal(t, 0, res.Downloaded)
		assert.Equal(t, 1, res.Skipped)

		_, err = h.store.Load("a")
		assert.ErrorIs(t, err, models.ErrRecordNotFound)
		_, ok := h.remote.Record("a")
		assert.True(t, ok)
		assert.Equal(t, 0, h.remote.Calls(transport.OpDelete))
	})
}

func TestQuarantineAndRetry(t *testing.T) {
	now := time.Now().UTC()

	t.Run("undecryptable remote is quarantined then restored", func(t *testing.T) {
		h := newHarness(t)
		ctx := testCtx(t)
		other := otherCodec(t)
		rec := testutil.SampleRecord("q1", now.Add(-time.Hour))
		rr := testutil.RemoteCopy(t, other, rec, 4, now)
		h.remote.Put(rr)

		res, err := h.engine.FullSync(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Quarantined)

		ids, err := h.store.Quarantined()
		require.NoError(t, err)
		assert.Equal(t, []string{"q1"}, ids)

		q, err := h.store.Load("q1")
		require.NoError(t, err)
		assert.True(t, q.DecryptionFailed)
		assert.Equal(t, rr.Content, q.QuarantinedCiphertext)

		// A second pass does not re-upload the placeholder.
		_, err = h.engine.FullSync(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, h.remote.Calls(transport.OpUpload))

		key, err := other.Keys().PrimaryString()
		require.NoError(t, err)
		require.NoError(t, h.codec.Keys().SetKey(key))

		restored, err := h.engine.RetryDecryption(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, restored.Restored)
		assert.Equal(t, 0, restored.Quarantined)

		got, err := h.store.Load("q1")
		require.NoError(t, err)
		assert.False(t, got.DecryptionFailed)
		assert.Equal(t, rec.Title, got.Title)
		assert.Equal(t, 4, got.SyncVersion)
	})

	t.Run("undecryptable remote never replaces readable local", func(t *testing.T) {
		h := newHarness(t)
		local := syncedRecord("c1", now.Add(-time.Hour))
		require.NoError(t, h.store.Save(local))

		other := local.Clone()
		other.Title = "unreadable"
		h.remote.Put(testutil.RemoteCopy(t, otherCodec(t), other, 2, now))

		res, err := h.engine.FullSync(testCtx(t))
		require.NoError(t, err)
		assert.Equal(t, 0, res.Quarantined)

		got, err := h.store.Load("c1")
		require.NoError(t, err)
		assert.False(t, got.DecryptionFailed)
		assert.Equal(t, local.Title, got.Title)
	})

	t.Run("unreadable local file survives an unreadable remote", func(t *testing.T) {
		h := newHarness(t)
		ctx := testCtx(t)

		// Written under a key this device has since lost, with an edit that
		// never reached the remote.
		lost := otherCodec(t)
		unsynced := testutil.SampleRecord("r2", now.Add(-time.Hour))
		unsynced.Title = "unsynced edit"
		data, err := lost.EncryptV1(unsynced)
		require.NoError(t, err)
		h.blobs.Put("r2.enc", data)

		h.remote.Put(testutil.RemoteCopy(t, otherCodec(t), testutil.SampleRecord("r2", now), 3, now))

		res, err := h.engine.FullSync(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Quarantined)
		assert.Equal(t, 0, res.Downloaded)

		onDisk, err := h.blobs.Read("r2.enc")
		require.NoError(t, err)
		assert.Equal(t, data, onDisk)
		assert.False(t, h.blobs.FileExists("r2.quarantine"))

		ids, err := h.store.Quarantined()
		require.NoError(t, err)
		assert.Equal(t, []string{"r2"}, ids)

		key, err := lost.Keys().PrimaryString()
		require.NoError(t, err)
		require.NoError(t, h.codec.Keys().SetKey(key))

		restored, err := h.engine.RetryDecryption(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, restored.Restored)

		got, err := h.store.Load("r2")
		require.NoError(t, err)
		assert.False(t, got.DecryptionFailed)
		assert.Equal(t, "unsynced edit", got.Title)
		assert.True(t, got.LocallyModified)
	})

	t.Run("retry leaves still unreadable records", func(t *testing.T) {
		h := newHarness(t)
		h.remote.Put(testutil.RemoteCopy(t, otherCodec(t), testutil.SampleRecord("q2", now), 1, now))

		_, err := h.engine.FullSync(testCtx(t))
		require.NoError(t, err)

		res, err := h.engine.RetryDecryption(testCtx(t))
		require.NoError(t, err)
		assert.Equal(t, 0, res.Restored)
		assert.Equal(t, 1, res.Quarantined)
	})
}

func TestDeltaSync(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)
	base := time.Now().UTC().Add(-time.Hour)

	h.remote.Put(testutil.RemoteCopy(t, h.codec, testutil.SampleRecord("d1", base), 1, base))

	res, err := h.engine.DeltaSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, sync.ModeFull, res.Mode, "no checkpoint yet")
	assert.Equal(t, 1, res.Downloaded)

	h.remote.Put(testutil.RemoteCopy(t, h.codec, testutil.SampleRecord("d2", base), 1, base.Add(time.Minute)))
	res, err = h.engine.DeltaSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, sync.ModeDelta, res.Mode)
	assert.Equal(t, 1, res.Downloaded)

	lists := h.remote.Calls(transport.OpList)
	res, err = h.engine.DeltaSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, sync.ModeDelta, res.Mode)
	assert.Equal(t, 0, res.Downloaded)
	assert.Equal(t, lists, h.remote.Calls(transport.OpList), "unchanged checkpoint skips the pull")

	st, err := h.engine.SyncState()
	require.NoError(t, err)
	assert.Equal(t, 2, st.RecordCount)
	assert.True(t, st.LastUpdated.Equal(base.Add(time.Minute)))

	t.Run("falls back to full sync on error", func(t *testing.T) {
		h.remote.Put(testutil.RemoteCopy(t, h.codec, testutil.SampleRecord("d3", base), 1, base.Add(2*time.Minute)))
		h.remote.SetError(transport.OpList, &models.APIError{StatusCode: 500, Message: "boom"}, 1)

		res, err := h.engine.DeltaSync(ctx)
		require.NoError(t, err)
		assert.Equal(t, sync.ModeFull, res.Mode)
		assert.Equal(t, 1, res.Downloaded)

		_, err = h.store.Load("d3")
		assert.NoError(t, err)
	})
}

func TestNetworkErrorsAreCollected(t *testing.T) {
	h := newHarness(t)
	now := time.Now().UTC()
	h.remote.Put(testutil.RemoteCopy(t, h.codec, testutil.SampleRecord("n1", now), 1, now))
	h.remote.SetError(transport.OpDeletedSince, fmt.Errorf("%w: timeout", models.ErrNetwork), 1)

	res, err := h.engine.FullSync(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Downloaded)
	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Errors[0], models.ErrNetwork)

	st, err := h.engine.SyncState()
	require.NoError(t, err)
	assert.NotEmpty(t, st.LastError)
}

func TestSyncInProgress(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)
	require.NoError(t, h.store.Save(testutil.SampleRecord("busy", time.Now())))

	entered := make(chan struct{})
	release := make(chan struct{})
	var first atomic.Bool
	h.remote.SetUploadHook(func(ctx context.Context, rec models.RemoteRecord) error {
		if first.CompareAndSwap(false, true) {
			close(entered)
			<-release
		}
		return nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := h.engine.FullSync(ctx)
		done <- err
	}()

	select {
	case <-entered:
	case <-ctx.Done():
		t.Fatal("upload never started")
	}

	_, err := h.engine.DeltaSync(ctx)
	assert.ErrorIs(t, err, models.ErrSyncInProgress)

	close(release)
	require.NoError(t, <-done)
}

func TestDeletions(t *testing.T) {
	now := time.Now().UTC()

	t.Run("remote tombstone deletes local copy", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.store.Save(syncedRecord("t1", now)))
		h.remote.AddTombstone("t1", now)

		res, err := h.engine.FullSync(testCtx(t))
		require.NoError(t, err)
		assert.Equal(t, 1, res.Deleted)

		_, err = h.store.Load("t1")
		assert.ErrorIs(t, err, models.ErrRecordNotFound)

		st, _ := h.engine.SyncState()
		assert.True(t, st.LastDeletionCheck.Equal(now))
	})

	t.Run("confirmed deletion clears tracker", func(t *testing.T) {
		h := newHarness(t)
		ctx := testCtx(t)
		require.NoError(t, h.store.Save(testutil.SampleRecord("x", now)))
		require.NoError(t, h.engine.Backup(ctx, "x", true))
		require.Equal(t, 1, h.remote.RecordCount())

		require.NoError(t, h.engine.DeleteRecord(ctx, "x"))
		assert.Equal(t, 0, h.remote.RecordCount())

		st, err := h.engine.SyncState()
		require.NoError(t, err)
		assert.Empty(t, st.PendingDeletions)
	})

	t.Run("transient failure keeps tracker and blocks resurrection", func(t *testing.T) {
		h := newHarness(t)
		ctx := testCtx(t)
		require.NoError(t, h.store.Save(testutil.SampleRecord("x", now)))
		require.NoError(t, h.engine.Backup(ctx, "x", true))

		h.remote.SetError(transport.OpDelete, fmt.Errorf("%w: offline", models.ErrNetwork), 0)
		require.NoError(t, h.engine.DeleteRecord(ctx, "x"))

		st, _ := h.engine.SyncState()
		assert.True(t, st.IsPendingDeletion("x"))

		_, err := h.engine.FullSync(ctx)
		require.NoError(t, err)
		_, err = h.store.Load("x")
		assert.ErrorIs(t, err, models.ErrRecordNotFound, "pull must not bring it back")

		h.remote.SetError(transport.OpDelete, nil, 0)
		n, err := h.engine.RetryPendingDeletions(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, 0, h.remote.RecordCount())

		st, _ = h.engine.SyncState()
		assert.False(t, st.IsPendingDeletion("x"))
	})

	t.Run("permanent failure drops tracker entry", func(t *testing.T) {
		h := newHarness(t)
		ctx := testCtx(t)
		require.NoError(t, h.store.Save(testutil.SampleRecord("x", now)))
		h.remote.SetError(transport.OpDelete, &models.APIError{StatusCode: 403, Message: "forbidden"}, 0)

		err := h.engine.DeleteRecord(ctx, "x")
		assert.Error(t, err)

		st, _ := h.engine.SyncState()
		assert.False(t, st.IsPendingDeletion("x"))
	})

	t.Run("deletion without session waits for sign in", func(t *testing.T) {
		h := newHarness(t)
		ctx := testCtx(t)
		require.NoError(t, h.store.Save(testutil.SampleRecord("x", now)))
		h.tokens.Set("")

		require.NoError(t, h.engine.DeleteRecord(ctx, "x"))
		assert.Equal(t, 0, h.remote.Calls(transport.OpDelete))

		st, _ := h.engine.SyncState()
		assert.True(t, st.IsPendingDeletion("x"))
	})

	t.Run("expired entries are pruned", func(t *testing.T) {
		h := newHarness(t)
		st := models.NewSyncState(storage.ScopeCloud)
		st.TrackDeletion("old", now.Add(-48*time.Hour))
		h.states.SaveState(storage.ScopeCloud, st)

		n, err := h.engine.RetryPendingDeletions(testCtx(t))
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		assert.Equal(t, 0, h.remote.Calls(transport.OpDelete))

		got, _ := h.engine.SyncState()
		assert.Empty(t, got.PendingDeletions)
	})
}

func TestMoveDetection(t *testing.T) {
	h := newHarness(t)
	now := time.Now().UTC()

	local := syncedRecord("m1", now)
	local.ProjectID = "p1"
	require.NoError(t, h.store.Save(local))

	moved := local.Clone()
	moved.ProjectID = "p2"
	h.remote.Put(testutil.RemoteCopy(t, h.codec, moved, 1, now.Add(-time.Minute)))

	res, err := h.engine.FullSync(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Downloaded)
	assert.Equal(t, 1, res.Moved)

	got, err := h.store.Load("m1")
	require.NoError(t, err)
	assert.Equal(t, "p2", got.ProjectID)
	assert.True(t, got.UpdatedAt.Equal(local.UpdatedAt), "a move is not a content change")
	assert.False(t, got.LocallyModified)
}

func TestReencryptionQueue(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)
	now := time.Now().UTC()

	rec := testutil.SampleRecord("r1", now.Add(-time.Hour))
	h.remote.Put(testutil.RemoteCopy(t, h.codec, rec, 4, now))

	// Rotate: the key the remote copy uses becomes a history key.
	_, err := h.codec.Keys().Generate()
	require.NoError(t, err)

	res, err := h.engine.FullSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Downloaded)
	assert.Equal(t, []string{"r1"}, h.engine.PendingReencryption())

	n, err := h.engine.ProcessReencryptionQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, h.engine.PendingReencryption())

	stored, ok := h.remote.Record("r1")
	require.True(t, ok)
	assert.Equal(t, 5, stored.SyncVersion)

	primary, err := h.codec.Keys().PrimaryString()
	require.NoError(t, err)
	fresh := crypto.NewKeyManager(secure.NewMemoryStorage(), "fresh", testutil.NewTestLogger())
	require.NoError(t, fresh.SetKey(primary))

	var decoded models.ChatRecord
	_, usedFallback, err := crypto.NewCodec(fresh).Decrypt(stored.Content, &decoded)
	require.NoError(t, err)
	assert.False(t, usedFallback)
	assert.Equal(t, rec.Title, decoded.Title)
}

func TestLocalEdits(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)

	rec, err := h.engine.CreateRecord(ctx, "Draft", "proj")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "proj", rec.ProjectID)

	rec, err = h.engine.AppendMessage(rec.ID, models.RoleUser, "first question")
	require.NoError(t, err)
	require.Len(t, rec.Messages, 1)
	assert.NotEmpty(t, rec.Messages[0].ID)

	same, err := h.engine.Edit(rec.ID, models.RecordPatch{Title: models.String("Draft")})
	require.NoError(t, err)
	assert.Equal(t, "Draft", same.Title)

	renamed, err := h.engine.Edit(rec.ID, models.RecordPatch{Title: models.String("Final")})
	require.NoError(t, err)
	assert.Equal(t, "Final", renamed.Title)
	assert.True(t, renamed.LocallyModified)

	require.NoError(t, h.engine.Coalescer().Wait(ctx, rec.ID))
	remote, ok := h.remote.Record(rec.ID)
	require.True(t, ok)

	var decoded models.ChatRecord
	_, _, err = h.codec.Decrypt(remote.Content, &decoded)
	require.NoError(t, err)
	assert.Equal(t, "Final", decoded.Title)
	assert.Len(t, decoded.Messages, 1)
}

func TestEvents(t *testing.T) {
	h := newHarness(t)
	now := time.Now().UTC()
	h.remote.Put(testutil.RemoteCopy(t, h.codec, testutil.SampleRecord("e1", now), 1, now))

	_, err := h.engine.FullSync(testCtx(t))
	require.NoError(t, err)

	types := drainEvents(h.engine)
	assert.Contains(t, types, sync.EventStarted)
	assert.Contains(t, types, sync.EventDownloaded)
	assert.Contains(t, types, sync.EventCompleted)
}
