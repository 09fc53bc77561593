package sync_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/chatvault/internal/config"
	"github.com/TheMichaelB/chatvault/internal/models"
	"github.com/TheMichaelB/chatvault/internal/services/sync"
	"github.com/TheMichaelB/chatvault/internal/testutil"
	"github.com/TheMichaelB/chatvault/internal/transport"
)

func serviceConfig() *config.SyncConfig {
	return &config.SyncConfig{
		Interval:      time.Hour,
		WatchDebounce: 20 * time.Millisecond,
		BackoffBase:   time.Millisecond,
		BackoffMax:    10 * time.Millisecond,
	}
}

func TestServiceWatch(t *testing.T) {
	h := newHarness(t)
	svc := sync.NewService(h.engine, h.remote, serviceConfig(), testutil.NewTestLogger())

	var keyChanges atomic.Int32
	svc.OnKeysChanged(func(context.Context) { keyChanges.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- svc.Watch(ctx) }()

	require.Eventually(t, func() bool { return h.remote.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	now := time.Now().UTC()
	h.remote.Put(testutil.RemoteCopy(t, h.codec, testutil.SampleRecord("w1", now), 1, now))
	for i := 0; i < 3; i++ {
		h.remote.Notify(models.ChangeNotification{Type: models.ChangeUpdated, RecordID: "w1"})
	}

	require.Eventually(t, func() bool {
		_, err := h.store.Load("w1")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	h.remote.Notify(models.ChangeNotification{Type: models.ChangeKeys})
	require.Eventually(t, func() bool { return keyChanges.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestServiceWatchReconnects(t *testing.T) {
	h := newHarness(t)
	h.remote.SetError(transport.OpSubscribe, models.ErrNetwork, 2)
	svc := sync.NewService(h.engine, h.remote, serviceConfig(), testutil.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- svc.Watch(ctx) }()

	require.Eventually(t, func() bool { return h.remote.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, h.remote.Calls(transport.OpSubscribe))

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}

func TestServiceWatchWithoutFeed(t *testing.T) {
	h := newHarness(t)
	svc := sync.NewService(h.engine, nil, serviceConfig(), testutil.NewTestLogger())
	assert.ErrorIs(t, svc.Watch(context.Background()), sync.ErrNoChangeFeed)
}

func TestServiceRun(t *testing.T) {
	h := newHarness(t)
	svc := sync.NewService(h.engine, h.remote, serviceConfig(), testutil.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- svc.Run(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool {
		return h.remote.Calls(transport.OpSyncStatus) >= 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}

func TestServiceSync(t *testing.T) {
	h := newHarness(t)
	svc := sync.NewService(h.engine, h.remote, serviceConfig(), testutil.NewTestLogger())
	now := time.Now().UTC()
	h.remote.Put(testutil.RemoteCopy(t, h.codec, testutil.SampleRecord("s1", now), 1, now))

	res, err := svc.Sync(testCtx(t), sync.SyncOptions{Full: true})
	require.NoError(t, err)
	assert.Equal(t, sync.ModeFull, res.Mode)
	assert.Equal(t, 1, res.Downloaded)
	assert.True(t, res.Changed())
}
