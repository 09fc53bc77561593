package testutil

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/chatvault/internal/crypto"
	"github.com/TheMichaelB/chatvault/internal/events"
	"github.com/TheMichaelB/chatvault/internal/models"
	"github.com/TheMichaelB/chatvault/internal/secure"
	"github.com/TheMichaelB/chatvault/internal/storage"
)

// NewTestLogger creates a logger that discards everything below error.
func NewTestLogger() *events.Logger {
	return events.NewTestLogger(events.ErrorLevel, "text", io.Discard)
}

// NewKeyManager creates an in-memory key manager holding a fresh primary.
func NewKeyManager(t *testing.T, slot string) *crypto.KeyManager {
	t.Helper()
	km := crypto.NewKeyManager(secure.NewMemoryStorage(), slot, NewTestLogger())
	_, err := km.Generate()
	require.NoError(t, err)
	return km
}

// NewCodec creates a codec over a fresh key.
func NewCodec(t *testing.T) *crypto.Codec {
	t.Helper()
	return crypto.NewCodec(NewKeyManager(t, "keys"))
}

// NewRecordStore creates a cloud-scope record store over in-memory blobs.
func NewRecordStore(codec *crypto.Codec) (*storage.RecordStore, *storage.MockStore) {
	blobs := storage.NewMockStore()
	return storage.NewRecordStore(storage.ScopeCloud, blobs, codec, NewTestLogger()), blobs
}

// SampleRecord builds a one-message chat created at now.
func SampleRecord(id string, now time.Time) *models.ChatRecord {
	r := models.NewChatRecord(id, "Chat "+id, now)
	r.AppendMessage(models.Message{
		ID:        id + "-m1",
		Role:      models.RoleUser,
		Content:   "hello from " + id,
		CreatedAt: now,
	})
	return r
}

// RemoteCopy encrypts record the way another device would upload it.
func RemoteCopy(t *testing.T, codec *crypto.Codec, record *models.ChatRecord, version int, updatedAt time.Time) models.RemoteRecord {
	t.Helper()
	content, err := codec.EncryptV1(record.SyncPayload())
	require.NoError(t, err)
	return models.RemoteRecord{
		ID:            record.ID,
		ProjectID:     record.ProjectID,
		UpdatedAt:     updatedAt,
		SyncVersion:   version,
		FormatVersion: models.FormatV1,
		Content:       content,
	}
}
