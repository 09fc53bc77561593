package sync

import (
	"context"
	"errors"

	"github.com/TheMichaelB/chatvault/internal/models"
)

// upload sends the current local state of id. It is the coalescer's worker
// body, so at most one call per id runs at a time.
func (e *Engine) upload(ctx context.Context, id string) error {
	if _, err := e.tokens.Token(ctx); err != nil {
		return err
	}
	logger := e.logger.WithField("record_id", id)

	if e.streams.Defer(id) {
		logger.Debug("Upload deferred while streaming")
		return nil
	}

	record, err := e.store.Load(id)
	switch {
	case errors.Is(err, models.ErrRecordNotFound):
		return nil
	case err != nil:
		return err
	}
	if record.DecryptionFailed || !e.syncable(record) || e.isPendingDeletion(id) {
		logger.Debug("Record not eligible for upload")
		return nil
	}

	content, err := e.store.Codec().EncryptV1(record.SyncPayload())
	if err != nil {
		return err
	}

	version := record.SyncVersion + 1
	stored, err := e.remote.UploadRecord(ctx, models.RemoteRecord{
		ID:            record.ID,
		ProjectID:     record.ProjectID,
		UpdatedAt:     record.UpdatedAt,
		SyncVersion:   version,
		FormatVersion: models.FormatV1,
		Content:       content,
	})
	if err != nil {
		return err
	}

	// The server's clock stamps the remote copy; never record a sync time
	// before it or the next pull would see our own upload as newer.
	syncedAt := laterOf(e.now(), stored.UpdatedAt)
	modified, err := e.store.ConfirmUpload(record, version, syncedAt)
	if err != nil {
		if errors.Is(err, models.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if modified && !e.coalescer.IsDirty(id) {
		// Edited while on the wire; the edit has not been sent yet.
		e.coalescer.MarkDirty(id)
	}

	e.uploads.Add(1)
	logger.WithField("sync_version", version).Debug("Uploaded record")
	e.emitEvent(Event{Type: EventUploaded, RecordID: id})
	return nil
}
