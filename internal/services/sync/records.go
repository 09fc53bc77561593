package sync

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/TheMichaelB/chatvault/internal/models"
)

var errNoChange = errors.New("no change")

// NewRecordID asks the remote for an id and falls back to a random UUID
// when there is no session or the request fails.
func (e *Engine) NewRecordID(ctx context.Context) string {
	if e.authenticated(ctx) {
		id, err := e.remote.CreateID(ctx)
		if err == nil && strings.TrimSpace(id) != "" {
			return id
		}
		if err != nil {
			e.logger.WithError(err).Debug("Remote id unavailable, using local id")
		}
	}
	return uuid.NewString()
}

// CreateRecord saves a new chat and schedules its upload.
func (e *Engine) CreateRecord(ctx context.Context, title, projectID string) (*models.ChatRecord, error) {
	record := models.NewChatRecord(e.NewRecordID(ctx), title, e.now())
	record.ProjectID = projectID
	if err := e.store.Save(record); err != nil {
		return nil, err
	}
	e.coalescer.MarkDirty(record.ID)
	return record, nil
}

// AppendMessage adds a message to a chat and schedules its upload.
func (e *Engine) AppendMessage(id, role, content string) (*models.ChatRecord, error) {
	record, err := e.store.Update(id, func(r *models.ChatRecord) error {
		if r.DecryptionFailed {
			return &models.DecryptError{RecordID: id, Reason: "quarantined", Err: models.ErrInvalidRecord}
		}
		r.AppendMessage(models.Message{
			ID:        uuid.NewString(),
			Role:      role,
			Content:   content,
			CreatedAt: e.now(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.coalescer.MarkDirty(id)
	return record, nil
}

// Edit applies a patch to a chat. An empty or no-op patch leaves the record
// untouched and schedules nothing.
func (e *Engine) Edit(id string, patch models.RecordPatch) (*models.ChatRecord, error) {
	record, err := e.store.Update(id, func(r *models.ChatRecord) error {
		if r.DecryptionFailed {
			return &models.DecryptError{RecordID: id, Reason: "quarantined", Err: models.ErrInvalidRecord}
		}
		if !patch.Apply(r) {
			return errNoChange
		}
		r.Touch(e.now())
		return nil
	})
	if errors.Is(err, errNoChange) {
		return e.store.Load(id)
	}
	if err != nil {
		return nil, err
	}
	e.coalescer.MarkDirty(id)
	return record, nil
}
