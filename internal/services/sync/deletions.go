package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/TheMichaelB/chatvault/internal/models"
)

// DeleteRecord deletes id locally and remotely. The id is tracked before
// anything is removed so a concurrent pull cannot bring it back; the entry
// stays until the remote confirms.
func (e *Engine) DeleteRecord(ctx context.Context, id string) error {
	now := e.now()
	if err := e.withState(func(st *models.SyncState) error {
		st.TrackDeletion(id, now)
		return nil
	}); err != nil {
		return fmt.Errorf("track deletion: %w", err)
	}

	if err := e.store.Delete(id); err != nil {
		return fmt.Errorf("delete local record: %w", err)
	}
	e.emitEvent(Event{Type: EventDeleted, RecordID: id})

	if !e.authenticated(ctx) {
		e.logger.WithField("record_id", id).Debug("Remote deletion deferred until signed in")
		return nil
	}

	// Let an upload already on the wire land first so the delete removes it.
	// The mark cuts short any backoff sleep; the rerun finds nothing to send.
	e.coalescer.MarkDirty(id)
	_ = e.coalescer.Wait(ctx, id)
	return e.confirmDeletion(ctx, id)
}

// RetryPendingDeletions prunes expired tracker entries and reissues the
// remaining remote deletes. It returns how many were confirmed.
func (e *Engine) RetryPendingDeletions(ctx context.Context) (int, error) {
	res := newResult("", e.now())
	confirmed, err := e.retryPendingDeletions(ctx, res)
	if err != nil && !errors.Is(err, models.ErrAuthenticationRequired) {
		return confirmed, err
	}
	return confirmed, res.Err()
}

func (e *Engine) retryPendingDeletions(ctx context.Context, res *Result) (int, error) {
	cutoff := e.now().Add(-e.opts.DeletionWindow)
	var ids []string
	if err := e.withState(func(st *models.SyncState) error {
		if n := st.PruneDeletions(cutoff); n > 0 {
			e.logger.WithField("count", n).Info("Dropped expired pending deletions")
		}
		ids = st.PendingDeletionIDs()
		return nil
	}); err != nil {
		return 0, fmt.Errorf("load deletion tracker: %w", err)
	}
	if len(ids) == 0 || !e.authenticated(ctx) {
		return 0, nil
	}
	sort.Strings(ids)

	confirmed := 0
	for _, id := range ids {
		if err := e.confirmDeletion(ctx, id); err != nil {
			if isStop(err) {
				return confirmed, err
			}
			e.collect(res, "delete", id, err)
			continue
		}
		if !e.isPendingDeletion(id) {
			confirmed++
		}
	}
	return confirmed, nil
}

// confirmDeletion issues the remote delete and settles the tracker entry.
// Transient failures keep the entry for a later retry.
func (e *Engine) confirmDeletion(ctx context.Context, id string) error {
	logger := e.logger.WithField("record_id", id)

	err := e.remote.DeleteRecord(ctx, id)
	switch {
	case err == nil, errors.Is(err, models.ErrRecordNotFound):
		logger.Debug("Remote deletion confirmed")
		return e.clearDeletion(id)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case models.IsTransient(err):
		logger.WithError(err).Debug("Remote deletion will be retried")
		return nil
	default:
		if clearErr := e.clearDeletion(id); clearErr != nil {
			logger.WithError(clearErr).Warn("Failed to clear pending deletion")
		}
		return fmt.Errorf("delete remote record %s: %w", id, err)
	}
}

func (e *Engine) clearDeletion(id string) error {
	return e.withState(func(st *models.SyncState) error {
		st.ClearDeletion(id)
		return nil
	})
}
