package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TheMichaelB/chatvault/internal/models"
)

var errNoCheckpoint = errors.New("no sync checkpoint")

// FullSync backs up local changes, pulls remote records, applies remote
// deletions and moves, and stores a new checkpoint. Without a session it
// returns an empty result.
func (e *Engine) FullSync(ctx context.Context) (*Result, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.finish()

	res, err := e.fullSync(ctx)
	return e.complete(res, err)
}

// DeltaSync pulls only what changed since the stored checkpoint and falls
// back to a full sync when that fails.
func (e *Engine) DeltaSync(ctx context.Context) (*Result, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.finish()

	res, err := e.deltaSync(ctx)
	if err != nil && !isStop(err) {
		if errors.Is(err, errNoCheckpoint) {
			e.logger.Debug("No checkpoint yet, running full sync")
		} else {
			e.logger.WithError(err).Warn("Delta sync failed, falling back to full sync")
		}
		res, err = e.fullSync(ctx)
	}
	return e.complete(res, err)
}

func (e *Engine) fullSync(ctx context.Context) (*Result, error) {
	res := newResult(ModeFull, e.now())
	if !e.authenticated(ctx) {
		e.logger.Debug("Not signed in, skipping sync")
		return res, nil
	}
	e.emitEvent(Event{Type: EventStarted})

	if err := e.backupDirty(ctx, res); err != nil {
		return res, err
	}

	status, err := e.remote.SyncStatus(ctx, e.opts.ProjectID)
	if err != nil {
		if isStop(err) {
			return res, err
		}
		e.collect(res, "status", "", err)
		status = nil
	}

	opts := models.ListOptions{
		ProjectID:   e.opts.ProjectID,
		Limit:       e.opts.PageSize,
		WithContent: true,
	}
	if err := e.pull(ctx, opts, e.opts.MaxPages, res); err != nil {
		if isStop(err) {
			return res, err
		}
		e.collect(res, "pull", "", err)
		status = nil
	}

	return res, e.reconcile(ctx, status, true, res)
}

func (e *Engine) deltaSync(ctx context.Context) (*Result, error) {
	res := newResult(ModeDelta, e.now())
	if !e.authenticated(ctx) {
		e.logger.Debug("Not signed in, skipping sync")
		return res, nil
	}

	st, err := e.loadState()
	if err != nil {
		return res, fmt.Errorf("load sync state: %w", err)
	}
	if !st.HasCheckpoint() {
		return res, errNoCheckpoint
	}
	e.emitEvent(Event{Type: EventStarted})

	if err := e.backupDirty(ctx, res); err != nil {
		return res, err
	}

	status, err := e.remote.SyncStatus(ctx, e.opts.ProjectID)
	if err != nil {
		return res, fmt.Errorf("get sync status: %w", err)
	}

	if st.Matches(*status) {
		e.logger.Debug("Checkpoint unchanged, nothing to pull")
	} else {
		since := st.LastUpdated
		opts := models.ListOptions{
			ProjectID:    e.opts.ProjectID,
			Limit:        e.opts.PageSize,
			WithContent:  true,
			ChangedSince: &since,
		}
		if err := e.pull(ctx, opts, -1, res); err != nil {
			return res, err
		}
	}

	return res, e.reconcile(ctx, status, false, res)
}

// backupDirty uploads every record with changes the remote has not seen and
// waits for those uploads.
func (e *Engine) backupDirty(ctx context.Context, res *Result) error {
	entries, err := e.store.List()
	if err != nil {
		return fmt.Errorf("list local records: %w", err)
	}

	before := e.uploads.Load()
	var ids []string
	for _, entry := range entries {
		if entry.DecryptionFailed {
			continue
		}
		if entry.LocallyModified || entry.SyncedAt == nil {
			ids = append(ids, entry.ID)
			e.coalescer.MarkDirty(entry.ID)
		}
	}

	for _, id := range ids {
		if err := e.coalescer.Wait(ctx, id); err != nil {
			if isStop(err) {
				return err
			}
			e.collect(res, "backup", id, err)
		}
	}

	uploaded := int(e.uploads.Load() - before)
	res.update(func(r *Result) { r.Uploaded += uploaded })
	return nil
}

// pull applies listing pages. maxPages <= 0 follows the cursor to the end.
func (e *Engine) pull(ctx context.Context, opts models.ListOptions, maxPages int, res *Result) error {
	for page := 0; maxPages <= 0 || page < maxPages; page++ {
		p, err := e.remote.ListRecords(ctx, opts)
		if err != nil {
			return fmt.Errorf("list remote records: %w", err)
		}
		if err := e.applyAll(ctx, p.Records, res); err != nil {
			return err
		}
		if p.NextCursor == "" {
			return nil
		}
		opts.Cursor = p.NextCursor
	}
	return nil
}

// reconcile runs the deletion and move phases and saves the checkpoint.
// status is nil when the pass must not advance the checkpoint.
func (e *Engine) reconcile(ctx context.Context, status *models.SyncStatus, full bool, res *Result) error {
	st, err := e.loadState()
	if err != nil {
		return fmt.Errorf("load sync state: %w", err)
	}

	deletedRemotely, deletionCheck, err := e.applyTombstones(ctx, st.LastDeletionCheck, res)
	if err != nil {
		if isStop(err) {
			return err
		}
		e.collect(res, "tombstones", "", err)
	}

	if _, err := e.retryPendingDeletions(ctx, res); err != nil {
		if isStop(err) {
			return err
		}
		e.collect(res, "delete", "", err)
	}

	globalUpdated, err := e.applyMoves(ctx, st.GlobalLastUpdated, res)
	if err != nil {
		if isStop(err) {
			return err
		}
		e.collect(res, "moves", "", err)
	}

	now := e.now()
	return e.withState(func(cur *models.SyncState) error {
		for _, id := range deletedRemotely {
			cur.ClearDeletion(id)
		}
		if deletionCheck.After(cur.LastDeletionCheck) {
			cur.LastDeletionCheck = deletionCheck
		}
		if globalUpdated.After(cur.GlobalLastUpdated) {
			cur.GlobalLastUpdated = globalUpdated
		}
		if status != nil {
			cur.Checkpoint(*status)
			if full {
				cur.LastFullSync = now
			}
		}
		cur.SetError(res.Err())
		return nil
	})
}

// applyTombstones deletes local copies of records deleted remotely. It
// returns the affected ids and the newest deletion time seen.
func (e *Engine) applyTombstones(ctx context.Context, since time.Time, res *Result) ([]string, time.Time, error) {
	tombstones, err := e.remote.DeletedSince(ctx, since)
	if err != nil {
		return nil, since, fmt.Errorf("list remote deletions: %w", err)
	}
	if len(tombstones) == 0 {
		return nil, since, nil
	}

	entries, err := e.store.List()
	if err != nil {
		return nil, since, fmt.Errorf("list local records: %w", err)
	}
	local := make(map[string]bool, len(entries))
	for _, entry := range entries {
		local[entry.ID] = true
	}

	latest := since
	var ids []string
	for _, t := range tombstones {
		if t.DeletedAt.After(latest) {
			latest = t.DeletedAt
		}
		ids = append(ids, t.ID)
		if !local[t.ID] {
			continue
		}
		if err := e.store.Delete(t.ID); err != nil {
			e.collect(res, "tombstones", t.ID, err)
			continue
		}
		res.update(func(r *Result) { r.Deleted++ })
		e.logger.WithField("record_id", t.ID).Info("Deleted record removed on another device")
		e.emitEvent(Event{Type: EventDeleted, RecordID: t.ID})
	}
	return ids, latest, nil
}

// applyMoves updates the project of local records moved on another device.
// It only looks at metadata and never counts a move as a content change.
func (e *Engine) applyMoves(ctx context.Context, since time.Time, res *Result) (time.Time, error) {
	global, err := e.remote.SyncStatus(ctx, "")
	if err != nil {
		return since, fmt.Errorf("get global sync status: %w", err)
	}
	if !global.LastUpdated.After(since) {
		return since, nil
	}

	entries, err := e.store.List()
	if err != nil {
		return since, fmt.Errorf("list local records: %w", err)
	}
	projects := make(map[string]string, len(entries))
	for _, entry := range entries {
		projects[entry.ID] = entry.ProjectID
	}

	opts := models.ListOptions{Limit: e.opts.PageSize}
	if !since.IsZero() {
		opts.ChangedSince = &since
	}
	for {
		page, err := e.remote.ListRecords(ctx, opts)
		if err != nil {
			return since, fmt.Errorf("list changed records: %w", err)
		}
		for _, rr := range page.Records {
			current, ok := projects[rr.ID]
			if !ok || current == rr.ProjectID {
				continue
			}
			if err := e.moveRecord(rr.ID, rr.ProjectID); err != nil {
				if !errors.Is(err, errLocalWins) {
					e.collect(res, "moves", rr.ID, err)
				}
				continue
			}
			res.update(func(r *Result) { r.Moved++ })
			e.emitEvent(Event{Type: EventMoved, RecordID: rr.ID})
		}
		if page.NextCursor == "" {
			break
		}
		opts.Cursor = page.NextCursor
	}
	return global.LastUpdated, nil
}

func (e *Engine) moveRecord(id, projectID string) error {
	_, err := e.store.Update(id, func(r *models.ChatRecord) error {
		if r.LocallyModified || r.HoldsLocalCiphertext() {
			return errLocalWins
		}
		r.ProjectID = projectID
		return nil
	})
	if errors.Is(err, models.ErrRecordNotFound) {
		return errLocalWins
	}
	if err == nil {
		e.logger.WithFields(map[string]interface{}{
			"record_id":  id,
			"project_id": projectID,
		}).Debug("Moved record")
	}
	return err
}

// complete finishes a pass. A session that ends mid-pass is not an error.
func (e *Engine) complete(res *Result, err error) (*Result, error) {
	if res != nil {
		res.Duration = e.now().Sub(res.started)
	}
	if err != nil {
		if errors.Is(err, models.ErrAuthenticationRequired) {
			e.logger.Debug("Session ended during sync")
			return res, nil
		}
		return res, e.handleError(err)
	}

	e.logger.WithFields(map[string]interface{}{
		"mode":        res.Mode,
		"uploaded":    res.Uploaded,
		"downloaded":  res.Downloaded,
		"quarantined": res.Quarantined,
		"deleted":     res.Deleted,
		"moved":       res.Moved,
		"errors":      len(res.Errors),
	}).Info("Sync pass completed")
	e.emitEvent(Event{Type: EventCompleted, Result: res})
	return res, nil
}
