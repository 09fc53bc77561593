package sync

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/TheMichaelB/chatvault/internal/models"
)

var errLocalWins = errors.New("local copy wins")

// shouldAccept decides whether a decrypted remote record replaces the local
// copy. local is nil when no local copy exists.
//
// Locally modified or streaming records always win. A local copy that
// failed to decrypt always loses. Otherwise the newer remote wins.
func shouldAccept(local *models.ChatRecord, remote models.RemoteRecord, streaming bool) bool {
	if local == nil || local.DecryptionFailed {
		return true
	}
	if local.LocallyModified || streaming {
		return false
	}
	if local.SyncedAt == nil {
		return true
	}
	return remote.UpdatedAt.After(*local.SyncedAt)
}

// applyAll applies remote records with bounded parallelism.
func (e *Engine) applyAll(ctx context.Context, records []models.RemoteRecord, res *Result) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)

	for _, rr := range records {
		rr := rr
		g.Go(func() error {
			if err := e.applyRemote(gctx, rr, res); err != nil {
				if isStop(err) {
					return err
				}
				e.collect(res, "apply", rr.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) applyRemote(ctx context.Context, rr models.RemoteRecord, res *Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	logger := e.logger.WithField("record_id", rr.ID)
	skip := func() { res.update(func(r *Result) { r.Skipped++ }) }

	if e.isPendingDeletion(rr.ID) {
		logger.Debug("Skipping record deleted locally")
		skip()
		return nil
	}
	if len(rr.Content) == 0 {
		logger.Warn("Remote record has no content")
		skip()
		return nil
	}

	local, err := e.store.Load(rr.ID)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrRecordNotFound):
		local = nil
	default:
		return err
	}
	exists := local != nil

	var incoming models.ChatRecord
	format, usedFallback, err := e.store.Codec().Decrypt(rr.Content, &incoming)
	if err != nil {
		// Only a quarantined remote copy may be replaced by newer remote
		// ciphertext. Anything read from this device stays on disk.
		if exists && (!local.DecryptionFailed || local.HoldsLocalCiphertext()) {
			logger.WithError(err).Warn("Remote record failed to decrypt, keeping local copy")
			skip()
			return nil
		}
		return e.quarantine(rr, exists, res)
	}

	if err := incoming.Validate(); err != nil || incoming.ID != rr.ID {
		logger.Warn("Ignoring invalid remote record")
		skip()
		return nil
	}

	if !shouldAccept(local, rr, e.streams.IsStreaming(rr.ID)) {
		skip()
		return nil
	}

	syncedAt := laterOf(e.now(), rr.UpdatedAt)
	incoming.SyncVersion = rr.SyncVersion
	incoming.FormatVersion = format
	incoming.SyncedAt = &syncedAt
	incoming.LocallyModified = false
	incoming.DecryptionFailed = false
	incoming.QuarantinedCiphertext = nil
	incoming.QuarantineOrigin = ""
	if rr.ProjectID != "" {
		incoming.ProjectID = rr.ProjectID
	}

	if err := e.storeAccepted(&incoming, exists); err != nil {
		if errors.Is(err, errLocalWins) {
			skip()
			return nil
		}
		return err
	}

	if usedFallback {
		e.enqueueReencryption(rr.ID)
	}
	res.update(func(r *Result) { r.Downloaded++ })
	logger.WithField("sync_version", rr.SyncVersion).Debug("Applied remote record")
	e.emitEvent(Event{Type: EventDownloaded, RecordID: rr.ID})
	return nil
}

// storeAccepted writes an accepted record, re-checking the local copy under
// the store lock so an edit made since the decision is not overwritten.
func (e *Engine) storeAccepted(record *models.ChatRecord, exists bool) error {
	if !exists {
		if e.isPendingDeletion(record.ID) {
			return errLocalWins
		}
		return e.store.Save(record)
	}

	_, err := e.store.Update(record.ID, func(cur *models.ChatRecord) error {
		if !cur.DecryptionFailed && (cur.LocallyModified || e.streams.IsStreaming(cur.ID)) {
			return errLocalWins
		}
		*cur = *record.Clone()
		return nil
	})
	if errors.Is(err, models.ErrRecordNotFound) {
		return errLocalWins
	}
	return err
}

// quarantine keeps an undecryptable remote record so a later key recovery
// can retry it without fetching it again. It never replaces a local copy
// that did not come from the remote.
func (e *Engine) quarantine(rr models.RemoteRecord, exists bool, res *Result) error {
	q := models.Quarantine(rr.ID, rr.Content, rr.FormatVersion)
	q.QuarantineOrigin = models.QuarantineRemote
	q.ProjectID = rr.ProjectID
	q.SyncVersion = rr.SyncVersion
	q.CreatedAt = rr.UpdatedAt
	q.UpdatedAt = rr.UpdatedAt
	syncedAt := laterOf(e.now(), rr.UpdatedAt)
	q.SyncedAt = &syncedAt

	if err := e.storeQuarantine(q, exists); err != nil {
		if errors.Is(err, errLocalWins) {
			res.update(func(r *Result) { r.Skipped++ })
			return nil
		}
		return err
	}

	res.update(func(r *Result) { r.Quarantined++ })
	e.logger.WithField("record_id", rr.ID).Warn("Quarantined record that failed to decrypt")
	e.emitEvent(Event{Type: EventQuarantined, RecordID: rr.ID})
	return nil
}

// storeQuarantine writes q, re-checking under the store lock that whatever
// is on disk now is still absent or a quarantined remote copy.
func (e *Engine) storeQuarantine(q *models.ChatRecord, exists bool) error {
	if !exists {
		if e.isPendingDeletion(q.ID) {
			return errLocalWins
		}
		return e.store.Save(q)
	}

	_, err := e.store.Update(q.ID, func(cur *models.ChatRecord) error {
		if !cur.DecryptionFailed || cur.HoldsLocalCiphertext() {
			return errLocalWins
		}
		*cur = *q.Clone()
		return nil
	})
	if errors.Is(err, models.ErrRecordNotFound) {
		return errLocalWins
	}
	return err
}

// collect records a per-record failure on the result.
func (e *Engine) collect(res *Result, phase, id string, err error) {
	res.addError(&models.SyncError{
		Code:     models.ErrorCode(err),
		Phase:    phase,
		Scope:    e.store.Scope(),
		RecordID: id,
		Err:      err,
	})
	e.logger.WithFields(map[string]interface{}{
		"phase":     phase,
		"record_id": id,
	}).WithError(err).Warn("Sync step failed")
}
