package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/TheMichaelB/chatvault/internal/models"
)

func (e *Engine) enqueueReencryption(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.queued[id]; ok {
		return
	}
	e.queued[id] = struct{}{}
	e.reencrypt = append(e.reencrypt, id)
}

// PendingReencryption returns the queued ids in arrival order.
func (e *Engine) PendingReencryption() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.reencrypt...)
}

func (e *Engine) drainReencryption() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := e.reencrypt
	e.reencrypt = nil
	e.queued = make(map[string]struct{})
	return ids
}

// ProcessReencryptionQueue rewrites records that were read with a history
// key under the current primary and uploads them again, which bumps their
// sync version. Ids that fail transiently are queued again.
func (e *Engine) ProcessReencryptionQueue(ctx context.Context) (int, error) {
	ids := e.drainReencryption()
	if len(ids) == 0 {
		return 0, nil
	}
	if !e.authenticated(ctx) {
		for _, id := range ids {
			e.enqueueReencryption(id)
		}
		return 0, nil
	}

	done := 0
	var errs []error
	for i, id := range ids {
		// Loading rewrites the local file under the primary key.
		if _, err := e.store.Load(id); err != nil {
			if !errors.Is(err, models.ErrRecordNotFound) {
				errs = append(errs, fmt.Errorf("reencrypt %s: %w", id, err))
			}
			continue
		}

		e.coalescer.MarkDirty(id)
		err := e.coalescer.Wait(ctx, id)
		switch {
		case err == nil:
			done++
		case isStop(err):
			for _, rest := range ids[i:] {
				e.enqueueReencryption(rest)
			}
			return done, errors.Join(append(errs, err)...)
		case models.IsTransient(err):
			e.enqueueReencryption(id)
			errs = append(errs, fmt.Errorf("reencrypt %s: %w", id, err))
		default:
			errs = append(errs, fmt.Errorf("reencrypt %s: %w", id, err))
		}
	}

	if done > 0 {
		e.logger.WithField("count", done).Info("Re-encrypted records under current key")
	}
	return done, errors.Join(errs...)
}

// RetryDecryption tries every quarantined record again with the current
// keys, typically right after a key recovery. Records that still fail stay
// quarantined and are counted in Result.Quarantined.
func (e *Engine) RetryDecryption(ctx context.Context) (*Result, error) {
	res := newResult(ModeRestore, e.now())

	ids, err := e.store.Quarantined()
	if err != nil {
		return res, fmt.Errorf("list quarantined records: %w", err)
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		restored, err := e.restore(id)
		switch {
		case err != nil:
			e.collect(res, "restore", id, err)
		case restored:
			res.Restored++
		default:
			res.Quarantined++
		}
	}

	res.Duration = e.now().Sub(res.started)
	if res.Restored > 0 {
		e.logger.WithFields(map[string]interface{}{
			"restored":  res.Restored,
			"remaining": res.Quarantined,
		}).Info("Restored quarantined records")
	}
	return res, nil
}

func (e *Engine) restore(id string) (bool, error) {
	q, err := e.store.Load(id)
	if err != nil {
		if errors.Is(err, models.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	if !q.DecryptionFailed {
		// The file on disk opens with the current keys again.
		e.emitEvent(Event{Type: EventRestored, RecordID: id})
		return true, nil
	}

	var record models.ChatRecord
	format, usedFallback, err := e.store.Codec().Decrypt(q.QuarantinedCiphertext, &record)
	if err != nil {
		return false, nil
	}
	if err := record.Validate(); err != nil || record.ID != id {
		e.logger.WithField("record_id", id).Warn("Quarantined record decrypted to an invalid record")
		return false, nil
	}

	record.FormatVersion = format
	// A local copy carries its own bookkeeping; a remote one takes it from
	// the listing it was quarantined from.
	if q.QuarantineOrigin != models.QuarantineLocal {
		record.SyncVersion = q.SyncVersion
		record.SyncedAt = q.SyncedAt
		record.LocallyModified = false
		if record.ProjectID == "" {
			record.ProjectID = q.ProjectID
		}
	}

	_, err = e.store.Update(id, func(cur *models.ChatRecord) error {
		if !cur.DecryptionFailed {
			return errLocalWins
		}
		*cur = *record.Clone()
		return nil
	})
	if errors.Is(err, errLocalWins) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if usedFallback {
		e.enqueueReencryption(id)
	}
	e.emitEvent(Event{Type: EventRestored, RecordID: id})
	return true, nil
}
