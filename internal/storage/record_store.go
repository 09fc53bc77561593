package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/TheMichaelB/chatvault/internal/crypto"
	"github.com/TheMichaelB/chatvault/internal/events"
	"github.com/TheMichaelB/chatvault/internal/models"
)

// Storage scopes. Local records are encrypted with a device key that never
// leaves the machine, cloud records with the synced key bundle.
const (
	ScopeLocal = "local"
	ScopeCloud = "cloud"
)

const (
	indexFile        = "index.enc"
	recordExt        = ".enc"
	quarantineExt    = ".quarantine"
	indexVersion     = 1
	recordFileMode   = 0600
	reservedIndexKey = "index"
)

type indexFileContent struct {
	Version int                 `json:"version"`
	Entries []models.IndexEntry `json:"entries"`
}

// RecordStore persists chat records one file each, plus an encrypted index.
// All methods are safe for concurrent use.
type RecordStore struct {
	mu     sync.Mutex
	scope  string
	blobs  BlobStore
	codec  *crypto.Codec
	logger *events.Logger

	// nil until loaded; the index is a cache rebuilt from records on demand
	index map[string]models.IndexEntry
}

// NewRecordStore creates a store for one scope.
func NewRecordStore(scope string, blobs BlobStore, codec *crypto.Codec, logger *events.Logger) *RecordStore {
	return &RecordStore{
		scope: scope,
		blobs: blobs,
		codec: codec,
		logger: logger.WithFields(map[string]interface{}{
			"component": "record_store",
			"scope":     scope,
		}),
	}
}

// Scope returns the storage scope name.
func (s *RecordStore) Scope() string {
	return s.scope
}

// Codec returns the codec records are encrypted with.
func (s *RecordStore) Codec() *crypto.Codec {
	return s.codec
}

// Save writes a record and updates the index. Records flagged as failed
// decryption are written in plain form next to a quarantine marker.
func (s *RecordStore) Save(record *models.ChatRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.saveLocked(record)
}

func (s *RecordStore) saveLocked(record *models.ChatRecord) error {
	base, ok := fileBase(record.ID)
	if !ok {
		return fmt.Errorf("%w: id %q is reserved", models.ErrInvalidRecord, record.ID)
	}

	if record.DecryptionFailed {
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshal quarantined record: %w", err)
		}
		if err := s.blobs.Write(base+quarantineExt, data, recordFileMode); err != nil {
			return fmt.Errorf("write quarantined record: %w", err)
		}
		if err := s.blobs.Delete(base + recordExt); err != nil {
			return fmt.Errorf("remove stale record: %w", err)
		}
	} else {
		data, err := s.codec.EncryptV1(record)
		if err != nil {
			return fmt.Errorf("encrypt record: %w", err)
		}
		if err := s.blobs.Write(base+recordExt, data, recordFileMode); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
		if err := s.blobs.Delete(base + quarantineExt); err != nil {
			return fmt.Errorf("remove stale quarantine: %w", err)
		}
	}

	if err := s.ensureIndexLocked(); err != nil {
		return err
	}
	s.index[record.ID] = record.Index()

	s.logger.WithFields(map[string]interface{}{
		"record_id":   record.ID,
		"quarantined": record.DecryptionFailed,
	}).Debug("Saved record")

	return s.writeIndexLocked()
}

// Load reads a record. It returns models.ErrRecordNotFound when neither
// representation exists. An encrypted file no key opens comes back as a
// quarantine placeholder holding its bytes; the file itself is left as is.
// Records opened with a history key are rewritten under the current primary.
func (s *RecordStore) Load(id string) (*models.ChatRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.loadLocked(id)
}

func (s *RecordStore) loadLocked(id string) (*models.ChatRecord, error) {
	base, ok := fileBase(id)
	if !ok {
		return nil, models.ErrRecordNotFound
	}

	data, err := s.blobs.Read(base + recordExt)
	switch {
	case err == nil:
		var record models.ChatRecord
		_, usedFallback, err := s.codec.Decrypt(data, &record)
		if err != nil {
			if errors.Is(err, crypto.ErrKeyNotInitialized) {
				return nil, err
			}
			s.logger.WithError(err).WithField("record_id", id).Warn("Local record failed to decrypt")
			return s.localPlaceholderLocked(id, data), nil
		}
		if usedFallback {
			s.reencryptLocked(&record)
		}
		s.refreshEntryLocked(&record)
		return &record, nil
	case !errors.Is(err, ErrFileNotFound):
		return nil, fmt.Errorf("read record: %w", err)
	}

	data, err = s.blobs.Read(base + quarantineExt)
	switch {
	case err == nil:
		var record models.ChatRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, fmt.Errorf("parse quarantined record %s: %w", id, err)
		}
		return &record, nil
	case !errors.Is(err, ErrFileNotFound):
		return nil, fmt.Errorf("read quarantined record: %w", err)
	}

	s.dropStaleEntryLocked(id)
	return nil, models.ErrRecordNotFound
}

// localPlaceholderLocked wraps an undecryptable local file in a quarantine
// placeholder carrying the indexed metadata, and flags its index entry.
func (s *RecordStore) localPlaceholderLocked(id string, data []byte) *models.ChatRecord {
	q := models.Quarantine(id, data, models.FormatV1)
	q.QuarantineOrigin = models.QuarantineLocal

	if err := s.ensureIndexLocked(); err != nil {
		return q
	}
	entry, ok := s.index[id]
	if ok {
		q.ProjectID = entry.ProjectID
		q.CreatedAt = entry.UpdatedAt
		q.UpdatedAt = entry.UpdatedAt
		q.SyncVersion = entry.SyncVersion
		if entry.SyncedAt != nil {
			t := *entry.SyncedAt
			q.SyncedAt = &t
		}
	}
	s.refreshEntryLocked(q)
	return q
}

// refreshEntryLocked brings a loaded index entry in line with the decrypt
// state found on disk.
func (s *RecordStore) refreshEntryLocked(record *models.ChatRecord) {
	if err := s.ensureIndexLocked(); err != nil {
		return
	}
	entry, ok := s.index[record.ID]
	if ok && entry.DecryptionFailed == record.DecryptionFailed {
		return
	}
	if ok && record.DecryptionFailed {
		entry.DecryptionFailed = true
	} else {
		entry = record.Index()
	}
	s.index[record.ID] = entry
	if err := s.writeIndexLocked(); err != nil {
		s.logger.WithError(err).Warn("Failed to update index entry")
	}
}

func (s *RecordStore) reencryptLocked(record *models.ChatRecord) {
	data, err := s.codec.EncryptV1(record)
	if err == nil {
		base, _ := fileBase(record.ID)
		err = s.blobs.Write(base+recordExt, data, recordFileMode)
	}
	if err != nil {
		s.logger.WithError(err).WithField("record_id", record.ID).Warn("Failed to re-encrypt record under current key")
		return
	}
	s.logger.WithField("record_id", record.ID).Debug("Re-encrypted record under current key")
}

func (s *RecordStore) dropStaleEntryLocked(id string) {
	if s.index == nil {
		return
	}
	if _, ok := s.index[id]; !ok {
		return
	}
	delete(s.index, id)
	if err := s.writeIndexLocked(); err != nil {
		s.logger.WithError(err).Warn("Failed to drop stale index entry")
	}
}

// Update performs an atomic read-modify-write of one record.
func (s *RecordStore) Update(id string, fn func(*models.ChatRecord) error) (*models.ChatRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.loadLocked(id)
	if err != nil {
		return nil, err
	}
	if err := fn(record); err != nil {
		return nil, err
	}
	if err := record.Validate(); err != nil {
		return nil, err
	}
	if record.ID != id {
		return nil, fmt.Errorf("%w: update changed id %s to %s", models.ErrInvalidRecord, id, record.ID)
	}
	if err := s.saveLocked(record); err != nil {
		return nil, err
	}
	return record.Clone(), nil
}

// UpdateSyncMetadata touches only the sync bookkeeping fields.
func (s *RecordStore) UpdateSyncMetadata(id string, version int, syncedAt time.Time, locallyModified bool) error {
	_, err := s.Update(id, func(r *models.ChatRecord) error {
		r.SyncVersion = version
		r.SyncedAt = &syncedAt
		r.LocallyModified = locallyModified
		return nil
	})
	return err
}

// ConfirmUpload records that uploaded reached the remote as version. The
// record stays locally modified when its content changed after the snapshot
// was taken. It reports whether the record is still modified.
func (s *RecordStore) ConfirmUpload(uploaded *models.ChatRecord, version int, syncedAt time.Time) (bool, error) {
	var modified bool
	_, err := s.Update(uploaded.ID, func(r *models.ChatRecord) error {
		modified = r.LocallyModified && !r.SameContent(uploaded)
		r.SyncVersion = version
		r.SyncedAt = &syncedAt
		r.LocallyModified = modified
		return nil
	})
	return modified, err
}

// Delete removes both representations and the index entry.
func (s *RecordStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	base, ok := fileBase(id)
	if !ok {
		return nil
	}
	if err := s.blobs.Delete(base + recordExt); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if err := s.blobs.Delete(base + quarantineExt); err != nil {
		return fmt.Errorf("delete quarantined record: %w", err)
	}

	if err := s.ensureIndexLocked(); err != nil {
		return err
	}
	delete(s.index, id)

	s.logger.WithField("record_id", id).Debug("Deleted record")
	return s.writeIndexLocked()
}

// DeleteAll removes every record and the index.
func (s *RecordStore) DeleteAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := s.blobs.ListDir(".")
	if err != nil {
		return fmt.Errorf("list records: %w", err)
	}
	for _, f := range files {
		name := path.Base(f.Path)
		if f.IsDir || !(strings.HasSuffix(name, recordExt) || strings.HasSuffix(name, quarantineExt)) {
			continue
		}
		if err := s.blobs.Delete(name); err != nil {
			return fmt.Errorf("delete %s: %w", name, err)
		}
	}

	s.index = make(map[string]models.IndexEntry)
	s.logger.WithField("files", len(files)).Info("Deleted all records")
	return nil
}

// LoadIndex returns index entries, rebuilding the index when it is missing
// or unreadable.
func (s *RecordStore) LoadIndex() ([]models.IndexEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureIndexLocked(); err != nil {
		return nil, err
	}
	return s.entriesLocked(), nil
}

// RebuildIndex regenerates the index from the records that load.
func (s *RecordStore) RebuildIndex() ([]models.IndexEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.rebuildLocked(); err != nil {
		return nil, err
	}
	return s.entriesLocked(), nil
}

// List returns index entries newest first.
func (s *RecordStore) List() ([]models.IndexEntry, error) {
	entries, err := s.LoadIndex()
	if err != nil {
		return nil, err
	}
	models.SortIndex(entries)
	return entries, nil
}

// Quarantined returns the ids of records that failed to decrypt.
func (s *RecordStore) Quarantined() ([]string, error) {
	entries, err := s.List()
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, e := range entries {
		if e.DecryptionFailed {
			ids = append(ids, e.ID)
		}
	}
	return ids, nil
}

// LoadAll loads every indexed record. Records that fail to load are skipped
// and reported through the returned error count.
func (s *RecordStore) LoadAll() ([]*models.ChatRecord, int, error) {
	entries, err := s.List()
	if err != nil {
		return nil, 0, err
	}

	var records []*models.ChatRecord
	failed := 0
	for _, e := range entries {
		record, err := s.Load(e.ID)
		if err != nil {
			if !errors.Is(err, models.ErrRecordNotFound) {
				failed++
				s.logger.WithError(err).WithField("record_id", e.ID).Warn("Failed to load record")
			}
			continue
		}
		records = append(records, record)
	}
	return records, failed, nil
}

func (s *RecordStore) entriesLocked() []models.IndexEntry {
	entries := make([]models.IndexEntry, 0, len(s.index))
	for _, e := range s.index {
		entries = append(entries, e)
	}
	return entries
}

func (s *RecordStore) ensureIndexLocked() error {
	if s.index != nil {
		return nil
	}

	data, err := s.blobs.Read(indexFile)
	if err != nil {
		if !errors.Is(err, ErrFileNotFound) {
			return fmt.Errorf("read index: %w", err)
		}
		s.logger.Debug("Index missing, rebuilding")
		return s.rebuildLocked()
	}

	var content indexFileContent
	_, usedFallback, err := s.codec.Decrypt(data, &content)
	if err != nil {
		if errors.Is(err, crypto.ErrKeyNotInitialized) {
			return err
		}
		s.logger.WithError(err).Warn("Index unreadable, rebuilding")
		return s.rebuildLocked()
	}

	s.index = make(map[string]models.IndexEntry, len(content.Entries))
	for _, e := range content.Entries {
		s.index[e.ID] = e
	}

	if usedFallback {
		return s.writeIndexLocked()
	}
	return nil
}

func (s *RecordStore) rebuildLocked() error {
	files, err := s.blobs.ListDir(".")
	if err != nil {
		return fmt.Errorf("list records: %w", err)
	}

	index := make(map[string]models.IndexEntry)
	skipped, quarantined := 0, 0
	for _, f := range files {
		name := path.Base(f.Path)
		if f.IsDir || name == indexFile {
			continue
		}

		var record models.ChatRecord
		switch {
		case strings.HasSuffix(name, recordExt):
			data, err := s.blobs.Read(name)
			if err != nil {
				skipped++
				continue
			}
			if _, _, err := s.codec.Decrypt(data, &record); err != nil {
				if errors.Is(err, crypto.ErrKeyNotInitialized) {
					skipped++
					continue
				}
				record = *models.Quarantine(strings.TrimSuffix(name, recordExt), data, models.FormatV1)
				record.QuarantineOrigin = models.QuarantineLocal
				quarantined++
			}
		case strings.HasSuffix(name, quarantineExt):
			data, err := s.blobs.Read(name)
			if err != nil || json.Unmarshal(data, &record) != nil {
				skipped++
				continue
			}
		default:
			continue
		}

		if record.ID == "" {
			skipped++
			continue
		}
		// An encrypted copy wins over a stale quarantine sibling.
		if existing, ok := index[record.ID]; ok && !existing.DecryptionFailed {
			continue
		}
		index[record.ID] = record.Index()
	}

	s.index = index
	s.logger.WithFields(map[string]interface{}{
		"entries":     len(index),
		"skipped":     skipped,
		"quarantined": quarantined,
	}).Info("Rebuilt record index")

	return s.writeIndexLocked()
}

func (s *RecordStore) writeIndexLocked() error {
	content := indexFileContent{
		Version: indexVersion,
		Entries: s.entriesLocked(),
	}
	models.SortIndex(content.Entries)

	data, err := s.codec.EncryptV1(content)
	if err != nil {
		return fmt.Errorf("encrypt index: %w", err)
	}
	if err := s.blobs.Write(indexFile, data, recordFileMode); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return nil
}

// fileBase maps a record id onto a filesystem-safe file name stem. It
// reports false for ids that would land on the index or on no name at all.
func fileBase(id string) (string, bool) {
	r := strings.NewReplacer("/", "_", `\`, "_", "..", "_", "\x00", "_")
	name := r.Replace(id)
	if name == reservedIndexKey || name == "" || name == "." {
		return "", false
	}
	return name, true
}
