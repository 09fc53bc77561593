package models

import (
	"fmt"
	"strings"
	"time"
)

// SyncState tracks delta-sync checkpoints and pending deletions for one scope.
type SyncState struct {
	Scope             string               `json:"scope"`
	RecordCount       int                  `json:"record_count"`
	LastUpdated       time.Time            `json:"last_updated"`
	GlobalLastUpdated time.Time            `json:"global_last_updated"`
	LastDeletionCheck time.Time            `json:"last_deletion_check"`
	LastFullSync      time.Time            `json:"last_full_sync"`
	PendingDeletions  map[string]time.Time `json:"pending_deletions"`
	LastError         string               `json:"last_error,omitempty"`
}

// NewSyncState creates an empty sync state.
func NewSyncState(scope string) *SyncState {
	return &SyncState{
		Scope:            scope,
		PendingDeletions: make(map[string]time.Time),
	}
}

// Checkpoint stores the remote status seen by the last successful pass.
func (s *SyncState) Checkpoint(status SyncStatus) {
	s.RecordCount = status.Count
	s.LastUpdated = status.LastUpdated
}

// Matches reports whether the remote status equals the stored checkpoint.
func (s *SyncState) Matches(status SyncStatus) bool {
	return s.RecordCount == status.Count && s.LastUpdated.Equal(status.LastUpdated)
}

// HasCheckpoint reports whether any pass has completed.
func (s *SyncState) HasCheckpoint() bool {
	return !s.LastFullSync.IsZero()
}

// TrackDeletion records a local deletion awaiting remote confirmation.
func (s *SyncState) TrackDeletion(id string, at time.Time) {
	if s.PendingDeletions == nil {
		s.PendingDeletions = make(map[string]time.Time)
	}
	s.PendingDeletions[id] = at
}

// ClearDeletion forgets a confirmed deletion.
func (s *SyncState) ClearDeletion(id string) {
	delete(s.PendingDeletions, id)
}

// IsPendingDeletion reports whether id was deleted locally and not yet confirmed.
func (s *SyncState) IsPendingDeletion(id string) bool {
	_, ok := s.PendingDeletions[id]
	return ok
}

// PendingDeletionIDs returns the tracked ids.
func (s *SyncState) PendingDeletionIDs() []string {
	ids := make([]string, 0, len(s.PendingDeletions))
	for id := range s.PendingDeletions {
		ids = append(ids, id)
	}
	return ids
}

// PruneDeletions drops tracker entries older than cutoff and returns how many.
func (s *SyncState) PruneDeletions(cutoff time.Time) int {
	n := 0
	for id, at := range s.PendingDeletions {
		if at.Before(cutoff) {
			delete(s.PendingDeletions, id)
			n++
		}
	}
	return n
}

// SetError sets the last error message.
func (s *SyncState) SetError(err error) {
	if err != nil {
		s.LastError = err.Error()
	} else {
		s.LastError = ""
	}
}

// Validate validates the sync state structure.
func (s *SyncState) Validate() error {
	if strings.TrimSpace(s.Scope) == "" {
		return fmt.Errorf("scope is required")
	}

	if s.RecordCount < 0 {
		return fmt.Errorf("record count cannot be negative")
	}

	if s.PendingDeletions == nil {
		return fmt.Errorf("pending deletions map cannot be nil")
	}

	for id := range s.PendingDeletions {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("pending deletion with empty id")
		}
	}

	return nil
}

// Clone returns a deep copy.
func (s *SyncState) Clone() *SyncState {
	c := *s
	c.PendingDeletions = make(map[string]time.Time, len(s.PendingDeletions))
	for k, v := range s.PendingDeletions {
		c.PendingDeletions[k] = v
	}
	return &c
}
