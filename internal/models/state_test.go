package models_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/TheMichaelB/chatvault/internal/models"
)

func TestNewSyncState(t *testing.T) {
	got := models.NewSyncState("cloud")

	assert.Equal(t, "cloud", got.Scope)
	assert.NotNil(t, got.PendingDeletions)
	assert.Empty(t, got.PendingDeletions)
	assert.False(t, got.HasCheckpoint())
	assert.NoError(t, got.Validate())
}

func TestSyncStateCheckpoint(t *testing.T) {
	s := models.NewSyncState("cloud")
	status := models.SyncStatus{Count: 4, LastUpdated: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}

	assert.False(t, s.Matches(status))
	s.Checkpoint(status)
	assert.True(t, s.Matches(status))

	status.Count++
	assert.False(t, s.Matches(status))
}

func TestSyncStateDeletions(t *testing.T) {
	s := models.NewSyncState("cloud")
	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()

	s.TrackDeletion("a", old)
	s.TrackDeletion("b", recent)

	assert.True(t, s.IsPendingDeletion("a"))
	assert.ElementsMatch(t, []string{"a", "b"}, s.PendingDeletionIDs())

	pruned := s.PruneDeletions(time.Now().Add(-24 * time.Hour))
	assert.Equal(t, 1, pruned)
	assert.False(t, s.IsPendingDeletion("a"))

	s.ClearDeletion("b")
	assert.Empty(t, s.PendingDeletions)
}

func TestSyncStateValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*models.SyncState)
		wantErr string
	}{
		{"valid", func(s *models.SyncState) {}, ""},
		{"missing scope", func(s *models.SyncState) { s.Scope = " " }, "scope is required"},
		{"negative count", func(s *models.SyncState) { s.RecordCount = -1 }, "record count"},
		{"nil map", func(s *models.SyncState) { s.PendingDeletions = nil }, "pending deletions map"},
		{"empty id", func(s *models.SyncState) { s.PendingDeletions[""] = time.Now() }, "empty id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := models.NewSyncState("cloud")
			tt.modify(s)
			err := s.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestSyncStateClone(t *testing.T) {
	s := models.NewSyncState("cloud")
	s.TrackDeletion("x", time.Now())

	c := s.Clone()
	c.ClearDeletion("x")

	assert.True(t, s.IsPendingDeletion("x"))
}
