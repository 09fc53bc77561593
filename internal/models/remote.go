package models

import "time"

// RemoteRecord is a record as the remote store holds it. Content is the
// encrypted payload and is only present when requested.
type RemoteRecord struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"project_id,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
	SyncVersion   int       `json:"sync_version"`
	FormatVersion int       `json:"format_version"`
	Content       []byte    `json:"content,omitempty"`
}

// ListOptions filters a remote listing.
type ListOptions struct {
	ProjectID    string     // empty lists every project
	Cursor       string     // opaque page cursor
	Limit        int        // page size
	WithContent  bool       // inline encrypted content
	ChangedSince *time.Time // only records updated strictly after
}

// RecordPage is one page of a remote listing.
type RecordPage struct {
	Records    []RemoteRecord `json:"records"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// SyncStatus is the remote checkpoint used by delta sync.
type SyncStatus struct {
	Count       int       `json:"count"`
	LastUpdated time.Time `json:"last_updated"`
}

// Tombstone records a remote deletion.
type Tombstone struct {
	ID        string    `json:"id"`
	DeletedAt time.Time `json:"deleted_at"`
}

// Change notification types.
const (
	ChangeUpdated = "updated"
	ChangeDeleted = "deleted"
	ChangeKeys    = "keys"
)

// ChangeNotification is pushed by the remote when another device writes.
type ChangeNotification struct {
	Type      string    `json:"type"`
	RecordID  string    `json:"record_id,omitempty"`
	ProjectID string    `json:"project_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
