package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Record format versions as persisted in FormatVersion.
const (
	FormatV0 = 0
	FormatV1 = 1
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Where quarantined ciphertext came from. A local copy may hold edits that
// never reached the remote, so it is only replaced by content that decrypts.
const (
	QuarantineRemote = "remote"
	QuarantineLocal  = "local"
)

// Message is one turn of a chat.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatRecord is the encrypted unit of storage and sync.
type ChatRecord struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ModelType string    `json:"model_type,omitempty"`
	Language  string    `json:"language,omitempty"`
	ProjectID string    `json:"project_id,omitempty"`

	// Sync bookkeeping
	SyncVersion           int        `json:"sync_version"`
	SyncedAt              *time.Time `json:"synced_at,omitempty"`
	LocallyModified       bool       `json:"locally_modified"`
	DecryptionFailed      bool       `json:"decryption_failed"`
	QuarantinedCiphertext []byte     `json:"quarantined_ciphertext,omitempty"`
	QuarantineOrigin      string     `json:"quarantine_origin,omitempty"`
	FormatVersion         int        `json:"format_version"`
}

// NewChatRecord creates a locally modified, never synced record.
func NewChatRecord(id, title string, now time.Time) *ChatRecord {
	return &ChatRecord{
		ID:              id,
		Title:           title,
		Messages:        []Message{},
		CreatedAt:       now,
		UpdatedAt:       now,
		LocallyModified: true,
		FormatVersion:   FormatV1,
	}
}

// Validate checks the fields every stored or received record must carry.
func (r *ChatRecord) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRecord)
	}
	if r.SyncVersion < 0 {
		return fmt.Errorf("%w: sync version cannot be negative", ErrInvalidRecord)
	}
	if r.DecryptionFailed && len(r.QuarantinedCiphertext) == 0 {
		return fmt.Errorf("%w: quarantined record without ciphertext", ErrInvalidRecord)
	}
	return nil
}

// Clone returns a deep copy.
func (r *ChatRecord) Clone() *ChatRecord {
	c := *r
	c.Messages = append([]Message(nil), r.Messages...)
	if r.SyncedAt != nil {
		t := *r.SyncedAt
		c.SyncedAt = &t
	}
	if r.QuarantinedCiphertext != nil {
		c.QuarantinedCiphertext = append([]byte(nil), r.QuarantinedCiphertext...)
	}
	return &c
}

// SameContent reports whether r and o carry the same chat content, ignoring
// sync bookkeeping.
func (r *ChatRecord) SameContent(o *ChatRecord) bool {
	if r.ID != o.ID || r.Title != o.Title || r.ModelType != o.ModelType ||
		r.Language != o.Language || r.ProjectID != o.ProjectID ||
		!r.CreatedAt.Equal(o.CreatedAt) || !r.UpdatedAt.Equal(o.UpdatedAt) ||
		len(r.Messages) != len(o.Messages) {
		return false
	}
	for i, m := range r.Messages {
		n := o.Messages[i]
		if m.ID != n.ID || m.Role != n.Role || m.Content != n.Content || !m.CreatedAt.Equal(n.CreatedAt) {
			return false
		}
	}
	return true
}

// Touch records a local mutation.
func (r *ChatRecord) Touch(now time.Time) {
	r.UpdatedAt = now
	r.LocallyModified = true
}

// AppendMessage adds a message and marks the record modified.
func (r *ChatRecord) AppendMessage(msg Message) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	r.Messages = append(r.Messages, msg)
	r.Touch(msg.CreatedAt)
}

// NeedsUpload reports whether the record has changes the remote has not seen.
func (r *ChatRecord) NeedsUpload() bool {
	if r.DecryptionFailed {
		return false
	}
	return r.LocallyModified || r.SyncedAt == nil
}

// Quarantine replaces the content with a placeholder that keeps the ciphertext.
func Quarantine(id string, ciphertext []byte, formatVersion int) *ChatRecord {
	return &ChatRecord{
		ID:                    id,
		Title:                 "Unable to decrypt chat",
		Messages:              []Message{},
		DecryptionFailed:      true,
		QuarantinedCiphertext: append([]byte(nil), ciphertext...),
		FormatVersion:         formatVersion,
	}
}

// SyncPayload is the copy that gets encrypted for the remote: no local bookkeeping.
func (r *ChatRecord) SyncPayload() *ChatRecord {
	c := r.Clone()
	c.SyncedAt = nil
	c.LocallyModified = false
	c.DecryptionFailed = false
	c.QuarantinedCiphertext = nil
	c.QuarantineOrigin = ""
	return c
}

// HoldsLocalCiphertext reports whether the record is a placeholder for this
// device's own undecryptable file.
func (r *ChatRecord) HoldsLocalCiphertext() bool {
	return r.DecryptionFailed && r.QuarantineOrigin == QuarantineLocal
}

// Index projects the record into its index entry.
func (r *ChatRecord) Index() IndexEntry {
	e := IndexEntry{
		ID:               r.ID,
		Title:            r.Title,
		ProjectID:        r.ProjectID,
		UpdatedAt:        r.UpdatedAt,
		LocallyModified:  r.LocallyModified,
		DecryptionFailed: r.DecryptionFailed,
		SyncVersion:      r.SyncVersion,
	}
	if r.SyncedAt != nil {
		t := *r.SyncedAt
		e.SyncedAt = &t
	}
	return e
}

// IndexEntry is the metadata kept for listing without decrypting records.
type IndexEntry struct {
	ID               string     `json:"id"`
	Title            string     `json:"title,omitempty"`
	ProjectID        string     `json:"project_id,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
	SyncedAt         *time.Time `json:"synced_at,omitempty"`
	LocallyModified  bool       `json:"locally_modified"`
	DecryptionFailed bool       `json:"decryption_failed,omitempty"`
	SyncVersion      int        `json:"sync_version"`
}

// SortIndex orders entries newest first, ties broken by id.
func SortIndex(entries []IndexEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].UpdatedAt.Equal(entries[j].UpdatedAt) {
			return entries[i].UpdatedAt.After(entries[j].UpdatedAt)
		}
		return entries[i].ID < entries[j].ID
	})
}

// NonBlank accepts records that carry a title or any non-empty message.
func NonBlank(r *ChatRecord) bool {
	if strings.TrimSpace(r.Title) != "" {
		return true
	}
	for _, m := range r.Messages {
		if strings.TrimSpace(m.Content) != "" {
			return true
		}
	}
	return false
}
