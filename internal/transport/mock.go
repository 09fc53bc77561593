package transport

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TheMichaelB/chatvault/internal/models"
)

// Operation names used for failure injection and call counting.
const (
	OpCreateID       = "create_id"
	OpUpload         = "upload"
	OpGet            = "get"
	OpList           = "list"
	OpDelete         = "delete"
	OpSyncStatus     = "sync_status"
	OpDeletedSince   = "deleted_since"
	OpGetCredentials = "get_credentials"
	OpPutCredentials = "put_credentials"
	OpSubscribe      = "subscribe"
)

// MockRemote is an in-memory RemoteAPI for tests.
type MockRemote struct {
	mu sync.Mutex

	records     map[string]models.RemoteRecord
	tombstones  map[string]time.Time
	credentials []models.PasskeyCredentialEntry

	errors     map[string]error
	errorCount map[string]int
	calls      map[string]int
	uploads    []models.RemoteRecord

	uploadHook  func(ctx context.Context, record models.RemoteRecord) error
	subscribers []chan models.ChangeNotification
	now         func() time.Time
}

// NewMockRemote creates an empty mock remote.
func NewMockRemote() *MockRemote {
	return &MockRemote{
		records:    make(map[string]models.RemoteRecord),
		tombstones: make(map[string]time.Time),
		errors:     make(map[string]error),
		errorCount: make(map[string]int),
		calls:      make(map[string]int),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// begin counts the call and returns any injected error.
func (m *MockRemote) begin(op string) error {
	m.calls[op]++
	err, ok := m.errors[op]
	if !ok {
		return nil
	}
	if n := m.errorCount[op]; n > 0 {
		if n == 1 {
			delete(m.errors, op)
			delete(m.errorCount, op)
		} else {
			m.errorCount[op] = n - 1
		}
	}
	return err
}

// CreateID mints a uuid.
func (m *MockRemote) CreateID(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpCreateID); err != nil {
		return "", err
	}
	return uuid.NewString(), nil
}

// UploadRecord stores record, stamping the server-side update time.
func (m *MockRemote) UploadRecord(ctx context.Context, record models.RemoteRecord) (*models.RemoteRecord, error) {
	m.mu.Lock()
	if err := m.begin(OpUpload); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	hook := m.uploadHook
	m.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, record); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	record.Content = append([]byte(nil), record.Content...)
	record.UpdatedAt = m.now()
	if prev, ok := m.records[record.ID]; ok && !record.UpdatedAt.After(prev.UpdatedAt) {
		record.UpdatedAt = prev.UpdatedAt.Add(time.Millisecond)
	}
	m.records[record.ID] = record
	delete(m.tombstones, record.ID)
	m.uploads = append(m.uploads, record)

	stored := record
	stored.Content = nil
	return &stored, nil
}

// GetRecord returns one record with content.
func (m *MockRemote) GetRecord(ctx context.Context, id string) (*models.RemoteRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpGet); err != nil {
		return nil, err
	}
	rec, ok := m.records[id]
	if !ok {
		return nil, &models.APIError{StatusCode: 404, Code: models.ErrCodeNotFound, Message: "record not found"}
	}
	rec.Content = append([]byte(nil), rec.Content...)
	return &rec, nil
}

// ListRecords pages through records newest first. The cursor is an offset.
func (m *MockRemote) ListRecords(ctx context.Context, opts models.ListOptions) (*models.RecordPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpList); err != nil {
		return nil, err
	}

	var matched []models.RemoteRecord
	for _, rec := range m.records {
		if opts.ProjectID != "" && rec.ProjectID != opts.ProjectID {
			continue
		}
		if opts.ChangedSince != nil && !rec.UpdatedAt.After(*opts.ChangedSince) {
			continue
		}
		if opts.WithContent {
			rec.Content = append([]byte(nil), rec.Content...)
		} else {
			rec.Content = nil
		}
		matched = append(matched, rec)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	offset := 0
	if opts.Cursor != "" {
		n, err := strconv.Atoi(opts.Cursor)
		if err != nil || n < 0 {
			return nil, &models.APIError{StatusCode: 400, Code: models.ErrCodeValidation, Message: "bad cursor"}
		}
		offset = n
	}
	if offset > len(matched) {
		offset = len(matched)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	end := offset + limit
	page := &models.RecordPage{}
	if end < len(matched) {
		page.NextCursor = strconv.Itoa(end)
	} else {
		end = len(matched)
	}
	page.Records = matched[offset:end]
	return page, nil
}

// DeleteRecord removes a record and leaves a tombstone.
func (m *MockRemote) DeleteRecord(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpDelete); err != nil {
		return err
	}
	if _, ok := m.records[id]; !ok {
		return &models.APIError{StatusCode: 404, Code: models.ErrCodeNotFound, Message: "record not found"}
	}
	delete(m.records, id)
	m.tombstones[id] = m.now()
	return nil
}

// SyncStatus returns the count and newest update time.
func (m *MockRemote) SyncStatus(ctx context.Context, projectID string) (*models.SyncStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpSyncStatus); err != nil {
		return nil, err
	}
	status := &models.SyncStatus{}
	for _, rec := range m.records {
		if projectID != "" && rec.ProjectID != projectID {
			continue
		}
		status.Count++
		if rec.UpdatedAt.After(status.LastUpdated) {
			status.LastUpdated = rec.UpdatedAt
		}
	}
	return status, nil
}

// DeletedSince lists tombstones newer than since.
func (m *MockRemote) DeletedSince(ctx context.Context, since time.Time) ([]models.Tombstone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpDeletedSince); err != nil {
		return nil, err
	}
	var out []models.Tombstone
	for id, at := range m.tombstones {
		if at.After(since) {
			out = append(out, models.Tombstone{ID: id, DeletedAt: at})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetCredentials returns a copy of the credential array.
func (m *MockRemote) GetCredentials(ctx context.Context) ([]models.PasskeyCredentialEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpGetCredentials); err != nil {
		return nil, err
	}
	return append([]models.PasskeyCredentialEntry(nil), m.credentials...), nil
}

// PutCredentials replaces the credential array.
func (m *MockRemote) PutCredentials(ctx context.Context, entries []models.PasskeyCredentialEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpPutCredentials); err != nil {
		return err
	}
	m.credentials = append([]models.PasskeyCredentialEntry(nil), entries...)
	return nil
}

// Subscribe returns a channel fed by Notify until ctx ends.
func (m *MockRemote) Subscribe(ctx context.Context) (<-chan models.ChangeNotification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpSubscribe); err != nil {
		return nil, err
	}
	ch := make(chan models.ChangeNotification, 16)
	m.subscribers = append(m.subscribers, ch)
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, sub := range m.subscribers {
			if sub == ch {
				m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
				close(ch)
				break
			}
		}
	}()
	return ch, nil
}

// Helper methods for test setup

// Notify delivers note to every subscriber.
func (m *MockRemote) Notify(note models.ChangeNotification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subscribers {
		select {
		case sub <- note:
		default:
		}
	}
}

// Subscribers returns the number of open subscriptions.
func (m *MockRemote) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscribers)
}

// Put stores a record as-is, keeping its UpdatedAt.
func (m *MockRemote) Put(record models.RemoteRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record.Content = append([]byte(nil), record.Content...)
	m.records[record.ID] = record
}

// Record returns the stored record.
func (m *MockRemote) Record(id string) (models.RemoteRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	return rec, ok
}

// RecordCount returns the number of live records.
func (m *MockRemote) RecordCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// AddTombstone records a deletion made by another device.
func (m *MockRemote) AddTombstone(id string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	m.tombstones[id] = at
}

// SetError makes op fail with err. times <= 0 fails until cleared.
func (m *MockRemote) SetError(op string, err error, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errors, op)
		delete(m.errorCount, op)
		return
	}
	m.errors[op] = err
	m.errorCount[op] = times
}

// SetUploadHook runs fn before each upload is stored. A non-nil error fails the upload.
func (m *MockRemote) SetUploadHook(fn func(ctx context.Context, record models.RemoteRecord) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadHook = fn
}

// SetClock overrides the server clock.
func (m *MockRemote) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Calls returns how many times op was invoked.
func (m *MockRemote) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Uploads returns every stored upload in order.
func (m *MockRemote) Uploads() []models.RemoteRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.RemoteRecord(nil), m.uploads...)
}

// UploadsFor returns the uploads of one record.
func (m *MockRemote) UploadsFor(id string) []models.RemoteRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.RemoteRecord
	for _, u := range m.uploads {
		if u.ID == id {
			out = append(out, u)
		}
	}
	return out
}

// Credentials returns the stored credential array.
func (m *MockRemote) Credentials() []models.PasskeyCredentialEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.PasskeyCredentialEntry(nil), m.credentials...)
}

// SetCredentials seeds the credential array.
func (m *MockRemote) SetCredentials(entries []models.PasskeyCredentialEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials = append([]models.PasskeyCredentialEntry(nil), entries...)
}

// String summarises the mock for test failure output.
func (m *MockRemote) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("MockRemote{records: %d, tombstones: %d, credentials: %d}",
		len(m.records), len(m.tombstones), len(m.credentials))
}

var _ RemoteAPI = (*MockRemote)(nil)
var _ ChangeSubscriber = (*MockRemote)(nil)
