package transport

import (
	"context"
	"time"

	"github.com/TheMichaelB/chatvault/internal/models"
)

// RemoteAPI is the record and credential surface the sync engine and key
// recovery consume. Implementations return models.ErrAuthenticationRequired
// when no bearer token is available and wrap transport failures in
// models.ErrNetwork.
type RemoteAPI interface {
	CreateID(ctx context.Context) (string, error)
	UploadRecord(ctx context.Context, record models.RemoteRecord) (*models.RemoteRecord, error)
	GetRecord(ctx context.Context, id string) (*models.RemoteRecord, error)
	ListRecords(ctx context.Context, opts models.ListOptions) (*models.RecordPage, error)
	DeleteRecord(ctx context.Context, id string) error

	// SyncStatus reports the checkpoint for one project, or for all
	// records when projectID is empty.
	SyncStatus(ctx context.Context, projectID string) (*models.SyncStatus, error)
	DeletedSince(ctx context.Context, since time.Time) ([]models.Tombstone, error)

	GetCredentials(ctx context.Context) ([]models.PasskeyCredentialEntry, error)
	PutCredentials(ctx context.Context, entries []models.PasskeyCredentialEntry) error
}

// ChangeSubscriber streams remote change notifications.
type ChangeSubscriber interface {
	Subscribe(ctx context.Context) (<-chan models.ChangeNotification, error)
}

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns itself. The empty
// token means signed out.
type StaticToken string

// Token implements TokenSource.
func (s StaticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", models.ErrAuthenticationRequired
	}
	return string(s), nil
}
