package transport

import (
	"context"

	"github.com/TheMichaelB/chatvault/internal/config"
	"github.com/TheMichaelB/chatvault/internal/events"
	"github.com/TheMichaelB/chatvault/internal/models"
)

// Transport combines the REST API and the change feed.
type Transport interface {
	RemoteAPI
	ChangeSubscriber

	// Close releases idle connections.
	Close() error
}

// DefaultTransport implements Transport over HTTP and WebSocket.
type DefaultTransport struct {
	*HTTPClient
	feed *ChangeFeed
}

// NewTransport creates a transport instance.
func NewTransport(cfg *config.APIConfig, tokens TokenSource, logger *events.Logger) *DefaultTransport {
	return &DefaultTransport{
		HTTPClient: NewHTTPClient(cfg, tokens, logger),
		feed:       NewChangeFeed(cfg.BaseURL, tokens, logger),
	}
}

// Subscribe opens the change feed.
func (t *DefaultTransport) Subscribe(ctx context.Context) (<-chan models.ChangeNotification, error) {
	return t.feed.Subscribe(ctx)
}

// Close closes idle HTTP connections.
func (t *DefaultTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
