package client

import (
	"context"
	"fmt"

	"github.com/TheMichaelB/chatvault/internal/adapters"
	"github.com/TheMichaelB/chatvault/internal/config"
	"github.com/TheMichaelB/chatvault/internal/events"
	"github.com/TheMichaelB/chatvault/internal/transport"
)

// remote is whichever backend the config selects.
type remote struct {
	transport.RemoteAPI
	subscriber transport.ChangeSubscriber
	close      func() error
}

func (r remote) feed() transport.ChangeSubscriber {
	return r.subscriber
}

func (r remote) Close() error {
	if r.close == nil {
		return nil
	}
	return r.close()
}

func newRemote(ctx context.Context, cfg *config.Config, tokens transport.TokenSource, logger *events.Logger) (remote, error) {
	switch cfg.Remote.Backend {
	case "", "http":
		t := transport.NewTransport(&cfg.API, tokens, logger)
		return remote{RemoteAPI: t, subscriber: t, close: t.Close}, nil

	case "s3":
		// The bucket has no change feed; background sync falls back to polling.
		logger.WithField("bucket", cfg.Remote.S3Bucket).Info("Initializing S3 remote")
		s3, err := adapters.NewS3Remote(ctx, &cfg.Remote, logger)
		if err != nil {
			return remote{}, fmt.Errorf("create s3 remote: %w", err)
		}
		return remote{RemoteAPI: s3}, nil

	default:
		return remote{}, fmt.Errorf("unknown remote backend: %s", cfg.Remote.Backend)
	}
}
