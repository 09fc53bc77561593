package sync

import (
	"context"
	"errors"
	"time"

	"github.com/TheMichaelB/chatvault/internal/config"
	"github.com/TheMichaelB/chatvault/internal/events"
	"github.com/TheMichaelB/chatvault/internal/models"
	"github.com/TheMichaelB/chatvault/internal/transport"
)

// ErrNoChangeFeed is returned by Watch when the remote cannot push changes.
var ErrNoChangeFeed = errors.New("remote has no change feed")

// Service runs the engine in the background: periodic delta syncs and
// debounced syncs triggered by the remote change feed.
type Service struct {
	engine *Engine
	feed   transport.ChangeSubscriber
	logger *events.Logger

	interval time.Duration
	debounce time.Duration
	backoff  Backoff

	onKeysChanged func(ctx context.Context)
}

// NewService creates a sync service. feed may be nil when the remote has
// no change feed.
func NewService(engine *Engine, feed transport.ChangeSubscriber, cfg *config.SyncConfig, logger *events.Logger) *Service {
	s := &Service{
		engine:   engine,
		feed:     feed,
		logger:   logger.WithField("service", "sync"),
		interval: cfg.Interval,
		debounce: cfg.WatchDebounce,
		backoff:  Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
	}
	if s.interval <= 0 {
		s.interval = time.Minute
	}
	if s.debounce <= 0 {
		s.debounce = 2 * time.Second
	}
	return s
}

// Engine returns the underlying engine.
func (s *Service) Engine() *Engine {
	return s.engine
}

// Events returns the engine's event channel.
func (s *Service) Events() <-chan Event {
	return s.engine.Events()
}

// OnKeysChanged registers a callback for "keys" change notifications.
func (s *Service) OnKeysChanged(fn func(ctx context.Context)) {
	s.onKeysChanged = fn
}

// SyncOptions configures a sync operation.
type SyncOptions struct {
	Full bool // Full sync vs delta
}

// Sync runs one pass followed by the re-encryption queue.
func (s *Service) Sync(ctx context.Context, opts SyncOptions) (*Result, error) {
	var (
		res *Result
		err error
	)
	if opts.Full {
		res, err = s.engine.FullSync(ctx)
	} else {
		res, err = s.engine.DeltaSync(ctx)
	}
	if err != nil {
		return res, err
	}

	if n, err := s.engine.ProcessReencryptionQueue(ctx); err != nil {
		s.logger.WithError(err).Warn("Re-encryption incomplete")
	} else if n > 0 {
		s.logger.WithField("count", n).Debug("Processed re-encryption queue")
	}
	return res, nil
}

// Run syncs immediately and then every interval until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = s.interval
	}
	s.logger.WithField("interval", interval.String()).Info("Starting background sync")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.syncQuietly(ctx)

		select {
		case <-ctx.Done():
			s.logger.Info("Background sync stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Watch consumes the change feed and runs a delta sync once notifications
// stop arriving for the debounce period. It reconnects with backoff when
// the feed drops and returns only when ctx is done.
func (s *Service) Watch(ctx context.Context) error {
	if s.feed == nil {
		return ErrNoChangeFeed
	}

	attempt := 0
	for {
		notes, err := s.feed.Subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			delay := s.backoff.Delay(attempt)
			if errors.Is(err, models.ErrAuthenticationRequired) {
				delay = s.interval
			}
			attempt++
			s.logger.WithError(err).WithField("retry_in", delay.String()).Warn("Change feed unavailable")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		s.logger.Info("Watching for remote changes")
		if err := s.consume(ctx, notes); err != nil {
			return err
		}
		s.logger.Warn("Change feed closed, reconnecting")
	}
}

func (s *Service) consume(ctx context.Context, notes <-chan models.ChangeNotification) error {
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	stop := func() {
		if timer != nil {
			timer.Stop()
		}
		timer, fire = nil, nil
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case note, ok := <-notes:
			if !ok {
				return nil
			}
			s.logger.WithFields(map[string]interface{}{
				"type":      note.Type,
				"record_id": note.RecordID,
			}).Debug("Change notification")

			if note.Type == models.ChangeKeys {
				if s.onKeysChanged != nil {
					s.onKeysChanged(ctx)
				}
				continue
			}
			stop()
			timer = time.NewTimer(s.debounce)
			fire = timer.C

		case <-fire:
			timer, fire = nil, nil
			s.syncQuietly(ctx)
		}
	}
}

func (s *Service) syncQuietly(ctx context.Context) {
	res, err := s.Sync(ctx, SyncOptions{})
	switch {
	case errors.Is(err, models.ErrSyncInProgress):
		s.logger.Debug("Sync already running, skipping")
	case err != nil:
		if ctx.Err() == nil {
			s.logger.WithError(err).Error("Background sync failed")
		}
	case res != nil && len(res.Errors) > 0:
		s.logger.WithField("errors", len(res.Errors)).Warn("Background sync finished with errors")
	}
}
