package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/TheMichaelB/chatvault/internal/events"
	"github.com/TheMichaelB/chatvault/internal/models"
)

// UploadFunc uploads the current local state of one record.
type UploadFunc func(ctx context.Context, id string) error

// RetryHook observes a scheduled retry.
type RetryHook func(id string, attempt int, delay time.Duration)

// Coalescer keeps at most one upload in flight per record. Marking a record
// dirty while its upload runs schedules exactly one follow-up upload of the
// newest data, however many marks arrive.
type Coalescer struct {
	mu      sync.Mutex
	entries map[string]*uploadEntry

	upload     UploadFunc
	backoff    Backoff
	maxRetries int
	onRetry    RetryHook
	logger     *events.Logger

	ctx context.Context
}

type uploadEntry struct {
	dirty   bool
	running bool
	kick    chan struct{}
	done    chan struct{}
	lastErr error
}

// NewCoalescer creates a coalescer whose workers stop when ctx is done.
func NewCoalescer(ctx context.Context, upload UploadFunc, backoff Backoff, maxRetries int, logger *events.Logger) *Coalescer {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Coalescer{
		entries:    make(map[string]*uploadEntry),
		upload:     upload,
		backoff:    backoff,
		maxRetries: maxRetries,
		logger:     logger.WithField("component", "upload_coalescer"),
		ctx:        ctx,
	}
}

// OnRetry installs a hook called before each backoff sleep.
func (c *Coalescer) OnRetry(hook RetryHook) {
	c.mu.Lock()
	c.onRetry = hook
	c.mu.Unlock()
}

// MarkDirty schedules an upload of id.
func (c *Coalescer) MarkDirty(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		e = &uploadEntry{kick: make(chan struct{}, 1)}
		c.entries[id] = e
	}
	e.dirty = true

	if e.running {
		select {
		case e.kick <- struct{}{}:
		default:
		}
		return
	}

	e.running = true
	e.done = make(chan struct{})
	go c.run(id, e)
}

// IsDirty reports whether id has changes not yet picked up by an upload.
func (c *Coalescer) IsDirty(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	return ok && e.dirty
}

// InFlight returns the number of records with a running worker.
func (c *Coalescer) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if e.running {
			n++
		}
	}
	return n
}

// Wait blocks until no upload of id is pending and returns the error of the
// last attempt.
func (c *Coalescer) Wait(ctx context.Context, id string) error {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok || !e.running {
		var err error
		if ok {
			err = e.lastErr
		}
		c.mu.Unlock()
		return err
	}
	done := e.done
	c.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return e.lastErr
}

func (c *Coalescer) run(id string, e *uploadEntry) {
	for {
		c.mu.Lock()
		if !e.dirty || c.ctx.Err() != nil {
			e.running = false
			close(e.done)
			if e.lastErr == nil && !e.dirty {
				delete(c.entries, id)
			}
			c.mu.Unlock()
			return
		}
		e.dirty = false
		select {
		case <-e.kick:
		default:
		}
		c.mu.Unlock()

		err := c.attempt(id, e)

		c.mu.Lock()
		e.lastErr = err
		c.mu.Unlock()
	}
}

// attempt uploads with retries. A new mark during the backoff sleep ends the
// attempt early; the caller loop then uploads the newer data.
func (c *Coalescer) attempt(id string, e *uploadEntry) error {
	logger := c.logger.WithField("record_id", id)

	for attempt := 0; ; attempt++ {
		err := c.upload(c.ctx, id)
		if err == nil {
			return nil
		}

		switch {
		case errors.Is(err, models.ErrAuthenticationRequired):
			logger.Debug("Upload skipped: not authenticated")
			return err
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		case !models.IsTransient(err):
			logger.WithError(err).Warn("Upload failed")
			return err
		case attempt+1 >= c.maxRetries:
			logger.WithError(err).WithField("attempts", attempt+1).Warn("Upload failed, giving up")
			return err
		}

		delay := c.backoff.Delay(attempt)
		c.mu.Lock()
		hook := c.onRetry
		c.mu.Unlock()
		if hook != nil {
			hook(id, attempt+1, delay)
		}
		logger.WithFields(map[string]interface{}{
			"attempt": attempt + 1,
			"delay":   delay.String(),
		}).Debug("Retrying upload")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-e.kick:
			timer.Stop()
			c.mu.Lock()
			e.dirty = true
			c.mu.Unlock()
			return err
		case <-c.ctx.Done():
			timer.Stop()
			return c.ctx.Err()
		}
	}
}
