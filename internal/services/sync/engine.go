package sync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheMichaelB/chatvault/internal/config"
	"github.com/TheMichaelB/chatvault/internal/events"
	"github.com/TheMichaelB/chatvault/internal/models"
	"github.com/TheMichaelB/chatvault/internal/state"
	"github.com/TheMichaelB/chatvault/internal/storage"
	"github.com/TheMichaelB/chatvault/internal/transport"
)

// Engine keeps one RecordStore convergent with the remote store.
type Engine struct {
	remote transport.RemoteAPI
	tokens transport.TokenSource
	store  *storage.RecordStore
	state  state.Store
	logger *events.Logger
	opts   Options

	syncable func(*models.ChatRecord) bool
	now      func() time.Time

	coalescer *Coalescer
	streams   *StreamTracker
	uploads   atomic.Int64

	eventsMu     sync.Mutex
	events       chan Event
	eventsClosed bool

	mu        sync.Mutex
	syncing   bool
	pending   map[string]struct{} // mirror of the deletion tracker, nil until loaded
	reencrypt []string
	queued    map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// Event represents a sync event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	RecordID  string
	Error     error
	Result    *Result
}

// EventType defines sync event types.
type EventType string

const (
	EventStarted     EventType = "started"
	EventUploaded    EventType = "uploaded"
	EventDownloaded  EventType = "downloaded"
	EventQuarantined EventType = "quarantined"
	EventRestored    EventType = "restored"
	EventDeleted     EventType = "deleted"
	EventMoved       EventType = "moved"
	EventCompleted   EventType = "completed"
	EventFailed      EventType = "failed"
)

// Options tune the engine.
type Options struct {
	Concurrency    int
	PageSize       int
	MaxPages       int // pages pulled by a full sync; negative means all
	UploadRetries  int
	Backoff        Backoff
	DeletionWindow time.Duration
	ProjectID      string // empty syncs every project
}

// OptionsFromConfig converts sync config into engine options.
func OptionsFromConfig(cfg *config.SyncConfig) Options {
	return Options{
		Concurrency:    cfg.Concurrency,
		PageSize:       cfg.PageSize,
		MaxPages:       cfg.MaxPages,
		UploadRetries:  cfg.UploadRetries,
		Backoff:        Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
		DeletionWindow: cfg.DeletionWindow,
	}
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 3
	}
	if o.PageSize <= 0 {
		o.PageSize = 50
	}
	if o.MaxPages == 0 {
		o.MaxPages = 1
	}
	if o.UploadRetries <= 0 {
		o.UploadRetries = 5
	}
	if o.DeletionWindow <= 0 {
		o.DeletionWindow = 7 * 24 * time.Hour
	}
	return o
}

// Option customizes an Engine.
type Option func(*Engine)

// WithSyncable restricts which records are uploaded.
func WithSyncable(fn func(*models.ChatRecord) bool) Option {
	return func(e *Engine) {
		if fn != nil {
			e.syncable = fn
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates a sync engine for one record store.
func NewEngine(
	remote transport.RemoteAPI,
	tokens transport.TokenSource,
	store *storage.RecordStore,
	states state.Store,
	opts Options,
	logger *events.Logger,
	options ...Option,
) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		remote: remote,
		tokens: tokens,
		store:  store,
		state:  states,
		logger: logger.WithFields(map[string]interface{}{
			"component": "sync_engine",
			"scope":     store.Scope(),
		}),
		opts:     opts.withDefaults(),
		syncable: func(*models.ChatRecord) bool { return true },
		now:      time.Now,
		streams:  NewStreamTracker(),
		events:   make(chan Event, 100),
		queued:   make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range options {
		opt(e)
	}
	e.coalescer = NewCoalescer(ctx, e.upload, e.opts.Backoff, e.opts.UploadRetries, logger)
	return e
}

// Events returns the event channel. It is closed by Close.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Store returns the record store the engine syncs.
func (e *Engine) Store() *storage.RecordStore {
	return e.store
}

// Coalescer exposes the upload coalescer.
func (e *Engine) Coalescer() *Coalescer {
	return e.coalescer
}

// Close stops background uploads and closes the event channel.
func (e *Engine) Close() error {
	e.cancel()

	e.eventsMu.Lock()
	defer e.eventsMu.Unlock()
	if !e.eventsClosed {
		close(e.events)
		e.eventsClosed = true
	}
	return nil
}

// MarkDirty schedules an upload of id.
func (e *Engine) MarkDirty(id string) {
	e.coalescer.MarkDirty(id)
}

// Backup uploads id in the background. With waitLatest it blocks until the
// upload of the newest local state has finished, which for a streaming chat
// means after the stream ends. Without a session it does nothing.
func (e *Engine) Backup(ctx context.Context, id string, waitLatest bool) error {
	if !e.authenticated(ctx) {
		return nil
	}
	e.coalescer.MarkDirty(id)
	if !waitLatest {
		return nil
	}

	if e.streams.IsStreaming(id) {
		select {
		case <-e.streams.Done(id):
		case <-ctx.Done():
			return ctx.Err()
		}
		e.coalescer.MarkDirty(id)
	}

	err := e.coalescer.Wait(ctx, id)
	if errors.Is(err, models.ErrAuthenticationRequired) {
		return nil
	}
	return err
}

// BeginStreaming marks id as receiving a streamed reply.
func (e *Engine) BeginStreaming(id string) {
	e.streams.Begin(id)
}

// EndStreaming clears the streaming mark and re-issues any deferred upload.
func (e *Engine) EndStreaming(id string) {
	if e.streams.End(id) {
		e.coalescer.MarkDirty(id)
	}
}

// IsStreaming reports whether id is receiving a streamed reply.
func (e *Engine) IsStreaming(id string) bool {
	return e.streams.IsStreaming(id)
}

// SyncState returns a copy of the persisted sync state.
func (e *Engine) SyncState() (*models.SyncState, error) {
	return e.loadState()
}

func (e *Engine) authenticated(ctx context.Context) bool {
	_, err := e.tokens.Token(ctx)
	return err == nil
}

func (e *Engine) begin() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.syncing {
		return models.ErrSyncInProgress
	}
	e.syncing = true
	return nil
}

func (e *Engine) finish() {
	e.mu.Lock()
	e.syncing = false
	e.mu.Unlock()
}

func (e *Engine) emitEvent(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = e.now()
	}

	e.eventsMu.Lock()
	defer e.eventsMu.Unlock()

	if e.eventsClosed {
		return
	}

	select {
	case e.events <- event:
	default:
		// Channel full, drop event
		e.logger.Debug("Event channel full, dropping event")
	}
}

func (e *Engine) handleError(err error) error {
	e.emitEvent(Event{
		Type:  EventFailed,
		Error: err,
	})
	return err
}

// stateScope names the state entry for this engine.
func (e *Engine) stateScope() string {
	if e.opts.ProjectID == "" {
		return e.store.Scope()
	}
	return e.store.Scope() + "-" + e.opts.ProjectID
}

func (e *Engine) loadState() (*models.SyncState, error) {
	unlock, err := e.state.Lock(e.stateScope())
	if err != nil {
		return nil, err
	}
	defer unlock()

	st, err := state.LoadOrNew(e.state, e.stateScope())
	if err != nil {
		return nil, err
	}
	e.mirrorPending(st)
	return st, nil
}

// withState runs fn on the current state and saves the result.
func (e *Engine) withState(fn func(*models.SyncState) error) error {
	unlock, err := e.state.Lock(e.stateScope())
	if err != nil {
		return err
	}
	defer unlock()

	st, err := state.LoadOrNew(e.state, e.stateScope())
	if err != nil {
		return err
	}
	if err := fn(st); err != nil {
		return err
	}
	if err := e.state.Save(e.stateScope(), st); err != nil {
		return err
	}
	e.mirrorPending(st)
	return nil
}

func (e *Engine) mirrorPending(st *models.SyncState) {
	pending := make(map[string]struct{}, len(st.PendingDeletions))
	for id := range st.PendingDeletions {
		pending[id] = struct{}{}
	}
	e.mu.Lock()
	e.pending = pending
	e.mu.Unlock()
}

func (e *Engine) isPendingDeletion(id string) bool {
	e.mu.Lock()
	loaded := e.pending != nil
	_, ok := e.pending[id]
	e.mu.Unlock()

	if loaded {
		return ok
	}
	st, err := e.loadState()
	if err != nil {
		e.logger.WithError(err).Warn("Failed to load deletion tracker")
		return false
	}
	return st.IsPendingDeletion(id)
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func isStop(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, models.ErrAuthenticationRequired)
}
