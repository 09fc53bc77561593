package sync

import "sync"

// StreamTracker records which chats are receiving a streamed reply. Uploads
// of a streaming chat are deferred until the stream ends.
type StreamTracker struct {
	mu     sync.Mutex
	active map[string]*stream
}

type stream struct {
	done     chan struct{}
	deferred bool
}

// NewStreamTracker creates an empty tracker.
func NewStreamTracker() *StreamTracker {
	return &StreamTracker{active: make(map[string]*stream)}
}

// Begin marks id as streaming. Nested calls are ignored.
func (t *StreamTracker) Begin(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[id]; !ok {
		t.active[id] = &stream{done: make(chan struct{})}
	}
}

// End clears the streaming mark and reports whether an upload was deferred.
func (t *StreamTracker) End(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.active[id]
	if !ok {
		return false
	}
	delete(t.active, id)
	close(s.done)
	return s.deferred
}

// IsStreaming reports whether id is streaming.
func (t *StreamTracker) IsStreaming(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[id]
	return ok
}

// Defer records that an upload of id was postponed. It returns false when
// id is not streaming.
func (t *StreamTracker) Defer(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.active[id]
	if !ok {
		return false
	}
	s.deferred = true
	return true
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Done returns a channel closed when id stops streaming.
func (t *StreamTracker) Done(id string) <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.active[id]; ok {
		return s.done
	}
	return closedChan
}
