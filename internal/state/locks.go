package state

import (
	"sync"
	"sync/atomic"
	"time"
)

// scopeLocks hands out one mutex per scope.
type scopeLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newScopeLocks() *scopeLocks {
	return &scopeLocks{locks: make(map[string]*sync.Mutex)}
}

const (
	waiting int32 = iota
	acquired
	abandoned
)

func (l *scopeLocks) acquire(scope string, timeout time.Duration) (UnlockFunc, error) {
	l.mu.Lock()
	lock, exists := l.locks[scope]
	if !exists {
		lock = &sync.Mutex{}
		l.locks[scope] = lock
	}
	l.mu.Unlock()

	if lock.TryLock() {
		return lock.Unlock, nil
	}

	var status atomic.Int32
	done := make(chan struct{})
	go func() {
		lock.Lock()
		if !status.CompareAndSwap(waiting, acquired) {
			lock.Unlock()
			return
		}
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return lock.Unlock, nil
	case <-timer.C:
		if status.CompareAndSwap(waiting, abandoned) {
			return nil, ErrStateLocked
		}
		<-done
		return lock.Unlock, nil
	}
}
