package scheduling

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// doctorLocks serializes booking writes per doctor. Each doctor gets a
// one-slot channel used as a mutex so that waiting honours ctx; entries are
// reference counted and dropped once nobody holds or waits for them.
type doctorLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*doctorLock
}

type doctorLock struct {
	ch   chan struct{}
	refs int
}

func newDoctorLocks() *doctorLocks {
	return &doctorLocks{locks: make(map[uuid.UUID]*doctorLock)}
}

// Lock blocks until the doctor's lock is held or ctx is done. The returned
// function releases the lock and must be called exactly once.
func (l *doctorLocks) Lock(ctx context.Context, doctorID uuid.UUID) (func(), error) {
	l.mu.Lock()
	dl, ok := l.locks[doctorID]
	if !ok {
		dl = &doctorLock{ch: make(chan struct{}, 1)}
		l.locks[doctorID] = dl
	}
	dl.refs++
	l.mu.Unlock()

	select {
	case dl.ch <- struct{}{}:
		return func() {
			<-dl.ch
			l.release(doctorID, dl)
		}, nil
	case <-ctx.Done():
		l.release(doctorID, dl)
		return nil, ctx.Err()
	}
}

func (l *doctorLocks) release(doctorID uuid.UUID, dl *doctorLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	dl.refs--
	if dl.refs == 0 {
		delete(l.locks, doctorID)
	}
}

func (l *doctorLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
