package weeabot

import "sync"

// requestLocks serializes work on a single request. Each key has its own
// mutex, created on first use and released once no goroutine holds or
// waits on it.
type requestLocks struct {
	mu    sync.Mutex
	locks map[string]*requestLock
}

type requestLock struct {
	mu   sync.Mutex
	refs int
}

func newRequestLocks() *requestLocks {
	return &requestLocks{locks: map[string]*requestLock{}}
}

// Lock blocks until messageID's lock is held, and returns the function
// releasing it. The returned function is safe to call more than once.
func (l *requestLocks) Lock(messageID string) func() {
	l.mu.Lock()
	lock, ok := l.locks[messageID]
	if !ok {
		lock = &requestLock{}
		l.locks[messageID] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(
			func() {
				lock.mu.Unlock()

				l.mu.Lock()
				lock.refs--
				if lock.refs == 0 {
					delete(l.locks, messageID)
				}
				l.mu.Unlock()
			},
		)
	}
}

// Len returns the number of keys currently locked or waited on.
func (l *requestLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
