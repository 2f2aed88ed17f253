package weeabot

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRequestLocks_Exclusive(t *testing.T) {
	t.Parallel()
	locks := newRequestLocks()

	var active atomic.Int32
	var maxActive atomic.Int32
	wg := sync.WaitGroup{}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("a")
			defer unlock()
			n := active.Add(1)
			if n > maxActive.Load() {
				maxActive.Store(n)
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive.Load())
	assert.Equal(t, 0, locks.Len())
}

func TestRequestLocks_IndependentKeys(t *testing.T) {
	t.Parallel()
	locks := newRequestLocks()

	unlockA := locks.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := locks.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("lock on another key blocked")
	}
	assert.Equal(t, 1, locks.Len())
}

func TestRequestLocks_UnlockIdempotent(t *testing.T) {
	t.Parallel()
	locks := newRequestLocks()

	unlock := locks.Lock("a")
	unlock()
	unlock()
	assert.Equal(t, 0, locks.Len())

	// a double unlock must not release a lock taken since
	unlock2 := locks.Lock("a")
	unlock()

	acquired := make(chan struct{})
	go func() {
		u := locks.Lock("a")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	case <-time.After(50 * time.Millisecond):
	}
	unlock2()

	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("lock not acquired after release")
	}
}
