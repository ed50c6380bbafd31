package scheduler

import (
	"log"

	"github.com/gofrs/flock"
)

// leaderLock is a non-blocking exclusive file lock. Only the holder fires
// triggers; other processes keep retrying on each tick.
type leaderLock struct {
	fl     *flock.Flock
	held   bool
	warned bool
}

func newLeaderLock(path string) *leaderLock {
	return &leaderLock{fl: flock.New(path)}
}

// TryAcquire reports whether this process holds the lock.
func (l *leaderLock) TryAcquire() bool {
	if l.held {
		return true
	}
	ok, err := l.fl.TryLock()
	if err != nil {
		log.Printf("[trigger] failed to lock %s: %v", l.fl.Path(), err)
		return false
	}
	if !ok {
		if !l.warned {
			log.Printf("[trigger] %s held by another process, standing by", l.fl.Path())
			l.warned = true
		}
		return false
	}
	log.Printf("[trigger] acquired leader lock %s", l.fl.Path())
	l.held = true
	return true
}

// Release drops the lock if held.
func (l *leaderLock) Release() {
	if !l.held {
		return
	}
	if err := l.fl.Unlock(); err != nil {
		log.Printf("[trigger] failed to unlock %s: %v", l.fl.Path(), err)
	}
	l.held = false
}
