// ABOUTME: Per-conversation serial executor backing the dispatch engine
// ABOUTME: Closures posted to a lane run one at a time in posting order

package dispatch

import "sync"

// lane serializes work for one conversation key. The active field is only
// read and written from closures running on the lane.
type lane struct {
	key string

	mu       sync.Mutex
	mailbox  []func()
	draining bool
	dead     bool

	active *run
}

func newLane(key string) *lane {
	return &lane{key: key}
}

// post queues fn and starts a drain goroutine when none is running.
// It returns false if the lane was retired.
func (l *lane) post(fn func()) bool {
	l.mu.Lock()
	if l.dead {
		l.mu.Unlock()
		return false
	}
	l.mailbox = append(l.mailbox, fn)
	if l.draining {
		l.mu.Unlock()
		return true
	}
	l.draining = true
	l.mu.Unlock()

	go l.drain()
	return true
}

func (l *lane) drain() {
	for {
		l.mu.Lock()
		if len(l.mailbox) == 0 {
			l.draining = false
			l.mu.Unlock()
			return
		}
		fn := l.mailbox[0]
		l.mailbox[0] = nil
		l.mailbox = l.mailbox[1:]
		l.mu.Unlock()

		fn()
	}
}

// retireLocked marks an idle lane dead. The caller holds the engine's lane
// table lock and runs on the lane itself, so the only pending work can be
// closures posted after this one.
func (l *lane) retireLocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active != nil || len(l.mailbox) > 0 {
		return false
	}
	l.dead = true
	return true
}
