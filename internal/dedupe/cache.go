// ABOUTME: Bounded TTL window of inbound message IDs already dispatched
// ABOUTME: Drops redelivered chat events before they reach the dispatch engine

package dedupe

import (
	"container/list"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/clock"
)

// DefaultMaxSize bounds the window when New is given a non-positive size.
const DefaultMaxSize = 10_000

type entry struct {
	key    string
	seenAt time.Time
}

// Window remembers message IDs for a TTL. Oldest IDs are evicted first when
// the window is full. Expired IDs are swept on a timer.
type Window struct {
	clock clock.Clock
	ttl   time.Duration
	max   int

	mu     sync.Mutex
	seen   map[string]*list.Element
	order  *list.List // oldest at front
	sweep  clock.Timer
	closed bool
}

// New creates a window that remembers IDs for ttl. A nil clock uses real time.
func New(ttl time.Duration, maxSize int, clk clock.Clock) *Window {
	if clk == nil {
		clk = clock.Real()
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	w := &Window{
		clock: clk,
		ttl:   ttl,
		max:   maxSize,
		seen:  make(map[string]*list.Element),
		order: list.New(),
	}
	w.scheduleSweep()
	return w
}

// Seen reports whether key was recorded within the TTL, without recording it.
func (w *Window) Seen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	el, ok := w.seen[key]
	return ok && w.live(el)
}

// Observe records key and reports whether it was already seen within the
// TTL. The check and the record happen under one lock, so concurrent
// deliveries of the same event are admitted exactly once.
func (w *Window) Observe(key string) bool {
	if key == "" {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if el, ok := w.seen[key]; ok {
		if w.live(el) {
			return true
		}
		el.Value.(*entry).seenAt = w.clock.Now()
		w.order.MoveToBack(el)
		return false
	}

	if len(w.seen) >= w.max {
		w.evictOldest()
	}
	w.seen[key] = w.order.PushBack(&entry{key: key, seenAt: w.clock.Now()})
	return false
}

// Len returns the number of IDs currently held, expired ones included until
// the next sweep.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}

// Close stops the sweep timer. It is safe to call more than once.
func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	if w.sweep != nil {
		w.sweep.Stop()
		w.sweep = nil
	}
}

func (w *Window) live(el *list.Element) bool {
	return w.clock.Now().Sub(el.Value.(*entry).seenAt) < w.ttl
}

func (w *Window) evictOldest() {
	front := w.order.Front()
	if front == nil {
		return
	}
	w.order.Remove(front)
	delete(w.seen, front.Value.(*entry).key)
}

func (w *Window) scheduleSweep() {
	interval := w.ttl
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	w.sweep = w.clock.AfterFunc(interval, w.runSweep)
}

// runSweep drops expired IDs. Insertion order matches seenAt order, so it
// stops at the first live entry.
func (w *Window) runSweep() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	for el := w.order.Front(); el != nil; el = w.order.Front() {
		if w.live(el) {
			break
		}
		w.order.Remove(el)
		delete(w.seen, el.Value.(*entry).key)
	}
	w.scheduleSweep()
}
