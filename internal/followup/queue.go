// ABOUTME: Per-conversation bounded queue of runs that arrive while a turn is active
// ABOUTME: Debounced merging, pluggable overflow policy, FIFO drain and atomic clear

// Package followup holds runs requested for a conversation while its
// current run is still streaming.
package followup

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/clock"
)

// DefaultCap bounds a queue when the config leaves Cap unset.
const DefaultCap = 20

// Mode selects how a new run combines with queued ones.
type Mode string

const (
	// ModeFollowup appends every run as its own entry.
	ModeFollowup Mode = "followup"
	// ModeCollect merges runs arriving within the debounce window by
	// concatenating their prompts.
	ModeCollect Mode = "collect"
	// ModeReplace merges runs arriving within the debounce window by
	// keeping only the latest prompt.
	ModeReplace Mode = "replace"
)

// ParseMode validates a configured queue mode. An empty string returns an
// empty Mode, meaning "not configured".
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case "", ModeFollowup, ModeCollect, ModeReplace:
		return m, nil
	default:
		return "", fmt.Errorf("unknown queue mode %q", s)
	}
}

// Run is one queued request to run the agent again.
type Run struct {
	Prompt     string
	EnqueuedAt time.Time
	// Descriptor is opaque to the queue; the dispatcher stores its turn here.
	Descriptor any
}

// Config is supplied with every enqueue.
type Config struct {
	Mode     Mode
	Debounce time.Duration
	Cap      int
	Drop     DropPolicy
}

type conversation struct {
	mu          sync.Mutex
	runs        []Run
	lastEnqueue time.Time
	dead        bool
}

// Queue holds one FIFO per conversation key. Operations on one key are
// serialized by that key's lock; the table lock only guards lookup.
type Queue struct {
	mu    sync.RWMutex
	convs map[string]*conversation

	clock  clock.Clock
	logger *slog.Logger
}

// NewQueue creates an empty queue. A nil clock uses real time.
func NewQueue(clk clock.Clock, logger *slog.Logger) *Queue {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		convs:  make(map[string]*conversation),
		clock:  clk,
		logger: logger.With("component", "followup"),
	}
}

// Enqueue adds run to key's queue. mode overrides cfg.Mode when set.
// Overflow is resolved by cfg.Drop and never reported as an error.
func (q *Queue) Enqueue(key string, run Run, cfg Config, mode Mode) Outcome {
	if mode == "" {
		mode = cfg.Mode
	}
	if mode == "" {
		mode = ModeFollowup
	}
	limit := cfg.Cap
	if limit <= 0 {
		limit = DefaultCap
	}
	drop := cfg.Drop
	if drop == nil {
		drop = Summarize{}
	}

	now := q.clock.Now()
	if run.EnqueuedAt.IsZero() {
		run.EnqueuedAt = now
	}

	c := q.lockConversation(key)
	defer c.mu.Unlock()

	within := cfg.Debounce > 0 && !c.lastEnqueue.IsZero() && now.Sub(c.lastEnqueue) <= cfg.Debounce
	c.lastEnqueue = now

	var outcome Outcome
	switch {
	case within && len(c.runs) > 0 && (mode == ModeCollect || mode == ModeReplace):
		last := &c.runs[len(c.runs)-1]
		if mode == ModeCollect {
			last.Prompt = last.Prompt + "\n" + run.Prompt
		} else {
			last.Prompt = run.Prompt
		}
		last.Descriptor = run.Descriptor
		outcome = Merged
	case len(c.runs) >= limit:
		runs, o := drop.Resolve(c.runs, run, limit)
		if len(runs) > limit {
			runs = runs[len(runs)-limit:]
		}
		c.runs = runs
		outcome = o
	default:
		c.runs = append(c.runs, run)
		outcome = Appended
	}

	q.logger.Debug("followup enqueued",
		"conversation_key", key,
		"mode", string(mode),
		"outcome", outcome.String(),
		"depth", len(c.runs),
	)
	return outcome
}

// Depth returns the number of queued runs for key.
func (q *Queue) Depth(key string) int {
	q.mu.RLock()
	c, ok := q.convs[key]
	q.mu.RUnlock()
	if !ok {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.runs)
}

// Drain pops the oldest run for key.
func (q *Queue) Drain(key string) (Run, bool) {
	q.mu.RLock()
	c, ok := q.convs[key]
	q.mu.RUnlock()
	if !ok {
		return Run{}, false
	}

	c.mu.Lock()
	if len(c.runs) == 0 {
		c.mu.Unlock()
		return Run{}, false
	}
	run := c.runs[0]
	c.runs[0] = Run{}
	c.runs = c.runs[1:]
	empty := len(c.runs) == 0
	c.mu.Unlock()

	if empty {
		q.prune(key)
	}
	return run, true
}

// Clear empties key's queue and returns how many runs were discarded.
func (q *Queue) Clear(key string) int {
	q.mu.RLock()
	c, ok := q.convs[key]
	q.mu.RUnlock()
	if !ok {
		return 0
	}

	c.mu.Lock()
	n := len(c.runs)
	c.runs = nil
	c.lastEnqueue = time.Time{}
	c.mu.Unlock()

	q.prune(key)
	if n > 0 {
		q.logger.Debug("followup queue cleared", "conversation_key", key, "discarded", n)
	}
	return n
}

// lockConversation returns key's conversation with its lock held, creating
// it if needed.
func (q *Queue) lockConversation(key string) *conversation {
	for {
		q.mu.RLock()
		c, ok := q.convs[key]
		q.mu.RUnlock()

		if !ok {
			q.mu.Lock()
			c, ok = q.convs[key]
			if !ok {
				c = &conversation{}
				q.convs[key] = c
			}
			q.mu.Unlock()
		}

		c.mu.Lock()
		if !c.dead {
			return c
		}
		// Pruned between lookup and lock.
		c.mu.Unlock()
	}
}

// prune drops an empty conversation from the table.
func (q *Queue) prune(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	c, ok := q.convs[key]
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.runs) == 0 {
		c.dead = true
		delete(q.convs, key)
	}
}
