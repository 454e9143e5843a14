// ABOUTME: Buffers streamed text into channel-sized blocks under size and idle thresholds
// ABOUTME: Media flushes pending text first and is emitted as its own block

package reply

import (
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/2389/coven-relay/internal/clock"
)

// DefaultMaxChars caps a text block when the config leaves MaxChars unset.
const DefaultMaxChars = 4000

// CoalescerConfig configures block boundaries.
type CoalescerConfig struct {
	// MinChars is the smallest buffer an idle flush will emit.
	MinChars int
	// MaxChars flushes the buffer as soon as it is reached.
	MaxChars int
	// Idle is the quiet gap after the last text that triggers a flush.
	// Zero disables idle flushing.
	Idle time.Duration
	// Joiner is placed between consecutive text fragments.
	Joiner string
	// FlushOnEnqueue emits every enqueued fragment at once.
	FlushOnEnqueue bool
}

// Coalescer accumulates text for one run. onFlush is called once per block,
// in flush order, and must not call back into the coalescer.
type Coalescer struct {
	mu sync.Mutex

	cfg     CoalescerConfig
	clock   clock.Clock
	onFlush func(Payload)
	logger  *slog.Logger

	text           string
	chars          int
	replyToID      string
	replyToCurrent bool

	idle    clock.Timer
	idleGen uint64
	stopped bool
}

// NewCoalescer creates a coalescer. A nil clock uses real time.
func NewCoalescer(cfg CoalescerConfig, clk clock.Clock, onFlush func(Payload), logger *slog.Logger) *Coalescer {
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultMaxChars
	}
	if cfg.MinChars < 0 {
		cfg.MinChars = 0
	}
	if cfg.MinChars > cfg.MaxChars {
		cfg.MinChars = cfg.MaxChars
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if onFlush == nil {
		onFlush = func(Payload) {}
	}
	return &Coalescer{
		cfg:     cfg,
		clock:   clk,
		onFlush: onFlush,
		logger:  logger.With("component", "coalescer"),
	}
}

// Enqueue adds a fragment. Text is buffered; media is emitted immediately
// after any buffered text. No-op after Stop.
func (c *Coalescer) Enqueue(p Payload) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}

	if p.HasMedia() {
		c.flushLocked()
		c.onFlush(p)
		return
	}
	if p.Text == "" {
		return
	}

	n := utf8.RuneCountInString(p.Text)
	if c.chars > 0 && c.chars+utf8.RuneCountInString(c.cfg.Joiner)+n > c.cfg.MaxChars {
		c.flushLocked()
	}
	c.appendLocked(p, n)

	switch {
	case c.cfg.FlushOnEnqueue, c.chars >= c.cfg.MaxChars:
		c.flushLocked()
	case c.cfg.Idle > 0:
		c.armIdleLocked()
	}
}

// Flush emits the buffer. Without force, a buffer below MinChars stays put.
// No-op on an empty buffer or after Stop.
func (c *Coalescer) Flush(force bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	if !force && c.chars < c.cfg.MinChars {
		return
	}
	c.flushLocked()
}

// Abort emits whatever is buffered one last time and then stops.
func (c *Coalescer) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	c.flushLocked()
	c.stopLocked()
}

// Stop cancels the idle timer and discards the coalescer. Buffered text is
// not emitted; call Flush(true) or Abort first to keep it.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

// Buffered returns the number of characters waiting to be flushed.
func (c *Coalescer) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chars
}

func (c *Coalescer) appendLocked(p Payload, n int) {
	if c.chars > 0 {
		c.text += c.cfg.Joiner
		c.chars += utf8.RuneCountInString(c.cfg.Joiner)
	}
	c.text += p.Text
	c.chars += n
	if p.ReplyToID != "" {
		c.replyToID = p.ReplyToID
	}
	if p.ReplyToCurrent {
		c.replyToCurrent = true
	}
}

func (c *Coalescer) flushLocked() {
	c.cancelIdleLocked()
	if c.chars == 0 {
		return
	}
	block := Payload{
		Text:           c.text,
		ReplyToID:      c.replyToID,
		ReplyToCurrent: c.replyToCurrent,
	}
	c.text = ""
	c.chars = 0
	c.replyToID = ""
	c.replyToCurrent = false

	c.logger.Debug("flushing block", "chars", utf8.RuneCountInString(block.Text))
	c.onFlush(block)
}

func (c *Coalescer) armIdleLocked() {
	c.cancelIdleLocked()
	c.idleGen++
	gen := c.idleGen
	c.idle = c.clock.AfterFunc(c.cfg.Idle, func() { c.onIdle(gen) })
}

func (c *Coalescer) cancelIdleLocked() {
	if c.idle != nil {
		c.idle.Stop()
		c.idle = nil
	}
}

func (c *Coalescer) onIdle(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// A newer timer replaced this one.
	if c.stopped || c.idle == nil || gen != c.idleGen {
		return
	}
	c.idle = nil
	if c.chars < c.cfg.MinChars {
		return
	}
	c.flushLocked()
}

func (c *Coalescer) stopLocked() {
	c.stopped = true
	c.cancelIdleLocked()
	c.text = ""
	c.chars = 0
}
