// ABOUTME: Typing indicator state machine with interval refresh and TTL safety stop
// ABOUTME: Stops only once the run is complete and the dispatch queue is idle

package typing

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/clock"
)

const (
	// DefaultInterval is how often the typing affordance is re-sent while active.
	DefaultInterval = 6 * time.Second

	// DefaultTTL is how long typing may stay on without a refresh.
	DefaultTTL = 2 * time.Minute
)

type state int

const (
	stateNotStarted state = iota
	stateActive
	stateStopped
)

func (s state) String() string {
	switch s {
	case stateNotStarted:
		return "not_started"
	case stateActive:
		return "active"
	case stateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	Interval time.Duration
	TTL      time.Duration

	// OnReplyStart shows the channel's typing affordance. It is called when
	// the loop starts and then on every interval tick.
	OnReplyStart func()

	// OnCleanup is called once when the controller stops.
	OnCleanup func()

	// SilentToken is a reply marker that never starts typing on text.
	SilentToken string

	Clock  clock.Clock
	Logger *slog.Logger
}

// Controller drives a "typing…" affordance for a single run.
// All methods are safe for concurrent use and never panic; calls after the
// controller stopped are no-ops.
type Controller struct {
	mu sync.Mutex

	state        state
	runComplete  bool
	dispatchIdle bool
	ttlDeadline  time.Time

	interval     time.Duration
	ttl          time.Duration
	onReplyStart func()
	onCleanup    func()
	silentToken  string

	clock    clock.Clock
	tick     clock.Timer
	ttlTimer clock.Timer
	logger   *slog.Logger
}

// NewController creates a controller in the not-started state.
func NewController(cfg ControllerConfig) *Controller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Controller{
		interval:     cfg.Interval,
		ttl:          cfg.TTL,
		onReplyStart: cfg.OnReplyStart,
		onCleanup:    cfg.OnCleanup,
		silentToken:  strings.TrimSpace(cfg.SilentToken),
		clock:        cfg.Clock,
		logger:       cfg.Logger.With("component", "typing"),
	}
}

// StartTypingLoop fires OnReplyStart immediately and then every interval.
// It is a no-op if the loop is already running or the controller stopped.
func (c *Controller) StartTypingLoop() {
	c.mu.Lock()
	if c.state != stateNotStarted {
		c.mu.Unlock()
		return
	}
	c.state = stateActive
	c.armTTLLocked()
	c.scheduleTickLocked()
	c.mu.Unlock()

	c.fireReplyStart()
}

// StartTypingOnText lazily starts the loop on the first visible text.
// Once active it only refreshes the TTL.
func (c *Controller) StartTypingOnText(text string) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return
	}
	if c.silentToken != "" && strings.HasPrefix(trimmed, c.silentToken) {
		return
	}

	c.mu.Lock()
	switch c.state {
	case stateStopped:
		c.mu.Unlock()
		return
	case stateActive:
		c.armTTLLocked()
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.StartTypingLoop()
}

// RefreshTypingTTL pushes the TTL deadline forward.
func (c *Controller) RefreshTypingTTL() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateActive {
		return
	}
	c.armTTLLocked()
}

// MarkRunComplete records that the agent stream has ended.
func (c *Controller) MarkRunComplete() {
	c.mu.Lock()
	if c.state == stateStopped || c.runComplete {
		c.mu.Unlock()
		return
	}
	c.runComplete = true
	stop := c.dispatchIdle
	c.mu.Unlock()

	if stop {
		c.Cleanup()
	}
}

// MarkDispatchIdle records that every outbound block has been delivered.
func (c *Controller) MarkDispatchIdle() {
	c.mu.Lock()
	if c.state == stateStopped || c.dispatchIdle {
		c.mu.Unlock()
		return
	}
	c.dispatchIdle = true
	stop := c.runComplete
	c.mu.Unlock()

	if stop {
		c.Cleanup()
	}
}

// IsActive reports whether the typing loop is running.
func (c *Controller) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateActive
}

// IsStopped reports whether the controller reached its terminal state.
func (c *Controller) IsStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateStopped
}

// Cleanup force-stops the controller. Safe to call more than once.
func (c *Controller) Cleanup() {
	c.mu.Lock()
	if c.state == stateStopped {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = stateStopped
	c.stopTimersLocked()
	onCleanup := c.onCleanup
	c.mu.Unlock()

	c.logger.Debug("typing stopped", "previous_state", prev.String())
	if onCleanup != nil && prev == stateActive {
		onCleanup()
	}
}

// scheduleTickLocked arms the next interval tick. Must be called with mu held.
func (c *Controller) scheduleTickLocked() {
	c.tick = c.clock.AfterFunc(c.interval, c.onTick)
}

func (c *Controller) onTick() {
	c.mu.Lock()
	if c.state != stateActive {
		c.mu.Unlock()
		return
	}
	c.scheduleTickLocked()
	c.mu.Unlock()

	c.fireReplyStart()
}

// armTTLLocked resets the TTL deadline. Must be called with mu held.
func (c *Controller) armTTLLocked() {
	if c.ttlTimer != nil {
		c.ttlTimer.Stop()
	}
	c.ttlDeadline = c.clock.Now().Add(c.ttl)
	c.ttlTimer = c.clock.AfterFunc(c.ttl, c.onTTLExpired)
}

func (c *Controller) onTTLExpired() {
	c.mu.Lock()
	if c.state != stateActive || c.clock.Now().Before(c.ttlDeadline) {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.logger.Debug("typing ttl reached, stopping indicator", "ttl", c.ttl)
	c.Cleanup()
}

// stopTimersLocked cancels the interval and TTL timers. Must be called with mu held.
func (c *Controller) stopTimersLocked() {
	if c.tick != nil {
		c.tick.Stop()
		c.tick = nil
	}
	if c.ttlTimer != nil {
		c.ttlTimer.Stop()
		c.ttlTimer = nil
	}
}

func (c *Controller) fireReplyStart() {
	if c.onReplyStart == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("typing callback panicked", "panic", r)
		}
	}()
	c.onReplyStart()
}
