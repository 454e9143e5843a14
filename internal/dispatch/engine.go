// ABOUTME: Dispatch engine owning one lane per conversation and the followup queue
// ABOUTME: Submit starts or queues a turn, Abort stops it and clears what is waiting

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/clock"
	"github.com/2389/coven-relay/internal/followup"
	"github.com/2389/coven-relay/internal/reply"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/typing"
)

// ErrEngineClosed is returned by every operation after Close.
var ErrEngineClosed = errors.New("dispatch engine closed")

// Channel delivers outbound blocks for one turn.
type Channel interface {
	Deliver(ctx context.Context, p reply.Payload) error
	SendTyping(ctx context.Context) error
}

// TypingStopper is implemented by channels that can clear their typing
// affordance instead of letting it time out.
type TypingStopper interface {
	StopTyping(ctx context.Context) error
}

// Turn is one inbound message asking the agent to respond.
type Turn struct {
	Prompt  string
	Sender  string
	Channel Channel

	// MessageID is the inbound message that triggered the turn.
	MessageID string
	// ReplyTargetID is an existing thread the conversation lives in.
	ReplyTargetID string
	// ThreadID is the agent runtime's thread for the conversation.
	ThreadID string

	Frontend  string
	ChannelID string
	AgentID   string

	IsGroupChat  bool
	WasMentioned bool
	IsHeartbeat  bool

	// Mode overrides. Empty fields fall back to the conversation's session
	// fields and then to the engine options.
	TypingMode     typing.Mode
	QueueMode      followup.Mode
	ReplyMode      reply.Mode
	AllowReference *bool
}

// TypingOptions configures the typing affordance of every run.
type TypingOptions struct {
	Mode        typing.Mode
	Interval    time.Duration
	TTL         time.Duration
	SilentToken string
}

// Options configures an Engine.
type Options struct {
	Runner agent.Runner

	// Sessions holds per-conversation fields. Nil disables the
	// aborted_last_run flag and session overrides.
	Sessions store.SessionStore
	// Runs records finished runs when set.
	Runs store.RunLog

	Typing    TypingOptions
	Coalesce  reply.CoalescerConfig
	Queue     followup.Config
	ReplyMode reply.Mode

	// BlockInterval is the minimum gap between two deliveries of one run.
	BlockInterval time.Duration
	// RunTimeout cancels a run that has not finished in time. Zero disables.
	RunTimeout time.Duration

	// ErrorReplies delivers a short error block when a run fails.
	ErrorReplies bool

	// OnDeliveryError is called for every block a channel rejects. Blocks
	// are never retried.
	OnDeliveryError func(key string, index int, p reply.Payload, err error)

	Clock  clock.Clock
	Logger *slog.Logger
	Meter  metric.Meter
	Tracer trace.Tracer
}

// Submission reports what Submit did with a turn.
type Submission struct {
	// Started is true when the turn began a run immediately.
	Started bool
	RunID   string
	// Outcome and Depth describe the enqueue when the turn was queued.
	Outcome followup.Outcome
	Depth   int
}

// AbortResult reports what Abort stopped.
type AbortResult struct {
	// Stopped is true when a run was active.
	Stopped bool
	RunID   string
	// Cleared is the number of queued turns discarded.
	Cleared int
}

// Engine dispatches turns for many conversations.
type Engine struct {
	opts   Options
	queue  *followup.Queue
	feed   *feed
	tel    *telemetry
	clock  clock.Clock
	logger *slog.Logger

	// runCtx parents every run; deliverCtx outlives it so flushed blocks
	// still go out while runs are being cancelled.
	runCtx        context.Context
	cancelRuns    context.CancelFunc
	deliverCtx    context.Context
	cancelDeliver context.CancelFunc

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup
}

// New creates an engine. Runner is required.
func New(opts Options) (*Engine, error) {
	if opts.Runner == nil {
		return nil, errors.New("dispatch: runner is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "dispatch")

	runCtx, cancelRuns := context.WithCancel(context.Background())
	deliverCtx, cancelDeliver := context.WithCancel(context.Background())

	return &Engine{
		opts:          opts,
		queue:         followup.NewQueue(opts.Clock, opts.Logger),
		feed:          newFeed(opts.Logger),
		tel:           newTelemetry(opts.Meter, opts.Tracer, logger),
		clock:         opts.Clock,
		logger:        logger,
		runCtx:        runCtx,
		cancelRuns:    cancelRuns,
		deliverCtx:    deliverCtx,
		cancelDeliver: cancelDeliver,
		lanes:         make(map[string]*lane),
	}, nil
}

// Submit starts a run for turn, or queues it when the conversation already
// has an active run.
func (e *Engine) Submit(ctx context.Context, key string, turn Turn) (Submission, error) {
	if turn.Channel == nil {
		return Submission{}, errors.New("dispatch: turn has no channel")
	}
	if err := ctx.Err(); err != nil {
		return Submission{}, err
	}

	var sub Submission
	var startErr error
	err := e.exec(key, func(l *lane) {
		if l.active == nil {
			r, err := e.startRun(ctx, l, turn)
			if err != nil {
				startErr = err
				return
			}
			sub = Submission{Started: true, RunID: r.id}
			return
		}

		fields := e.sessionFields(ctx, key)
		mode := turn.QueueMode
		if mode == "" {
			mode = sessionMode(fields, store.FieldQueueMode, followup.ParseMode)
		}
		outcome := e.queue.Enqueue(key, followup.Run{Prompt: turn.Prompt, Descriptor: turn}, e.opts.Queue, mode)
		sub = Submission{Outcome: outcome, Depth: e.queue.Depth(key)}
		e.recordQueued(key, l.active.id, outcome, sub.Depth)
	})
	if err != nil {
		return sub, err
	}
	return sub, startErr
}

// Enqueue adds a followup run for key with an explicit queue config. If the
// conversation is idle the run starts immediately. run.Descriptor must be a
// Turn carrying the channel.
func (e *Engine) Enqueue(ctx context.Context, key string, run followup.Run, cfg followup.Config, mode followup.Mode) (followup.Outcome, error) {
	turn, ok := run.Descriptor.(Turn)
	if !ok || turn.Channel == nil {
		return followup.Rejected, errors.New("dispatch: followup run has no turn")
	}
	if err := ctx.Err(); err != nil {
		return followup.Rejected, err
	}

	var outcome followup.Outcome
	err := e.exec(key, func(l *lane) {
		outcome = e.queue.Enqueue(key, run, cfg, mode)
		activeID := ""
		if l.active != nil {
			activeID = l.active.id
		}
		e.recordQueued(key, activeID, outcome, e.queue.Depth(key))
		if l.active == nil {
			e.startNext(ctx, l, turn)
		}
	})
	return outcome, err
}

// Abort stops the active run for key, clears its followup queue and records
// aborted_last_run. Buffered reply text is still delivered.
func (e *Engine) Abort(ctx context.Context, key string) (AbortResult, error) {
	var res AbortResult
	var storeErr error
	err := e.exec(key, func(l *lane) {
		res.Cleared = e.queue.Clear(key)
		if r := l.active; r != nil {
			res.Stopped = true
			res.RunID = r.id
			r.abort()
		}
		if e.opts.Sessions != nil {
			if err := store.SetBool(ctx, e.opts.Sessions, key, store.FieldAbortedLastRun, true); err != nil {
				storeErr = fmt.Errorf("recording aborted run: %w", err)
			}
		}
		if l.active == nil {
			e.retire(l)
		}
	})
	if err != nil {
		return res, err
	}

	e.tel.aborted()
	e.feed.publish(LifecycleEvent{
		Type:            EventAborted,
		ConversationKey: key,
		RunID:           res.RunID,
		Depth:           res.Cleared,
		At:              e.clock.Now(),
	})
	e.logger.Info("conversation aborted",
		"conversation_key", key,
		"run_id", res.RunID,
		"stopped", res.Stopped,
		"cleared", res.Cleared,
	)
	return res, storeErr
}

// Depth returns the number of queued turns for key.
func (e *Engine) Depth(key string) int {
	return e.queue.Depth(key)
}

// Active reports whether key has a running turn.
func (e *Engine) Active(key string) bool {
	e.mu.Lock()
	l, ok := e.lanes[key]
	e.mu.Unlock()
	if !ok {
		return false
	}
	active := false
	done := make(chan struct{})
	if !l.post(func() { active = l.active != nil; close(done) }) {
		return false
	}
	<-done
	return active
}

// Subscribe returns lifecycle events for key, or for every conversation
// when key is empty. The channel closes when ctx is done or the engine closes.
func (e *Engine) Subscribe(ctx context.Context, key string) <-chan LifecycleEvent {
	return e.feed.subscribe(ctx, key)
}

// Close stops accepting turns, cancels active runs and waits for them to
// deliver what they flushed, or for ctx to end.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancelRuns()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for runs: %w", ctx.Err())
	}
	e.cancelDeliver()
	e.feed.close()
	return err
}

// exec runs fn on key's lane and waits for it.
func (e *Engine) exec(key string, fn func(l *lane)) error {
	for {
		l, err := e.laneFor(key)
		if err != nil {
			return err
		}
		done := make(chan struct{})
		if l.post(func() { defer close(done); fn(l) }) {
			<-done
			return nil
		}
		// Retired between lookup and post.
	}
}

// post runs fn on l without waiting.
func (e *Engine) post(l *lane, fn func()) {
	if l.post(fn) {
		return
	}
	// A lane with an active run is never retired.
	e.logger.Error("posting to retired lane", "conversation_key", l.key)
}

func (e *Engine) laneFor(key string) (*lane, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	l, ok := e.lanes[key]
	if !ok {
		l = newLane(key)
		e.lanes[key] = l
	}
	return l, nil
}

// retire drops an idle lane from the table. Must run on l.
func (e *Engine) retire(l *lane) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lanes[l.key] != l {
		return
	}
	if e.queue.Depth(l.key) > 0 {
		return
	}
	if l.retireLocked() {
		delete(e.lanes, l.key)
	}
}

// runFinished clears the lane's active run and starts the next queued turn.
// A timed out run drops the queue the same way Abort does. Must run on l.
func (e *Engine) runFinished(l *lane, r *run) {
	if l.active == r {
		l.active = nil
	}
	if r.status == store.RunStatusTimedOut {
		if n := e.queue.Clear(l.key); n > 0 {
			e.logger.Info("queue cleared after timeout",
				"conversation_key", l.key,
				"run_id", r.id,
				"cleared", n,
			)
		}
	}
	e.startNext(e.runCtx, l, r.turn)
	if l.active == nil {
		e.retire(l)
	}
}

// startNext drains one queued turn for l. fallback supplies the channel
// when a stand-in run carries no turn. Must run on l.
func (e *Engine) startNext(ctx context.Context, l *lane, fallback Turn) {
	if e.isClosed() {
		return
	}
	next, ok := e.queue.Drain(l.key)
	if !ok {
		return
	}
	turn, isTurn := next.Descriptor.(Turn)
	if !isTurn {
		turn = fallback
	}
	turn.Prompt = next.Prompt
	if _, err := e.startRun(ctx, l, turn); err != nil {
		e.logger.Debug("queued turn not started", "conversation_key", l.key, "error", err)
	}
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) recordQueued(key, runID string, outcome followup.Outcome, depth int) {
	e.tel.queued(outcome.String())
	e.feed.publish(LifecycleEvent{
		Type:            EventQueued,
		ConversationKey: key,
		RunID:           runID,
		Depth:           depth,
		Outcome:         outcome.String(),
		At:              e.clock.Now(),
	})
	e.logger.Debug("turn queued",
		"conversation_key", key,
		"active_run_id", runID,
		"outcome", outcome.String(),
		"depth", depth,
	)
}

// sessionFields reads the conversation's session fields. Store errors are
// logged and read as no overrides.
func (e *Engine) sessionFields(ctx context.Context, key string) map[string]string {
	if e.opts.Sessions == nil {
		return nil
	}
	fields, err := e.opts.Sessions.Fields(ctx, key)
	if err != nil {
		e.logger.Warn("reading session fields failed", "conversation_key", key, "error", err)
		return nil
	}
	return fields
}

// sessionMode parses a mode override from the session fields. Invalid
// values are ignored.
func sessionMode[M ~string](fields map[string]string, field string, parse func(string) (M, error)) M {
	raw, ok := fields[field]
	if !ok {
		return ""
	}
	m, err := parse(raw)
	if err != nil {
		return ""
	}
	return m
}
