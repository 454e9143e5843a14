// ABOUTME: One agent run: consumes the event stream and feeds typing, directives and coalescing
// ABOUTME: Finalization flushes held text, drains the outbox and records the outcome

package dispatch

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/directive"
	"github.com/2389/coven-relay/internal/reply"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/typing"
)

// errNoResult is recorded when a stream closes without a terminal event.
var errNoResult = errors.New("agent stream closed without a result")

type run struct {
	id      string
	key     string
	turn    Turn
	resumed bool
	engine  *Engine
	logger  *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	aborted atomic.Bool

	// status is set by finish before the run is handed back to its lane.
	status store.RunStatus

	typing    *typing.Controller
	signaler  *typing.Signaler
	acc       *directive.Accumulator
	coalescer *reply.Coalescer
	planner   *reply.ReferencePlanner
	out       *outbox

	startedAt time.Time
}

// startRun builds a run for turn, makes it l's active run and starts it.
// Must run on l.
func (e *Engine) startRun(ctx context.Context, l *lane, turn Turn) (*run, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	e.wg.Add(1)
	e.mu.Unlock()

	key := l.key
	fields := e.sessionFields(ctx, key)
	resumed := e.consumeAbortFlag(ctx, key, fields)

	typingMode := turn.TypingMode
	if typingMode == "" {
		typingMode = sessionMode(fields, store.FieldTypingMode, typing.ParseMode)
	}
	if typingMode == "" {
		typingMode = e.opts.Typing.Mode
	}
	typingMode = typing.ResolveMode(typingMode, turn.IsGroupChat, turn.WasMentioned, turn.IsHeartbeat)

	replyMode := turn.ReplyMode
	if replyMode == "" {
		replyMode = sessionMode(fields, store.FieldReplyMode, reply.ParseMode)
	}
	if replyMode == "" {
		replyMode = e.opts.ReplyMode
	}

	r := &run{
		id:        uuid.New().String(),
		key:       key,
		turn:      turn,
		resumed:   resumed,
		engine:    e,
		startedAt: e.clock.Now(),
	}
	r.logger = e.logger.With("conversation_key", key, "run_id", r.id)

	if e.opts.RunTimeout > 0 {
		r.ctx, r.cancel = context.WithTimeout(e.runCtx, e.opts.RunTimeout)
	} else {
		r.ctx, r.cancel = context.WithCancel(e.runCtx)
	}

	r.typing = typing.NewController(typing.ControllerConfig{
		Interval:     e.opts.Typing.Interval,
		TTL:          e.opts.Typing.TTL,
		OnReplyStart: r.sendTyping,
		OnCleanup:    r.stopTyping,
		SilentToken:  e.opts.Typing.SilentToken,
		Clock:        e.clock,
		Logger:       r.logger,
	})
	r.signaler = typing.NewSignaler(r.typing, typingMode, turn.IsHeartbeat)
	r.acc = directive.NewAccumulator()
	r.planner = reply.NewReferencePlanner(reply.ReferenceConfig{
		Mode:           replyMode,
		StartID:        turn.MessageID,
		ExistingID:     turn.ReplyTargetID,
		AllowReference: turn.AllowReference,
	})
	r.out = newOutbox(r, e.opts.BlockInterval)
	r.coalescer = reply.NewCoalescer(e.opts.Coalesce, e.clock, r.out.push, r.logger)

	l.active = r
	go r.execute(l)

	e.feed.publish(LifecycleEvent{
		Type:            EventRunStarted,
		ConversationKey: key,
		RunID:           r.id,
		At:              r.startedAt,
	})
	r.logger.Info("run started",
		"typing_mode", string(typingMode),
		"reply_mode", string(replyMode),
		"resumed_after_abort", resumed,
	)
	return r, nil
}

// consumeAbortFlag reports and resets aborted_last_run.
func (e *Engine) consumeAbortFlag(ctx context.Context, key string, fields map[string]string) bool {
	if e.opts.Sessions == nil {
		return false
	}
	if _, ok := fields[store.FieldAbortedLastRun]; !ok {
		return false
	}
	aborted, err := store.GetBool(ctx, e.opts.Sessions, key, store.FieldAbortedLastRun)
	if err != nil {
		e.logger.Warn("reading abort flag failed", "conversation_key", key, "error", err)
	}
	if err := e.opts.Sessions.Delete(ctx, key, store.FieldAbortedLastRun); err != nil {
		e.logger.Warn("clearing abort flag failed", "conversation_key", key, "error", err)
	}
	return aborted
}

// abort cancels the run and stops its typing affordance. Safe to call
// from the lane while the run goroutine is streaming.
func (r *run) abort() {
	r.aborted.Store(true)
	r.cancel()
	r.typing.MarkRunComplete()
	r.typing.MarkDispatchIdle()
}

func (r *run) execute(l *lane) {
	defer r.engine.wg.Done()
	defer r.cancel()

	ctx, span := r.engine.tel.startRun(r.ctx, r)
	status, runErr := r.stream(ctx)
	status = r.resolveStatus(status)

	r.finish(status, runErr)
	r.engine.tel.endRun(span, status, r.out.deliveredCount(), r.out.failedCount(), r.engine.clock.Now().Sub(r.startedAt), runErr)

	r.engine.post(l, func() { r.engine.runFinished(l, r) })
}

// stream consumes the agent's events until the channel closes.
func (r *run) stream(ctx context.Context) (store.RunStatus, error) {
	events, err := r.engine.opts.Runner.Run(ctx, &agent.Request{
		RunID:             r.id,
		ConversationKey:   r.key,
		Prompt:            r.turn.Prompt,
		Sender:            r.turn.Sender,
		Frontend:          r.turn.Frontend,
		ChannelID:         r.turn.ChannelID,
		ThreadID:          r.turn.ThreadID,
		AgentID:           r.turn.AgentID,
		ResumedAfterAbort: r.resumed,
	})
	if err != nil {
		return store.RunStatusFailed, fmt.Errorf("starting agent run: %w", err)
	}

	r.signaler.SignalRunStart()

	status, runErr := store.RunStatusFailed, errNoResult
	sawText := false
	for ev := range events {
		switch ev.Kind {
		case agent.EventTextDelta:
			if r.ctx.Err() != nil || ev.Text == "" {
				continue
			}
			sawText = true
			r.signaler.SignalTextDelta(ev.Text)
			r.consume(ev.Text)

		case agent.EventReasoningDelta:
			r.signaler.SignalReasoningDelta()

		case agent.EventToolStart:
			r.signaler.SignalToolStart()
			if ev.Tool != nil {
				r.logger.Debug("agent tool call", "tool", ev.Tool.Name)
			}

		case agent.EventMedia:
			if r.ctx.Err() != nil {
				continue
			}
			if u := mediaURL(ev.Media); u != "" {
				r.coalescer.Enqueue(reply.Payload{MediaURLs: []string{u}})
			}

		case agent.EventFinal:
			if !sawText && ev.Text != "" {
				r.signaler.SignalTextDelta(ev.Text)
				r.consume(ev.Text)
			}
			status, runErr = store.RunStatusCompleted, nil

		case agent.EventAborted:
			status, runErr = store.RunStatusAborted, nil

		case agent.EventError:
			status, runErr = store.RunStatusFailed, ev.Err
			if runErr == nil {
				runErr = errors.New("agent error")
			}
		}
	}
	return status, runErr
}

// resolveStatus attributes a cancelled run to an explicit abort or to the
// run timeout.
func (r *run) resolveStatus(status store.RunStatus) store.RunStatus {
	if status == store.RunStatusCompleted {
		return status
	}
	if r.aborted.Load() {
		return store.RunStatusAborted
	}
	if errors.Is(r.ctx.Err(), context.DeadlineExceeded) {
		return store.RunStatusTimedOut
	}
	return status
}

func (r *run) consume(text string) {
	if res := r.acc.Consume(text); res != nil {
		r.coalescer.Enqueue(payloadFor(res))
	}
}

// finish flushes held and buffered text, waits for every block to be
// delivered and records the run.
func (r *run) finish(status store.RunStatus, runErr error) {
	e := r.engine
	r.status = status
	cancelled := status == store.RunStatusAborted || status == store.RunStatusTimedOut

	if cancelled {
		r.typing.MarkRunComplete()
		r.typing.MarkDispatchIdle()
	}
	if res := r.acc.Flush(); res != nil {
		r.coalescer.Enqueue(payloadFor(res))
	}
	if cancelled {
		r.coalescer.Abort()
	} else {
		r.coalescer.Flush(true)
		r.coalescer.Stop()
	}
	r.typing.MarkRunComplete()

	if status == store.RunStatusFailed && e.opts.ErrorReplies {
		r.out.push(reply.Payload{Text: errorText(runErr), IsError: true})
	}
	r.out.closeAndWait()
	r.typing.MarkDispatchIdle()
	r.typing.Cleanup()

	// Session writes outlive the run context.
	ctx := e.deliverCtx
	if status == store.RunStatusTimedOut && e.opts.Sessions != nil {
		if err := store.SetBool(ctx, e.opts.Sessions, r.key, store.FieldAbortedLastRun, true); err != nil {
			r.logger.Warn("recording timed out run failed", "error", err)
		}
	}

	finished := e.clock.Now()
	rec := &store.RunRecord{
		ID:              r.id,
		ConversationKey: r.key,
		Status:          status,
		Blocks:          r.out.deliveredCount(),
		FailedBlocks:    r.out.failedCount(),
		StartedAt:       r.startedAt,
		FinishedAt:      finished,
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	if e.opts.Runs != nil {
		if err := e.opts.Runs.SaveRun(ctx, rec); err != nil {
			r.logger.Warn("saving run record failed", "error", err)
		}
	}

	e.feed.publish(LifecycleEvent{
		Type:            EventRunFinished,
		ConversationKey: r.key,
		RunID:           r.id,
		Status:          status,
		Error:           rec.Error,
		At:              finished,
	})

	attrs := []any{
		"status", string(status),
		"blocks", rec.Blocks,
		"failed_blocks", rec.FailedBlocks,
		"duration", finished.Sub(r.startedAt),
	}
	if runErr != nil {
		r.logger.Warn("run finished", append(attrs, "error", runErr)...)
		return
	}
	r.logger.Info("run finished", attrs...)
}

func (r *run) sendTyping() {
	if err := r.turn.Channel.SendTyping(r.engine.deliverCtx); err != nil {
		r.logger.Debug("sending typing failed", "error", err)
	}
}

func (r *run) stopTyping() {
	s, ok := r.turn.Channel.(TypingStopper)
	if !ok {
		return
	}
	if err := s.StopTyping(r.engine.deliverCtx); err != nil {
		r.logger.Debug("stopping typing failed", "error", err)
	}
}

func payloadFor(res *directive.Result) reply.Payload {
	return reply.Payload{
		Text:           res.Text,
		ReplyToID:      res.ReplyToID,
		ReplyToCurrent: res.ReplyToCurrent,
	}
}

// mediaURL returns the hosted URL of a media event, or a data URL for
// inline files.
func mediaURL(m *agent.MediaEvent) string {
	if m == nil {
		return ""
	}
	if m.URL != "" {
		return m.URL
	}
	if len(m.Data) == 0 {
		return ""
	}
	mime := m.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(m.Data)
}

func errorText(err error) string {
	if err == nil {
		err = errNoResult
	}
	return "⚠️ Agent failed: " + err.Error()
}
