// ABOUTME: Per-run FIFO that delivers flushed blocks to the turn's channel in order
// ABOUTME: Optional rate pacing; failures are reported once and never retried

package dispatch

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/coven-relay/internal/reply"
)

type outbox struct {
	r       *run
	limiter *rate.Limiter

	mu        sync.Mutex
	pending   []reply.Payload
	closed    bool
	next      int
	delivered int
	failed    int

	wake chan struct{}
	done chan struct{}
}

// newOutbox starts the delivery goroutine. A positive interval allows one
// block per interval after the first.
func newOutbox(r *run, interval time.Duration) *outbox {
	o := &outbox{
		r:    r,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	if interval > 0 {
		o.limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
	go o.loop()
	return o
}

// push queues a block. It never blocks, so it is safe to call from the
// coalescer's flush callback.
func (o *outbox) push(p reply.Payload) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.r.logger.Warn("block flushed after outbox closed, dropping", "chars", len(p.Text))
		return
	}
	o.pending = append(o.pending, p)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// closeAndWait stops accepting blocks and waits until the pending ones
// were delivered.
func (o *outbox) closeAndWait() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
	<-o.done
}

func (o *outbox) loop() {
	defer close(o.done)
	for {
		o.mu.Lock()
		if len(o.pending) == 0 {
			closed := o.closed
			o.mu.Unlock()
			if closed {
				return
			}
			<-o.wake
			continue
		}
		p := o.pending[0]
		o.pending[0] = reply.Payload{}
		o.pending = o.pending[1:]
		o.mu.Unlock()

		o.deliver(p)
	}
}

func (o *outbox) deliver(p reply.Payload) {
	if p.IsEmpty() {
		return
	}
	r := o.r
	e := r.engine
	ctx := e.deliverCtx

	o.mu.Lock()
	index := o.next
	o.next++
	o.mu.Unlock()

	err := ctx.Err()
	if err == nil && o.limiter != nil {
		err = o.limiter.Wait(ctx)
	}
	if err == nil {
		p.ReplyToID = r.planner.Resolve(p)
		p.ReplyToCurrent = false
		err = r.turn.Channel.Deliver(ctx, p)
	}

	if err != nil {
		o.mu.Lock()
		o.failed++
		o.mu.Unlock()

		e.tel.blockFailed()
		r.logger.Warn("block delivery failed", "block", index, "error", err)
		if e.opts.OnDeliveryError != nil {
			e.opts.OnDeliveryError(r.key, index, p, err)
		}
		e.feed.publish(LifecycleEvent{
			Type:            EventDeliveryFailed,
			ConversationKey: r.key,
			RunID:           r.id,
			Block:           index,
			Error:           err.Error(),
			At:              e.clock.Now(),
		})
		return
	}

	o.mu.Lock()
	o.delivered++
	o.mu.Unlock()

	e.tel.blockDelivered()
	r.logger.Debug("block delivered", "block", index, "chars", len(p.Text), "media", len(p.MediaURLs))
	e.feed.publish(LifecycleEvent{
		Type:            EventBlockDelivered,
		ConversationKey: r.key,
		RunID:           r.id,
		Block:           index,
		At:              e.clock.Now(),
	})
}

func (o *outbox) deliveredCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.delivered
}

func (o *outbox) failedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.failed
}
