// ABOUTME: In-memory fan-out of run lifecycle events to feed subscribers
// ABOUTME: Subscribers register per conversation key or for every conversation

package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/store"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// allConversations is the subscription key that receives every event.
	allConversations = ""
)

// EventType names a lifecycle event.
type EventType string

const (
	EventRunStarted     EventType = "run_started"
	EventQueued         EventType = "queued"
	EventBlockDelivered EventType = "block_delivered"
	EventDeliveryFailed EventType = "delivery_failed"
	EventRunFinished    EventType = "run_finished"
	EventAborted        EventType = "aborted"
)

// LifecycleEvent reports one step of a conversation's dispatch.
type LifecycleEvent struct {
	ID              string
	Type            EventType
	ConversationKey string
	RunID           string
	At              time.Time

	// Block is the block index for block_delivered and delivery_failed.
	Block int
	// Depth is the queue depth after queued, or the entries cleared by aborted.
	Depth int
	// Outcome is the queue outcome for queued.
	Outcome string
	// Status is set on run_finished.
	Status store.RunStatus
	Error  string
}

// feed provides in-memory pub/sub for lifecycle events.
type feed struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan LifecycleEvent // conversationKey -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

func newFeed(logger *slog.Logger) *feed {
	return &feed{
		subscribers: make(map[string]map[string]chan LifecycleEvent),
		logger:      logger.With("component", "lifecycle_feed"),
	}
}

// subscribe registers a subscriber for key. The subscription is removed and
// its channel closed when ctx is cancelled.
func (f *feed) subscribe(ctx context.Context, key string) <-chan LifecycleEvent {
	subID := uuid.New().String()
	ch := make(chan LifecycleEvent, subscriberBufferSize)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(ch)
		return ch
	}
	if _, ok := f.subscribers[key]; !ok {
		f.subscribers[key] = make(map[string]chan LifecycleEvent)
	}
	f.subscribers[key][subID] = ch
	f.mu.Unlock()

	f.logger.Debug("subscriber added", "conversation_key", key, "sub_id", subID)

	go func() {
		<-ctx.Done()
		f.unsubscribe(key, subID)
	}()

	return ch
}

// publish sends ev to the conversation's subscribers and to catch-all
// subscribers. Events are dropped for subscribers whose channels are full.
func (f *feed) publish(ev LifecycleEvent) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	deliver := func(subs map[string]chan LifecycleEvent) {
		for _, ch := range subs {
			select {
			case ch <- ev:
			default:
				f.logger.Debug("dropped event for slow subscriber",
					"conversation_key", ev.ConversationKey,
					"event_type", string(ev.Type))
			}
		}
	}
	deliver(f.subscribers[ev.ConversationKey])
	if ev.ConversationKey != allConversations {
		deliver(f.subscribers[allConversations])
	}
}

func (f *feed) unsubscribe(key, subID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	subs, ok := f.subscribers[key]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}
	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(f.subscribers, key)
	}
	f.logger.Debug("subscriber removed", "conversation_key", key, "sub_id", subID)
}

// close closes every subscriber channel. Later subscriptions get a closed channel.
func (f *feed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for key, subs := range f.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(f.subscribers, key)
	}
	f.closed = true
}
