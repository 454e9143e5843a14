// ABOUTME: Tests for the lifecycle feed fan-out
// ABOUTME: Covers per-key and catch-all subscriptions, slow subscribers and cleanup

package dispatch

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFeed() *feed {
	return newFeed(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestFeed_RoutesByConversation(t *testing.T) {
	f := testFeed()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	k1 := f.subscribe(ctx, "k1")
	all := f.subscribe(ctx, allConversations)

	f.publish(LifecycleEvent{Type: EventRunStarted, ConversationKey: "k1"})
	f.publish(LifecycleEvent{Type: EventRunStarted, ConversationKey: "k2"})

	ev := <-k1
	assert.Equal(t, "k1", ev.ConversationKey)
	assert.NotEmpty(t, ev.ID)
	select {
	case extra := <-k1:
		t.Fatalf("unexpected event for k1: %+v", extra)
	default:
	}

	assert.Equal(t, "k1", (<-all).ConversationKey)
	assert.Equal(t, "k2", (<-all).ConversationKey)
}

func TestFeed_DropsForSlowSubscriber(t *testing.T) {
	f := testFeed()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := f.subscribe(ctx, "k1")
	for i := 0; i < subscriberBufferSize+10; i++ {
		f.publish(LifecycleEvent{Type: EventBlockDelivered, ConversationKey: "k1", Block: i})
	}
	assert.Len(t, ch, subscriberBufferSize)
	assert.Equal(t, 0, (<-ch).Block, "oldest events are kept")
}

func TestFeed_CancelClosesSubscription(t *testing.T) {
	f := testFeed()
	ctx, cancel := context.WithCancel(context.Background())
	ch := f.subscribe(ctx, "k1")
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	f.mu.RLock()
	defer f.mu.RUnlock()
	assert.Empty(t, f.subscribers)
}

func TestFeed_CloseEndsEverySubscription(t *testing.T) {
	f := testFeed()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := f.subscribe(ctx, "k1")
	b := f.subscribe(ctx, allConversations)
	f.close()

	_, okA := <-a
	_, okB := <-b
	assert.False(t, okA)
	assert.False(t, okB)

	late := f.subscribe(ctx, "k1")
	_, ok := <-late
	assert.False(t, ok)

	f.publish(LifecycleEvent{Type: EventAborted, ConversationKey: "k1"})
}
