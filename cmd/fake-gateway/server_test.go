// ABOUTME: End-to-end tests driving the relay's gateway client and dispatch engine
// ABOUTME: against the fake gateway's SSE endpoint

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/dispatch"
	"github.com/2389/coven-relay/internal/reply"
	"github.com/2389/coven-relay/internal/store"
)

const testSecret = "e2e-secret"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startGateway(t *testing.T, verifier auth.TokenVerifier) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(newServer(verifier, time.Millisecond, quietLogger()).routes())
	t.Cleanup(srv.Close)
	return srv
}

func collect(t *testing.T, events <-chan agent.Event) []agent.Event {
	t.Helper()
	var out []agent.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("stream did not finish")
			return out
		}
	}
}

func TestSplitWords(t *testing.T) {
	in := "Echo: **hi**\n\nI received  it."
	words := splitWords(in)
	assert.Equal(t, in, strings.Join(words, ""))
	assert.Equal(t, []string{"Echo: ", "**hi**\n\n", "I ", "received  ", "it."}, words)
	assert.Empty(t, splitWords(""))
}

func TestGatewayClient_StreamsEcho(t *testing.T) {
	srv := startGateway(t, nil)
	client := agent.NewGatewayClient(agent.GatewayConfig{BaseURL: srv.URL, Logger: quietLogger()})

	events, err := client.Run(t.Context(), &agent.Request{Prompt: "hello", Sender: "@alice:example.org"})
	require.NoError(t, err)

	got := collect(t, events)
	require.NotEmpty(t, got)
	assert.Equal(t, agent.EventStart, got[0].Kind)
	assert.NotEmpty(t, got[0].ThreadID)

	var text strings.Builder
	for _, ev := range got {
		if ev.Kind == agent.EventTextDelta {
			text.WriteString(ev.Text)
		}
	}
	assert.Equal(t, echoReply("hello"), text.String())

	last := got[len(got)-1]
	assert.Equal(t, agent.EventFinal, last.Kind)
	assert.Equal(t, echoReply("hello"), last.Text)
}

func TestGatewayClient_ThinkingFileAndError(t *testing.T) {
	srv := startGateway(t, nil)
	client := agent.NewGatewayClient(agent.GatewayConfig{BaseURL: srv.URL, Logger: quietLogger()})

	events, err := client.Run(t.Context(), &agent.Request{Prompt: "think about an image", Sender: "bob"})
	require.NoError(t, err)
	got := collect(t, events)

	var kinds []agent.EventKind
	var media *agent.MediaEvent
	for _, ev := range got {
		kinds = append(kinds, ev.Kind)
		if ev.Kind == agent.EventMedia {
			media = ev.Media
		}
	}
	assert.Contains(t, kinds, agent.EventReasoningDelta)
	require.NotNil(t, media)
	assert.Equal(t, "image/png", media.MimeType)
	assert.Equal(t, pixelPNG, media.Data)

	events, err = client.Run(t.Context(), &agent.Request{Prompt: "please fail", Sender: "bob"})
	require.NoError(t, err)
	got = collect(t, events)
	last := got[len(got)-1]
	assert.Equal(t, agent.EventError, last.Kind)
	assert.ErrorContains(t, last.Err, "simulated failure")
}

func TestGatewayClient_Unavailable(t *testing.T) {
	srv := startGateway(t, nil)
	client := agent.NewGatewayClient(agent.GatewayConfig{BaseURL: srv.URL, Logger: quietLogger()})

	_, err := client.Run(t.Context(), &agent.Request{Prompt: "are you offline", Sender: "bob"})
	assert.ErrorIs(t, err, agent.ErrAgentUnavailable)
}

func TestGatewayClient_Auth(t *testing.T) {
	srv := startGateway(t, auth.NewJWTVerifier([]byte(testSecret)))

	anon := agent.NewGatewayClient(agent.GatewayConfig{BaseURL: srv.URL, Logger: quietLogger()})
	_, err := anon.Run(t.Context(), &agent.Request{Prompt: "hi", Sender: "bob"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")

	tokens, err := auth.NewJWTSource([]byte(testSecret), "relay:matrix", time.Hour, nil)
	require.NoError(t, err)
	client := agent.NewGatewayClient(agent.GatewayConfig{BaseURL: srv.URL, Tokens: tokens, Logger: quietLogger()})
	events, err := client.Run(t.Context(), &agent.Request{Prompt: "hi", Sender: "bob"})
	require.NoError(t, err)
	got := collect(t, events)
	assert.Equal(t, agent.EventFinal, got[len(got)-1].Kind)
}

func TestGatewayClient_CancelAborts(t *testing.T) {
	srv := httptest.NewServer(newServer(nil, time.Second, quietLogger()).routes())
	t.Cleanup(srv.Close)
	client := agent.NewGatewayClient(agent.GatewayConfig{BaseURL: srv.URL, Logger: quietLogger()})

	ctx, cancel := context.WithCancel(t.Context())
	events, err := client.Run(ctx, &agent.Request{Prompt: "slow", Sender: "bob"})
	require.NoError(t, err)
	cancel()

	got := collect(t, events)
	assert.Equal(t, agent.EventAborted, got[len(got)-1].Kind)
}

func TestHandleSend_BadRequests(t *testing.T) {
	srv := startGateway(t, nil)

	resp, err := http.Post(srv.URL+"/api/send", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/send", "application/json", strings.NewReader(`{"content":"hi"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

type roomRecorder struct {
	mu     sync.Mutex
	blocks []reply.Payload
}

func (r *roomRecorder) Deliver(_ context.Context, p reply.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocks = append(r.blocks, p)
	return nil
}

func (r *roomRecorder) SendTyping(context.Context) error { return nil }

func (r *roomRecorder) text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var b strings.Builder
	for _, p := range r.blocks {
		b.WriteString(p.Text)
	}
	return b.String()
}

func waitFinished(t *testing.T, events <-chan dispatch.LifecycleEvent) dispatch.LifecycleEvent {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == dispatch.EventRunFinished {
				return ev
			}
		case <-timeout:
			t.Fatal("run never finished")
			return dispatch.LifecycleEvent{}
		}
	}
}

func TestEngineAgainstFakeGateway(t *testing.T) {
	srv := startGateway(t, nil)
	sessions := store.NewMockStore()

	engine, err := dispatch.New(dispatch.Options{
		Runner:       agent.NewGatewayClient(agent.GatewayConfig{BaseURL: srv.URL, Logger: quietLogger()}),
		Sessions:     sessions,
		Runs:         sessions,
		ErrorReplies: true,
		ReplyMode:    reply.ModeFirst,
		Logger:       quietLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close(context.Background()) })

	events := engine.Subscribe(t.Context(), "")
	key := dispatch.ConversationKey("matrix", "", "!room:example.org", "")
	room := &roomRecorder{}

	_, err = engine.Submit(t.Context(), key, dispatch.Turn{
		Prompt:    "hello there",
		Sender:    "@alice:example.org",
		Channel:   room,
		MessageID: "$m1",
		Frontend:  "matrix",
		ChannelID: "!room:example.org",
	})
	require.NoError(t, err)

	ev := waitFinished(t, events)
	assert.Equal(t, store.RunStatusCompleted, ev.Status)
	assert.Equal(t, strings.TrimSpace(echoReply("hello there")), strings.TrimSpace(room.text()))

	room.mu.Lock()
	require.NotEmpty(t, room.blocks)
	assert.Equal(t, "$m1", room.blocks[0].ReplyToID)
	room.mu.Unlock()

	_, err = engine.Submit(t.Context(), key, dispatch.Turn{Prompt: "now fail", Sender: "@alice:example.org", Channel: room})
	require.NoError(t, err)
	ev = waitFinished(t, events)
	assert.Equal(t, store.RunStatusFailed, ev.Status)
	assert.Contains(t, room.text(), "Agent failed")
}

func TestEngineClose_NoLeakedGatewayRequests(t *testing.T) {
	srv := httptest.NewServer(newServer(nil, time.Second, quietLogger()).routes())
	t.Cleanup(srv.Close)

	engine, err := dispatch.New(dispatch.Options{
		Runner: agent.NewGatewayClient(agent.GatewayConfig{BaseURL: srv.URL, Logger: quietLogger()}),
		Logger: quietLogger(),
	})
	require.NoError(t, err)

	_, err = engine.Submit(t.Context(), "k", dispatch.Turn{Prompt: "slow", Sender: "bob", Channel: &roomRecorder{}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, engine.Close(ctx))

	_, err = engine.Submit(t.Context(), "k", dispatch.Turn{Prompt: "again", Sender: "bob", Channel: &roomRecorder{}})
	assert.True(t, errors.Is(err, dispatch.ErrEngineClosed))
}
