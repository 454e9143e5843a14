// ABOUTME: Matrix bridge core for coven-relay
// ABOUTME: Turns room messages into dispatch turns and stop words into aborts

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/dispatch"
	"github.com/2389/coven-relay/internal/followup"
	"github.com/2389/coven-relay/internal/reply"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/typing"
)

const frontendName = "matrix"

// networkTimeout bounds Matrix API calls made outside a run.
const networkTimeout = 10 * time.Second

// shutdownTimeout bounds how long active runs get to wind down.
const shutdownTimeout = 15 * time.Second

// memberCacheTTL is how long a room's member count is trusted.
const memberCacheTTL = 5 * time.Minute

type memberCount struct {
	n       int
	checked time.Time
}

// Bridge connects Matrix rooms to the dispatch engine.
type Bridge struct {
	config *config.Config
	matrix *mautrix.Client
	engine *dispatch.Engine
	store  *store.SQLiteStore
	seen   *dedupe.Window
	http   *http.Client
	logger *slog.Logger

	startedAt time.Time

	membersMu sync.Mutex
	members   map[id.RoomID]memberCount
}

// NewBridge creates the Matrix client, session store and dispatch engine.
func NewBridge(cfg *config.Config, dataPath string, logger *slog.Logger) (*Bridge, error) {
	client, err := mautrix.NewClient(cfg.Matrix.Homeserver, id.UserID(cfg.Matrix.UserID), cfg.Matrix.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = filepath.Join(dataPath, "relay.db")
	}
	st, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	tokens, err := tokenSource(cfg.Gateway)
	if err != nil {
		st.Close()
		return nil, err
	}
	runner := agent.NewGatewayClient(agent.GatewayConfig{
		BaseURL: cfg.Gateway.URL,
		Tokens:  tokens,
		Logger:  logger,
	})

	opts, err := engineOptions(cfg.Dispatch)
	if err != nil {
		st.Close()
		return nil, err
	}
	opts.Runner = runner
	opts.Sessions = st
	opts.Runs = st
	opts.Logger = logger
	opts.OnDeliveryError = func(key string, index int, _ reply.Payload, err error) {
		logger.Error("reply block not delivered", "conversation_key", key, "block", index, "error", err)
	}

	engine, err := dispatch.New(opts)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating dispatch engine: %w", err)
	}

	return &Bridge{
		config:  cfg,
		matrix:  client,
		engine:  engine,
		store:   st,
		seen:    dedupe.New(cfg.Dispatch.DedupeWindow, 0, nil),
		http:    &http.Client{Timeout: time.Minute},
		logger:  logger,
		members: make(map[id.RoomID]memberCount),
	}, nil
}

// tokenSource picks how the relay authenticates to the gateway.
func tokenSource(cfg config.GatewayConfig) (auth.TokenSource, error) {
	switch {
	case cfg.JWTSecret != "":
		src, err := auth.NewJWTSource([]byte(cfg.JWTSecret), cfg.Principal, cfg.TokenTTL, nil)
		if err != nil {
			return nil, fmt.Errorf("creating token source: %w", err)
		}
		return src, nil
	case cfg.Token != "":
		return auth.StaticToken(cfg.Token), nil
	default:
		return nil, nil
	}
}

// engineOptions translates the dispatch config section.
func engineOptions(cfg config.DispatchConfig) (dispatch.Options, error) {
	typingMode, err := typing.ParseMode(cfg.Typing.Mode)
	if err != nil {
		return dispatch.Options{}, fmt.Errorf("typing mode: %w", err)
	}
	queueMode, err := followup.ParseMode(cfg.Queue.Mode)
	if err != nil {
		return dispatch.Options{}, fmt.Errorf("queue mode: %w", err)
	}
	drop, err := followup.ParseDropPolicy(cfg.Queue.Drop)
	if err != nil {
		return dispatch.Options{}, fmt.Errorf("drop policy: %w", err)
	}
	replyMode, err := reply.ParseMode(cfg.Reply.Mode)
	if err != nil {
		return dispatch.Options{}, fmt.Errorf("reply mode: %w", err)
	}

	return dispatch.Options{
		Typing: dispatch.TypingOptions{
			Mode:        typingMode,
			Interval:    cfg.Typing.Interval,
			TTL:         cfg.Typing.TTL,
			SilentToken: cfg.Typing.SilentToken,
		},
		Coalesce: reply.CoalescerConfig{
			MinChars:       cfg.Coalesce.MinChars,
			MaxChars:       cfg.Coalesce.MaxChars,
			Idle:           cfg.Coalesce.Idle,
			Joiner:         cfg.Coalesce.Joiner,
			FlushOnEnqueue: cfg.Coalesce.FlushOnEnqueue,
		},
		Queue: followup.Config{
			Mode:     queueMode,
			Debounce: cfg.Queue.Debounce,
			Cap:      cfg.Queue.Cap,
			Drop:     drop,
		},
		ReplyMode:     replyMode,
		BlockInterval: cfg.BlockInterval,
		RunTimeout:    cfg.RunTimeout,
		ErrorReplies:  cfg.ErrorReplies,
	}, nil
}

// Login authenticates with the homeserver unless an access token was configured.
func (b *Bridge) Login(ctx context.Context) error {
	if b.config.Matrix.AccessToken != "" {
		return nil
	}
	resp, err := b.matrix.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: b.config.Matrix.Username,
		},
		Password:                 b.config.Matrix.Password,
		InitialDeviceDisplayName: "coven-relay",
		StoreCredentials:         true,
	})
	if err != nil {
		return err
	}
	b.logger.Info("logged in to matrix", "user_id", resp.UserID.String(), "device_id", resp.DeviceID.String())
	return nil
}

// UserID returns the logged-in Matrix user.
func (b *Bridge) UserID() string {
	return b.matrix.UserID.String()
}

// Run syncs until ctx is cancelled, then winds down active runs.
func (b *Bridge) Run(ctx context.Context) error {
	b.logger.Info("starting matrix bridge",
		"homeserver", b.config.Matrix.Homeserver,
		"user_id", b.UserID(),
		"gateway", b.config.Gateway.URL,
	)
	defer b.shutdown()

	syncer, ok := b.matrix.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", b.matrix.Syncer)
	}
	syncer.OnEventType(event.EventMessage, b.handleMessageEvent)

	b.startedAt = time.Now()

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- b.matrix.SyncWithContext(ctx)
	}()

	b.logger.Info("matrix bridge running")

	select {
	case <-ctx.Done():
		b.logger.Info("shutting down matrix bridge")
		return nil
	case err := <-syncErr:
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

func (b *Bridge) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := b.engine.Close(ctx); err != nil {
		b.logger.Warn("dispatch engine did not stop cleanly", "error", err)
	}
	b.seen.Close()
	if err := b.store.Close(); err != nil {
		b.logger.Warn("closing store", "error", err)
	}
}

// handleMessageEvent filters a room message and dispatches it.
func (b *Bridge) handleMessageEvent(ctx context.Context, evt *event.Event) {
	if evt.Sender == b.matrix.UserID {
		return
	}
	if time.UnixMilli(evt.Timestamp).Before(b.startedAt) {
		return
	}
	if b.seen.Observe(evt.ID.String()) {
		b.logger.Debug("ignoring redelivered event", "event_id", evt.ID.String())
		return
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText {
		return
	}
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		return
	}

	roomID := evt.RoomID.String()
	if !allowed(b.config.Matrix.AllowedRooms, roomID) {
		b.logger.Debug("ignoring message from non-allowed room", "room", roomID)
		return
	}
	if !allowed(b.config.Matrix.AllowedUsers, evt.Sender.String()) {
		b.logger.Debug("ignoring message from non-allowed user", "room", roomID, "sender", evt.Sender.String())
		return
	}

	content.RemoveReplyFallback()
	body, prefixed := stripPrefix(content.Body, b.config.Matrix.CommandPrefix)
	if body == "" {
		return
	}

	threadRoot := threadRootOf(content)
	key := dispatch.ConversationKey(frontendName, b.config.Matrix.Account, conversationChat(evt.RoomID, threadRoot), b.config.Gateway.AgentID)
	channel := b.channel(evt.RoomID, threadRoot)

	if isStopWord(body, b.config.Dispatch.StopWords) {
		b.abort(ctx, key, channel)
		return
	}

	b.logger.Info("received message",
		"room", roomID,
		"sender", evt.Sender.String(),
		"content", truncate(body, 50),
	)

	turn := dispatch.Turn{
		Prompt:        body,
		Sender:        evt.Sender.String(),
		Channel:       channel,
		MessageID:     evt.ID.String(),
		ReplyTargetID: threadRoot.String(),
		Frontend:      frontendName,
		ChannelID:     roomID,
		AgentID:       b.config.Gateway.AgentID,
		IsGroupChat:   b.isGroupRoom(ctx, evt.RoomID),
		WasMentioned:  prefixed || mentions(content, body, b.matrix.UserID),
	}
	sub, err := b.engine.Submit(ctx, key, turn)
	if err != nil {
		b.logger.Error("dispatching message", "conversation_key", key, "error", err)
		return
	}
	if !sub.Started {
		b.logger.Info("message queued", "conversation_key", key, "outcome", sub.Outcome.String(), "depth", sub.Depth)
	}
}

// abort stops the conversation and tells the room what happened.
func (b *Bridge) abort(ctx context.Context, key string, channel *matrixChannel) {
	res, err := b.engine.Abort(ctx, key)
	if err != nil {
		b.logger.Error("aborting conversation", "conversation_key", key, "error", err)
	}

	text := "Nothing to stop."
	switch {
	case res.Stopped && res.Cleared > 0:
		text = fmt.Sprintf("Stopped. Dropped %d queued %s.", res.Cleared, plural(res.Cleared, "message", "messages"))
	case res.Stopped:
		text = "Stopped."
	case res.Cleared > 0:
		text = fmt.Sprintf("Dropped %d queued %s.", res.Cleared, plural(res.Cleared, "message", "messages"))
	}

	sendCtx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	if err := channel.Deliver(sendCtx, reply.Payload{Text: text, IsError: true}); err != nil {
		b.logger.Warn("failed to confirm stop", "conversation_key", key, "error", err)
	}
}

func (b *Bridge) channel(roomID id.RoomID, threadRoot id.EventID) *matrixChannel {
	return &matrixChannel{
		client:     b.matrix,
		http:       b.http,
		roomID:     roomID,
		threadRoot: threadRoot,
		logger:     b.logger,
	}
}

// isGroupRoom reports whether the room has more than the relay and one
// other member. Lookup failures count as a group.
func (b *Bridge) isGroupRoom(ctx context.Context, roomID id.RoomID) bool {
	b.membersMu.Lock()
	cached, ok := b.members[roomID]
	b.membersMu.Unlock()
	if ok && time.Since(cached.checked) < memberCacheTTL {
		return cached.n > 2
	}

	ctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	resp, err := b.matrix.JoinedMembers(ctx, roomID)
	if err != nil {
		b.logger.Debug("failed to count room members", "room", roomID.String(), "error", err)
		return true
	}

	b.membersMu.Lock()
	b.members[roomID] = memberCount{n: len(resp.Joined), checked: time.Now()}
	b.membersMu.Unlock()
	return len(resp.Joined) > 2
}

// allowed reports whether v is in list. An empty list allows everything.
func allowed(list []string, v string) bool {
	return len(list) == 0 || slices.Contains(list, v)
}

// stripPrefix removes the command prefix. The second result is false when a
// prefix is configured and the body does not carry it.
func stripPrefix(body, prefix string) (string, bool) {
	body = strings.TrimSpace(body)
	if prefix == "" {
		return body, false
	}
	rest, ok := strings.CutPrefix(body, prefix)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(rest), true
}

// isStopWord matches a whole message against the stop words, ignoring case
// and trailing punctuation.
func isStopWord(body string, words []string) bool {
	b := strings.ToLower(strings.TrimRight(strings.TrimSpace(body), ".!"))
	for _, w := range words {
		if w != "" && b == strings.ToLower(w) {
			return true
		}
	}
	return false
}

// mentions reports whether the message pings self, either through the
// m.mentions block or by naming the localpart in the body.
func mentions(content *event.MessageEventContent, body string, self id.UserID) bool {
	if content.Mentions != nil && slices.Contains(content.Mentions.UserIDs, self) {
		return true
	}
	if self == "" {
		return false
	}
	lower := strings.ToLower(body)
	if strings.Contains(lower, strings.ToLower(self.String())) {
		return true
	}
	local, _, err := self.Parse()
	return err == nil && local != "" && strings.Contains(lower, strings.ToLower(local))
}

func threadRootOf(content *event.MessageEventContent) id.EventID {
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelThread {
		return content.RelatesTo.EventID
	}
	return ""
}

// conversationChat gives each thread its own conversation.
func conversationChat(roomID id.RoomID, threadRoot id.EventID) string {
	if threadRoot == "" {
		return roomID.String()
	}
	return roomID.String() + "/" + threadRoot.String()
}

// truncate shortens a string to the given max rune count, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
