// ABOUTME: Store interfaces and data types for relay persistence
// ABOUTME: Small per-conversation session fields plus a log of finished runs

package store

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Session field names written by the dispatcher and the bridge.
const (
	FieldAbortedLastRun = "aborted_last_run"
	FieldTypingMode     = "typing_mode"
	FieldQueueMode      = "queue_mode"
	FieldReplyMode      = "reply_mode"
)

// RunStatus is how a run ended.
type RunStatus string

const (
	RunStatusCompleted RunStatus = "completed"
	RunStatusAborted   RunStatus = "aborted"
	RunStatusTimedOut  RunStatus = "timed_out"
	RunStatusFailed    RunStatus = "failed"
)

// RunRecord is one finished agent run for a conversation.
type RunRecord struct {
	ID              string
	ConversationKey string
	Status          RunStatus
	Blocks          int
	FailedBlocks    int
	Error           string
	StartedAt       time.Time
	FinishedAt      time.Time
}

// SessionStore holds small key/value fields per conversation.
type SessionStore interface {
	// Get returns ErrNotFound if the field was never set.
	Get(ctx context.Context, conversationKey, field string) (string, error)
	Set(ctx context.Context, conversationKey, field, value string) error
	Delete(ctx context.Context, conversationKey, field string) error
	// Fields returns every field set for the conversation.
	Fields(ctx context.Context, conversationKey string) (map[string]string, error)
}

// RunLog records finished runs for auditing.
type RunLog interface {
	SaveRun(ctx context.Context, run *RunRecord) error
	ListRuns(ctx context.Context, conversationKey string, limit int) ([]*RunRecord, error)
}

// Store is everything the relay persists.
type Store interface {
	SessionStore
	RunLog

	// Close releases any resources held by the store
	Close() error
}

// GetBool reads a boolean field. A missing field reads as false.
func GetBool(ctx context.Context, s SessionStore, conversationKey, field string) (bool, error) {
	v, err := s.Get(ctx, conversationKey, field)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, nil
	}
	return b, nil
}

// SetBool writes a boolean field.
func SetBool(ctx context.Context, s SessionStore, conversationKey, field string, value bool) error {
	return s.Set(ctx, conversationKey, field, strconv.FormatBool(value))
}
