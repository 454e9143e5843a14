// ABOUTME: Outbound block shape handed to channel delivery
// ABOUTME: Carries text or media plus optional reply-threading hints

// Package reply turns streamed agent text into outbound blocks and decides
// which earlier message each block is threaded under.
package reply

import "strings"

// Payload is one outbound block.
type Payload struct {
	Text      string
	MediaURLs []string

	// ReplyToID is the message the block is threaded under. The coalescer
	// copies an explicit directive id here; the dispatcher overwrites it with
	// the planner's decision before delivery.
	ReplyToID string

	// ReplyToCurrent asks for threading under the triggering message.
	ReplyToCurrent bool

	// IsError marks a block that reports a failed run.
	IsError bool
}

// HasMedia reports whether the payload carries at least one media URL.
func (p Payload) HasMedia() bool {
	return len(p.MediaURLs) > 0
}

// IsEmpty reports whether there is nothing to deliver.
func (p Payload) IsEmpty() bool {
	return !p.HasMedia() && strings.TrimSpace(p.Text) == ""
}
