// ABOUTME: Decides which earlier message an outbound block is threaded under
// ABOUTME: Modes off, first and all, plus explicit directive overrides

package reply

import (
	"fmt"
	"sync"
)

// Mode selects how outbound blocks reference earlier messages.
type Mode string

const (
	// ModeOff never threads replies.
	ModeOff Mode = "off"
	// ModeFirst threads only the first block of a run.
	ModeFirst Mode = "first"
	// ModeAll threads every block.
	ModeAll Mode = "all"
)

// ParseMode validates a configured reply mode. An empty string returns an
// empty Mode, meaning "not configured".
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case "", ModeOff, ModeFirst, ModeAll:
		return m, nil
	default:
		return "", fmt.Errorf("unknown reply mode %q", s)
	}
}

// ReferenceConfig configures a ReferencePlanner.
type ReferenceConfig struct {
	Mode Mode
	// StartID is the message that triggered the run.
	StartID string
	// ExistingID is a thread the conversation already lives in. It takes
	// precedence over StartID.
	ExistingID string
	// AllowReference set to false suppresses every reference. Nil allows.
	AllowReference *bool
}

// ReferencePlanner tracks reply threading for one outbound run.
type ReferencePlanner struct {
	mu sync.Mutex

	mode       Mode
	startID    string
	existingID string
	allow      bool
	replied    bool
}

// NewReferencePlanner creates a planner. An empty mode behaves as ModeOff.
func NewReferencePlanner(cfg ReferenceConfig) *ReferencePlanner {
	allow := true
	if cfg.AllowReference != nil {
		allow = *cfg.AllowReference
	}
	mode := cfg.Mode
	if mode == "" {
		mode = ModeOff
	}
	return &ReferencePlanner{
		mode:       mode,
		startID:    cfg.StartID,
		existingID: cfg.ExistingID,
		allow:      allow,
	}
}

// Use returns the id to thread the next block under, or "" for none.
func (p *ReferencePlanner) Use() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.useLocked()
}

// Resolve picks the reference for a flushed block. An explicit directive id
// wins, then a reply-to-current hint, then the configured mode.
func (p *ReferencePlanner) Resolve(block Payload) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.allow {
		return ""
	}
	if block.ReplyToID != "" {
		p.replied = true
		return block.ReplyToID
	}
	if block.ReplyToCurrent && p.startID != "" {
		p.replied = true
		return p.startID
	}
	return p.useLocked()
}

// HasReplied reports whether a reference was handed out or MarkSent was called.
func (p *ReferencePlanner) HasReplied() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.replied
}

// MarkSent records a threaded delivery made without calling Use.
func (p *ReferencePlanner) MarkSent() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replied = true
}

func (p *ReferencePlanner) useLocked() string {
	if !p.allow {
		return ""
	}
	target := p.existingID
	if target == "" {
		target = p.startID
	}
	if target == "" {
		return ""
	}

	switch p.mode {
	case ModeAll:
		p.replied = true
		return target
	case ModeFirst:
		if p.replied {
			return ""
		}
		p.replied = true
		return target
	default:
		return ""
	}
}
