// ABOUTME: Maps agent lifecycle events onto typing controller calls
// ABOUTME: Policy depends on the resolved typing mode and whether the run is a heartbeat

package typing

import "fmt"

// Mode selects when the typing indicator starts.
type Mode string

const (
	// ModeInstant starts typing as soon as the run starts.
	ModeInstant Mode = "instant"
	// ModeMessage starts typing on the first visible text.
	ModeMessage Mode = "message"
	// ModeThinking starts typing on text and keeps it alive through tool use.
	ModeThinking Mode = "thinking"
	// ModeNever disables the indicator.
	ModeNever Mode = "never"
)

// ParseMode validates a configured mode string. An empty string returns
// an empty Mode, meaning "not configured".
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case "", ModeInstant, ModeMessage, ModeThinking, ModeNever:
		return m, nil
	default:
		return "", fmt.Errorf("unknown typing mode %q", s)
	}
}

// ResolveMode picks the typing mode for a run. Heartbeat runs never show
// typing; otherwise a configured mode wins; otherwise direct chats and
// mentions type instantly and unmentioned group chatter waits for text.
func ResolveMode(configured Mode, isGroupChat, wasMentioned, isHeartbeat bool) Mode {
	if isHeartbeat {
		return ModeNever
	}
	if configured != "" {
		return configured
	}
	if !isGroupChat || wasMentioned {
		return ModeInstant
	}
	return ModeMessage
}

// Indicator is the part of Controller the signaler drives.
type Indicator interface {
	StartTypingLoop()
	StartTypingOnText(text string)
	RefreshTypingTTL()
	IsActive() bool
}

// Signaler translates run events into typing calls for one run.
type Signaler struct {
	ctl      Indicator
	mode     Mode
	disabled bool
}

// NewSignaler binds a typing indicator to a mode.
func NewSignaler(ctl Indicator, mode Mode, isHeartbeat bool) *Signaler {
	return &Signaler{
		ctl:      ctl,
		mode:     mode,
		disabled: ctl == nil || isHeartbeat || mode == ModeNever,
	}
}

// Mode returns the signaler's mode.
func (s *Signaler) Mode() Mode {
	return s.mode
}

// SignalRunStart is called when the agent run begins.
func (s *Signaler) SignalRunStart() {
	if s.disabled {
		return
	}
	if s.mode == ModeInstant {
		s.ctl.StartTypingLoop()
	}
}

// SignalTextDelta is called for every visible text chunk.
func (s *Signaler) SignalTextDelta(text string) {
	if s.disabled {
		return
	}
	switch s.mode {
	case ModeMessage:
		s.ctl.StartTypingOnText(text)
	case ModeThinking:
		s.ctl.StartTypingLoop()
		s.ctl.RefreshTypingTTL()
	}
}

// SignalReasoningDelta is called for hidden reasoning output. It never
// starts the indicator on its own; in thinking mode it keeps an active
// indicator alive.
func (s *Signaler) SignalReasoningDelta() {
	if s.disabled {
		return
	}
	if s.mode == ModeThinking && s.ctl.IsActive() {
		s.ctl.RefreshTypingTTL()
	}
}

// SignalToolStart is called when the agent begins a tool call.
func (s *Signaler) SignalToolStart() {
	if s.disabled {
		return
	}
	if !s.ctl.IsActive() {
		s.ctl.StartTypingLoop()
	}
	s.ctl.RefreshTypingTTL()
}
