// ABOUTME: Agent stream event and request types consumed by the dispatcher
// ABOUTME: A Runner turns one request into an ordered stream of events

package agent

import (
	"context"
	"errors"
)

// ErrAgentUnavailable indicates the agent runtime could not take the request.
var ErrAgentUnavailable = errors.New("agent unavailable")

// EventKind indicates the type of stream event.
type EventKind int

const (
	EventStart EventKind = iota
	EventTextDelta
	EventToolStart
	EventReasoningDelta
	EventMedia
	EventFinal
	EventAborted
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventTextDelta:
		return "text_delta"
	case EventToolStart:
		return "tool_start"
	case EventReasoningDelta:
		return "reasoning_delta"
	case EventMedia:
		return "media"
	case EventFinal:
		return "final"
	case EventAborted:
		return "aborted"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further events follow this kind.
func (k EventKind) Terminal() bool {
	return k == EventFinal || k == EventAborted || k == EventError
}

// Event is one element of an agent stream.
type Event struct {
	Kind EventKind

	// Text is the delta for TextDelta and ReasoningDelta, the full
	// response for Final, and the reason for Aborted.
	Text string

	// ThreadID is set on Start when the runtime assigned a thread.
	ThreadID string

	Tool  *ToolEvent
	Media *MediaEvent
	Err   error
}

// ToolEvent describes a tool invocation by the agent.
type ToolEvent struct {
	ID        string
	Name      string
	InputJSON string
}

// MediaEvent is a file produced by the agent. URL is set for hosted files;
// inline files carry Data.
type MediaEvent struct {
	Filename string
	MimeType string
	URL      string
	Data     []byte
}

// Request is one run of the agent for a conversation.
type Request struct {
	RunID           string
	ConversationKey string
	Prompt          string
	Sender          string

	// Frontend and ChannelID let the runtime resolve its channel binding.
	Frontend  string
	ChannelID string
	ThreadID  string
	AgentID   string

	// ResumedAfterAbort is set on the first run after a stopped one.
	ResumedAfterAbort bool
}

// Runner starts agent runs. The returned channel is closed after a
// terminal event; consumers must drain it until then. Cancelling ctx stops
// token production and ends the stream with an Aborted event.
type Runner interface {
	Run(ctx context.Context, req *Request) (<-chan Event, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, req *Request) (<-chan Event, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, req *Request) (<-chan Event, error) {
	return f(ctx, req)
}
