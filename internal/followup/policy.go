// ABOUTME: Overflow policies for a full followup queue
// ABOUTME: Drop-oldest, reject-new and summarize, selectable by config name

package followup

import (
	"fmt"
	"strings"
)

// Outcome describes what an Enqueue did. It is informational only.
type Outcome int

const (
	Appended Outcome = iota
	Merged
	DroppedOldest
	Rejected
	Summarized
)

func (o Outcome) String() string {
	switch o {
	case Appended:
		return "appended"
	case Merged:
		return "merged"
	case DroppedOldest:
		return "dropped_oldest"
	case Rejected:
		return "rejected"
	case Summarized:
		return "summarized"
	default:
		return "unknown"
	}
}

// DropPolicy resolves an enqueue against a queue that is already at cap.
// It returns the new queue contents, which the caller truncates to the limit if
// the policy returns more.
type DropPolicy interface {
	Resolve(queue []Run, incoming Run, limit int) ([]Run, Outcome)
}

// DropOldest evicts the oldest entries to make room.
type DropOldest struct{}

func (DropOldest) Resolve(queue []Run, incoming Run, limit int) ([]Run, Outcome) {
	all := append(append(make([]Run, 0, len(queue)+1), queue...), incoming)
	return all[len(all)-limit:], DroppedOldest
}

// RejectNew keeps the queue as is and discards the incoming run.
type RejectNew struct{}

func (RejectNew) Resolve(queue []Run, _ Run, _ int) ([]Run, Outcome) {
	return queue, Rejected
}

// SummarizeFunc collapses several runs into one stand-in run.
type SummarizeFunc func(runs []Run) Run

// Summarize folds the oldest entries into a single stand-in so the queue
// keeps every prompt in some form.
type Summarize struct {
	Fn SummarizeFunc
}

func (s Summarize) Resolve(queue []Run, incoming Run, limit int) ([]Run, Outcome) {
	all := append(append(make([]Run, 0, len(queue)+1), queue...), incoming)
	fold := len(all) - limit + 1

	fn := s.Fn
	if fn == nil {
		fn = DefaultSummary
	}
	out := make([]Run, 0, limit)
	out = append(out, fn(all[:fold]))
	return append(out, all[fold:]...), Summarized
}

// DefaultSummary joins the prompts of runs under a short header. The stand-in
// keeps the first run's enqueue time and the last run's descriptor.
func DefaultSummary(runs []Run) Run {
	if len(runs) == 1 {
		return runs[0]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%d queued messages while the agent was busy]", len(runs))
	for _, r := range runs {
		b.WriteString("\n")
		b.WriteString(r.Prompt)
	}
	return Run{
		Prompt:     b.String(),
		EnqueuedAt: runs[0].EnqueuedAt,
		Descriptor: runs[len(runs)-1].Descriptor,
	}
}

// ParseDropPolicy maps a config name to a policy: "summarize" (default),
// "old" and "new".
func ParseDropPolicy(name string) (DropPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "summarize":
		return Summarize{}, nil
	case "old":
		return DropOldest{}, nil
	case "new":
		return RejectNew{}, nil
	default:
		return nil, fmt.Errorf("unknown drop policy %q", name)
	}
}
