// ABOUTME: Streaming extraction of inline reply directives from agent output
// ABOUTME: Holds back possible partial tags so chunk boundaries never leak tag text

// Package directive strips inline control tags from a streamed agent reply.
//
// Two tags are recognised anywhere in the stream:
//
//	[[reply_to_current]]   thread the reply to the triggering message
//	[[reply_to:<id>]]      thread the reply to a specific message id
//
// Tags may straddle arbitrary chunk boundaries. Matching is
// case-insensitive and tolerates whitespace inside the brackets.
package directive

import (
	"regexp"
	"strings"
	"unicode"
)

var tagPattern = regexp.MustCompile(`(?i)\[\[\s*(?:(reply_to_current)|reply_to\s*:\s*([^\]\n]+?))\s*\]\]`)

const (
	currentName = "reply_to_current"
	idName      = "reply_to"

	// maxHeld bounds how much text may be held as a possible tag prefix.
	maxHeld = 256

	inlineSpace = " \t"
)

// Result is one emission of cleaned text with the sticky reply hints
// accumulated so far in the turn.
type Result struct {
	Text           string
	ReplyToCurrent bool
	ReplyToTag     bool
	ReplyToID      string
}

type scanState int

const (
	scanning scanState = iota
	holding
)

// Accumulator is the per-turn tag extractor. It is not safe for concurrent
// use; a run feeds it from a single goroutine.
type Accumulator struct {
	state scanState
	held  string

	stickyCurrent bool
	stickyTag     bool
	stickyID      string

	// swallowSpace drops spaces and tabs that directly follow a removed
	// tag. Line breaks are kept.
	swallowSpace bool
}

// NewAccumulator returns an accumulator in the scanning state.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Consume appends chunk to the stream and returns the text that can be
// emitted now, or nil if nothing is emittable yet.
func (a *Accumulator) Consume(chunk string) *Result {
	if chunk == "" && a.state == scanning {
		return nil
	}

	buf := a.held + chunk
	a.held = ""
	a.state = scanning

	buf = a.extractTags(buf)

	if idx := heldPrefixStart(buf); idx >= 0 {
		a.held = buf[idx:]
		a.state = holding
		buf = buf[:idx]
	}

	return a.emit(buf)
}

// Flush releases a held partial tag as plain text. Call it once at the end
// of the stream so trailing text is never dropped.
func (a *Accumulator) Flush() *Result {
	if a.state != holding {
		return nil
	}
	buf := a.held
	a.held = ""
	a.state = scanning
	return a.emit(buf)
}

// Reset clears sticky hints and any held prefix between turns.
func (a *Accumulator) Reset() {
	*a = Accumulator{}
}

// Sticky returns the reply hints seen so far without consuming input.
func (a *Accumulator) Sticky() Result {
	return Result{
		ReplyToCurrent: a.stickyCurrent,
		ReplyToTag:     a.stickyTag,
		ReplyToID:      a.stickyID,
	}
}

// Holding reports whether a possible tag prefix is being held back.
func (a *Accumulator) Holding() bool {
	return a.state == holding
}

func (a *Accumulator) emit(text string) *Result {
	if a.swallowSpace {
		trimmed := strings.TrimLeft(text, inlineSpace)
		if trimmed != "" {
			a.swallowSpace = false
		}
		text = trimmed
	}
	if text == "" {
		return nil
	}
	r := a.Sticky()
	r.Text = text
	return &r
}

// extractTags removes complete tags from buf and updates sticky state.
func (a *Accumulator) extractTags(buf string) string {
	matches := tagPattern.FindAllStringSubmatchIndex(buf, -1)
	if len(matches) == 0 {
		return buf
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		before := buf[last:m[0]]
		if a.swallowSpace {
			before = strings.TrimLeft(before, inlineSpace)
			if before != "" {
				a.swallowSpace = false
			}
		}
		b.WriteString(before)

		a.stickyTag = true
		if m[2] >= 0 {
			a.stickyCurrent = true
		} else if m[4] >= 0 {
			a.stickyID = strings.TrimSpace(buf[m[4]:m[5]])
		}
		a.swallowSpace = true
		last = m[1]
	}
	rest := buf[last:]
	if a.swallowSpace {
		trimmed := strings.TrimLeft(rest, inlineSpace)
		if trimmed != "" {
			a.swallowSpace = false
		}
		rest = trimmed
	}
	b.WriteString(rest)
	return b.String()
}

// heldPrefixStart returns the index where an unterminated possible tag
// begins at the tail of buf, or -1 if the tail cannot be a tag prefix.
// The earliest "[[" whose tail could still become a tag wins, so ids that
// themselves contain brackets stay held.
func heldPrefixStart(buf string) int {
	from := 0
	if len(buf) > maxHeld {
		from = len(buf) - maxHeld
	}
	for from < len(buf) {
		i := strings.Index(buf[from:], "[[")
		if i < 0 {
			break
		}
		idx := from + i
		if isTagPrefix(buf[idx:]) {
			return idx
		}
		from = idx + 1
	}
	if strings.HasSuffix(buf, "[") {
		return len(buf) - 1
	}
	return -1
}

// isTagPrefix reports whether s could still grow into a complete tag.
func isTagPrefix(s string) bool {
	if s == "[" {
		return true
	}
	if !strings.HasPrefix(s, "[[") {
		return false
	}
	rest := strings.TrimLeftFunc(s[2:], unicode.IsSpace)
	if rest == "" {
		return true
	}

	name := rest
	if i := strings.IndexFunc(rest, func(r rune) bool { return !isNameRune(r) }); i >= 0 {
		name = rest[:i]
		rest = rest[i:]
	} else {
		rest = ""
	}
	lower := strings.ToLower(name)

	if rest == "" {
		return strings.HasPrefix(currentName, lower) || strings.HasPrefix(idName, lower)
	}

	switch lower {
	case currentName:
		return isCloserPrefix(strings.TrimLeftFunc(rest, unicode.IsSpace))
	case idName:
		rest = strings.TrimLeftFunc(rest, unicode.IsSpace)
		if rest == "" {
			return true
		}
		if rest[0] != ':' {
			return false
		}
		value := rest[1:]
		if strings.ContainsRune(value, '\n') {
			return false
		}
		if i := strings.IndexByte(value, ']'); i >= 0 {
			return i > 0 && isCloserPrefix(value[i:])
		}
		return true
	}
	return false
}

// isCloserPrefix reports whether s is a prefix of the closing "]]".
func isCloserPrefix(s string) bool {
	return s == "" || s == "]"
}

func isNameRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}
