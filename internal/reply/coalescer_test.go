// ABOUTME: Tests for block coalescing under size, idle and media rules
// ABOUTME: Drives idle timers with a manual clock

package reply

import (
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/clock"
)

type sink struct {
	blocks []Payload
}

func (s *sink) flush(p Payload) { s.blocks = append(s.blocks, p) }

func (s *sink) texts() []string {
	var out []string
	for _, b := range s.blocks {
		if !b.HasMedia() {
			out = append(out, b.Text)
		}
	}
	return out
}

func newTestCoalescer(cfg CoalescerConfig) (*Coalescer, *clock.Manual, *sink) {
	clk := clock.NewManual(time.Time{})
	s := &sink{}
	return NewCoalescer(cfg, clk, s.flush, nil), clk, s
}

func TestCoalescer_IdleFlushJoinsFragments(t *testing.T) {
	c, clk, s := newTestCoalescer(CoalescerConfig{MinChars: 1, MaxChars: 200, Idle: 100 * time.Millisecond, Joiner: " "})

	c.Enqueue(Payload{Text: "Hello"})
	c.Enqueue(Payload{Text: "world"})
	clk.Advance(99 * time.Millisecond)
	assert.Empty(t, s.blocks)

	clk.Advance(time.Millisecond)
	require.Len(t, s.blocks, 1)
	assert.Equal(t, Payload{Text: "Hello world"}, s.blocks[0])
	assert.Equal(t, 0, c.Buffered())
}

func TestCoalescer_MediaFlushesTextFirst(t *testing.T) {
	c, clk, s := newTestCoalescer(CoalescerConfig{MinChars: 1, MaxChars: 200, Idle: 0, Joiner: " "})

	c.Enqueue(Payload{Text: "Hello"})
	c.Enqueue(Payload{Text: "world"})
	clk.Advance(time.Hour)
	assert.Empty(t, s.blocks, "idle disabled")

	c.Enqueue(Payload{MediaURLs: []string{"https://x/a.png"}})
	require.Len(t, s.blocks, 2)
	assert.Equal(t, Payload{Text: "Hello world"}, s.blocks[0])
	assert.Equal(t, Payload{MediaURLs: []string{"https://x/a.png"}}, s.blocks[1])
}

func TestCoalescer_MediaWithEmptyBuffer(t *testing.T) {
	c, _, s := newTestCoalescer(CoalescerConfig{})
	c.Enqueue(Payload{Text: "caption", MediaURLs: []string{"mxc://a"}})
	require.Len(t, s.blocks, 1)
	assert.Equal(t, "caption", s.blocks[0].Text)
}

func TestCoalescer_IdleWaitsForMinChars(t *testing.T) {
	c, clk, s := newTestCoalescer(CoalescerConfig{MinChars: 10, MaxChars: 200, Idle: 100 * time.Millisecond, Joiner: " "})

	c.Enqueue(Payload{Text: "hi"})
	clk.Advance(time.Second)
	assert.Empty(t, s.blocks, "too short to flush on idle")
	assert.Equal(t, 0, clk.Pending(), "expired timer is not rescheduled")

	c.Enqueue(Payload{Text: "there friend"})
	clk.Advance(100 * time.Millisecond)
	require.Len(t, s.blocks, 1)
	assert.Equal(t, "hi there friend", s.blocks[0].Text)
}

func TestCoalescer_MaxChars(t *testing.T) {
	c, _, s := newTestCoalescer(CoalescerConfig{MaxChars: 10})

	c.Enqueue(Payload{Text: "12345"})
	c.Enqueue(Payload{Text: "67890"})
	assert.Equal(t, []string{"1234567890"}, s.texts(), "reaching the cap flushes at once")

	c.Enqueue(Payload{Text: "abc"})
	c.Enqueue(Payload{Text: "defghijkl"})
	assert.Equal(t, []string{"1234567890", "abc"}, s.texts(), "overflowing text starts a new block")
	assert.Equal(t, 9, c.Buffered())

	c.Enqueue(Payload{Text: strings.Repeat("x", 25)})
	assert.Equal(t, []string{"1234567890", "abc", "defghijkl", strings.Repeat("x", 25)}, s.texts())
}

func TestCoalescer_FlushOnEnqueue(t *testing.T) {
	c, _, s := newTestCoalescer(CoalescerConfig{MinChars: 100, FlushOnEnqueue: true})
	c.Enqueue(Payload{Text: "a"})
	c.Enqueue(Payload{Text: "b"})
	assert.Equal(t, []string{"a", "b"}, s.texts())
}

func TestCoalescer_ManualFlush(t *testing.T) {
	c, _, s := newTestCoalescer(CoalescerConfig{MinChars: 5})

	c.Flush(true)
	assert.Empty(t, s.blocks, "empty buffer")

	c.Enqueue(Payload{Text: "abc"})
	c.Flush(false)
	assert.Empty(t, s.blocks, "below min chars")

	c.Flush(true)
	assert.Equal(t, []string{"abc"}, s.texts())
}

func TestCoalescer_ReplyHintsRideWithBlock(t *testing.T) {
	c, _, s := newTestCoalescer(CoalescerConfig{})

	c.Enqueue(Payload{Text: "a", ReplyToCurrent: true})
	c.Enqueue(Payload{Text: "b", ReplyToID: "$x"})
	c.Flush(true)
	c.Enqueue(Payload{Text: "c"})
	c.Flush(true)

	require.Len(t, s.blocks, 2)
	assert.Equal(t, Payload{Text: "ab", ReplyToCurrent: true, ReplyToID: "$x"}, s.blocks[0])
	assert.Equal(t, Payload{Text: "c"}, s.blocks[1])
}

func TestCoalescer_AbortFlushesThenStops(t *testing.T) {
	c, clk, s := newTestCoalescer(CoalescerConfig{MinChars: 100, Idle: time.Second})

	c.Enqueue(Payload{Text: "partial"})
	c.Abort()
	assert.Equal(t, []string{"partial"}, s.texts())
	assert.Equal(t, 0, clk.Pending())

	assert.NotPanics(t, func() {
		c.Enqueue(Payload{Text: "late"})
		c.Enqueue(Payload{MediaURLs: []string{"mxc://late"}})
		c.Flush(true)
		c.Abort()
		c.Stop()
	})
	clk.Advance(time.Minute)
	assert.Len(t, s.blocks, 1)
}

func TestCoalescer_StopDiscards(t *testing.T) {
	c, clk, s := newTestCoalescer(CoalescerConfig{Idle: time.Second})
	c.Enqueue(Payload{Text: "gone"})
	c.Stop()
	clk.Advance(time.Minute)
	assert.Empty(t, s.blocks)
	assert.Equal(t, 0, c.Buffered())
}

func TestCoalescer_TextConservationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("flushed text joins back to the enqueued text", prop.ForAll(
		func(frags []string, actions []int, minChars, maxChars int, spaced, idle bool) bool {
			joiner := ""
			if spaced {
				joiner = " "
			}
			cfg := CoalescerConfig{MinChars: minChars, MaxChars: maxChars, Joiner: joiner}
			if idle {
				cfg.Idle = 50 * time.Millisecond
			}
			c, clk, s := newTestCoalescer(cfg)

			var want []string
			for i, f := range frags {
				c.Enqueue(Payload{Text: f})
				if f != "" {
					want = append(want, f)
				}
				switch actions[i%len(actions)] {
				case 1:
					clk.Advance(50 * time.Millisecond)
				case 2:
					c.Flush(false)
				case 3:
					c.Flush(true)
				}
			}
			c.Flush(true)

			return strings.Join(s.texts(), joiner) == strings.Join(want, joiner) && c.Buffered() == 0
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOfN(8, gen.IntRange(0, 3)),
		gen.IntRange(0, 20),
		gen.IntRange(1, 30),
		gen.Bool(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
