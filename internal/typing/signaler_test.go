package typing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeIndicator records signaler calls without timers.
type fakeIndicator struct {
	active   bool
	loops    int
	onText   []string
	refreshs int
}

func (f *fakeIndicator) StartTypingLoop() {
	f.loops++
	f.active = true
}

func (f *fakeIndicator) StartTypingOnText(text string) {
	f.onText = append(f.onText, text)
	f.active = true
}

func (f *fakeIndicator) RefreshTypingTTL() { f.refreshs++ }

func (f *fakeIndicator) IsActive() bool { return f.active }

func TestSignaler_RunStart(t *testing.T) {
	tests := []struct {
		mode      Mode
		wantLoops int
	}{
		{ModeInstant, 1},
		{ModeMessage, 0},
		{ModeThinking, 0},
		{ModeNever, 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			ind := &fakeIndicator{}
			NewSignaler(ind, tt.mode, false).SignalRunStart()
			assert.Equal(t, tt.wantLoops, ind.loops)
		})
	}
}

func TestSignaler_TextDelta(t *testing.T) {
	t.Run("message mode starts on text", func(t *testing.T) {
		ind := &fakeIndicator{}
		NewSignaler(ind, ModeMessage, false).SignalTextDelta("hi")
		assert.Equal(t, []string{"hi"}, ind.onText)
		assert.Equal(t, 0, ind.loops)
	})

	t.Run("thinking mode starts loop and refreshes", func(t *testing.T) {
		ind := &fakeIndicator{}
		NewSignaler(ind, ModeThinking, false).SignalTextDelta("hi")
		assert.Equal(t, 1, ind.loops)
		assert.Equal(t, 1, ind.refreshs)
	})

	t.Run("instant mode ignores text", func(t *testing.T) {
		ind := &fakeIndicator{}
		NewSignaler(ind, ModeInstant, false).SignalTextDelta("hi")
		assert.Equal(t, 0, ind.loops)
		assert.Empty(t, ind.onText)
	})
}

func TestSignaler_ReasoningNeverStarts(t *testing.T) {
	for _, mode := range []Mode{ModeInstant, ModeMessage, ModeThinking, ModeNever} {
		ind := &fakeIndicator{}
		NewSignaler(ind, mode, false).SignalReasoningDelta()
		assert.False(t, ind.active, "mode %s", mode)
		assert.Equal(t, 0, ind.loops, "mode %s", mode)
	}

	ind := &fakeIndicator{active: true}
	NewSignaler(ind, ModeThinking, false).SignalReasoningDelta()
	assert.Equal(t, 1, ind.refreshs, "thinking keeps an active indicator alive")
}

func TestSignaler_ToolStart(t *testing.T) {
	ind := &fakeIndicator{}
	sig := NewSignaler(ind, ModeMessage, false)

	sig.SignalToolStart()
	assert.Equal(t, 1, ind.loops)
	assert.Equal(t, 1, ind.refreshs)

	sig.SignalToolStart()
	assert.Equal(t, 1, ind.loops, "already active")
	assert.Equal(t, 2, ind.refreshs)
}

func TestSignaler_HeartbeatAndNeverAreSilent(t *testing.T) {
	for _, sig := range []*Signaler{
		NewSignaler(&fakeIndicator{}, ModeInstant, true),
		NewSignaler(&fakeIndicator{}, ModeNever, false),
	} {
		ind := sig.ctl.(*fakeIndicator)
		sig.SignalRunStart()
		sig.SignalTextDelta("x")
		sig.SignalReasoningDelta()
		sig.SignalToolStart()
		assert.Equal(t, fakeIndicator{}, *ind)
	}
}

func TestSignaler_NilIndicator(t *testing.T) {
	sig := NewSignaler(nil, ModeInstant, false)
	assert.NotPanics(t, func() {
		sig.SignalRunStart()
		sig.SignalToolStart()
	})
}

func TestResolveMode(t *testing.T) {
	tests := []struct {
		name       string
		configured Mode
		group      bool
		mentioned  bool
		heartbeat  bool
		want       Mode
	}{
		{"heartbeat wins over config", ModeInstant, false, false, true, ModeNever},
		{"configured override", ModeThinking, true, false, false, ModeThinking},
		{"direct chat", "", false, false, false, ModeInstant},
		{"mentioned in group", "", true, true, false, ModeInstant},
		{"unmentioned group", "", true, false, false, ModeMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveMode(tt.configured, tt.group, tt.mentioned, tt.heartbeat))
		})
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("thinking")
	require.NoError(t, err)
	assert.Equal(t, ModeThinking, m)

	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, Mode(""), m)

	_, err = ParseMode("sometimes")
	assert.Error(t, err)
}
