// ABOUTME: Tests for conversation key construction
// ABOUTME: Defaults for account and agent plus channel case folding

package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConversationKey(t *testing.T) {
	tests := []struct {
		name                          string
		channel, account, chat, agent string
		want                          string
	}{
		{"all parts", "matrix", "bot1", "!room:example.org", "helper", "matrix:bot1:!room:example.org:helper"},
		{"defaults", "matrix", "", "!room:example.org", "", "matrix:default:!room:example.org:main"},
		{"channel is case-folded", "Matrix", " bot1 ", "!room:example.org", "main", "matrix:bot1:!room:example.org:main"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ConversationKey(tt.channel, tt.account, tt.chat, tt.agent))
		})
	}
}

func TestConversationKey_DistinctChats(t *testing.T) {
	a := ConversationKey("matrix", "", "!a:example.org", "")
	b := ConversationKey("matrix", "", "!b:example.org", "")
	assert.NotEqual(t, a, b)
}
