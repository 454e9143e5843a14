// ABOUTME: Conversation key construction shared by the engine and the bridges
// ABOUTME: A key identifies one chat on one account of one channel for one agent

package dispatch

import "strings"

const (
	defaultAccount = "default"
	defaultAgent   = "main"
)

// ConversationKey builds the key that scopes queues, lanes and session
// fields. Empty account and agent fall back to "default" and "main".
func ConversationKey(channel, account, chat, agent string) string {
	if account = strings.TrimSpace(account); account == "" {
		account = defaultAccount
	}
	if agent = strings.TrimSpace(agent); agent == "" {
		agent = defaultAgent
	}
	return strings.Join([]string{
		strings.ToLower(strings.TrimSpace(channel)),
		account,
		strings.TrimSpace(chat),
		agent,
	}, ":")
}
