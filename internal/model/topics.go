package model

import "strings"

// Topic namespace prefixes.
const (
	TopicChatPrefix   = "chat:"
	TopicStreamPrefix = "stream:"
	TopicSignalPrefix = "signal:"
)

// RecipientAgentPrefix marks a recipient addressed to an agent inbox.
const RecipientAgentPrefix = "agent:"

// ConversationTopic is the conversation inbox: chat:<conversation_id>.
func ConversationTopic(conversationID string) string {
	return TopicChatPrefix + conversationID
}

// AgentTopic is the agent inbox a worker reads: chat:<agent_name>.
func AgentTopic(agentName string) string {
	return TopicChatPrefix + agentName
}

// StreamTopic is the per-conversation output channel: stream:<conversation_id>.
func StreamTopic(conversationID string) string {
	return TopicStreamPrefix + conversationID
}

// AgentName extracts the agent name from an "agent:<name>" recipient.
// Returns "" for any other scheme or an empty suffix.
func AgentName(recipient string) string {
	rec := strings.TrimSpace(recipient)
	if !strings.HasPrefix(rec, RecipientAgentPrefix) {
		return ""
	}
	return rec[len(RecipientAgentPrefix):]
}
