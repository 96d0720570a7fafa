// Package routing translates a user send request into the set of bus
// publications that make the message visible to the conversation, the target
// agent, and stream subscribers.
package routing

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/agentmesh/internal/bus"
	"github.com/nextlevelbuilder/agentmesh/internal/model"
)

// PublishTopics returns the topics an envelope is published to, in the
// deterministic order used by Send: always the conversation inbox, plus the
// agent inbox when the recipient names a non-empty agent.
func PublishTopics(recipient, conversationID string) []string {
	topics := []string{model.ConversationTopic(conversationID)}
	if name := model.AgentName(recipient); name != "" {
		topics = append(topics, model.AgentTopic(name))
	}
	return topics
}

// Sender publishes validated envelopes.
type Sender struct {
	bus bus.Bus
}

func NewSender(b bus.Bus) *Sender {
	return &Sender{bus: b}
}

// Send validates the envelope, publishes it to every routed topic, and
// synthesizes a user_message stream event so subscribers see the inbound
// message. Any failed publication fails the whole send. Returns the
// conversation topic.
func (s *Sender) Send(ctx context.Context, env *model.Envelope) (string, error) {
	if err := env.Validate(); err != nil {
		return "", err
	}
	payload, err := env.Payload()
	if err != nil {
		return "", err
	}

	topics := PublishTopics(env.Recipient, env.ConversationID)
	for _, topic := range topics {
		msg := bus.Message{Topic: topic, Payload: payload, ID: env.ID}
		if _, err := s.bus.Publish(ctx, topic, msg); err != nil {
			return "", fmt.Errorf("bus publish failed: %w", err)
		}
	}

	evt := model.NewUserMessageEvent(env.ConversationID, env.Sender, env.Content)
	evtPayload, err := model.EventPayload(evt)
	if err != nil {
		return "", err
	}
	streamTopic := model.StreamTopic(env.ConversationID)
	msg := bus.Message{Topic: streamTopic, Payload: evtPayload, ID: evt.ID}
	if _, err := s.bus.Publish(ctx, streamTopic, msg); err != nil {
		return "", fmt.Errorf("bus publish failed: %w", err)
	}
	return topics[0], nil
}
