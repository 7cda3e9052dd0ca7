// Package pubsub implements a Google Cloud Pub/Sub publisher.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
)

// Publisher publishes JSON payloads to one Pub/Sub topic.
type Publisher struct {
	topic *pubsub.Topic
}

// New wraps an existing topic handle.
func New(topic *pubsub.Topic) *Publisher {
	return &Publisher{topic: topic}
}

// Dial returns a Publisher for topicID after checking the topic exists.
func Dial(ctx context.Context, client *pubsub.Client, topicID string) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check pubsub topic %q: %w", topicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %q does not exist", topicID)
	}
	return &Publisher{topic: topic}, nil
}

// Publish marshals the payload to JSON and waits for the server to
// acknowledge it. The topic argument is recorded as an attribute; the
// destination is fixed by the wrapped topic handle.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p == nil || p.topic == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{Data: data, Attributes: map[string]string{"content_type": "application/json"}}
	if topic != "" {
		msg.Attributes["logical_topic"] = topic
	}
	result := p.topic.Publish(ctx, msg)
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Stop flushes pending messages and stops the topic's background goroutines.
func (p *Publisher) Stop() {
	if p == nil || p.topic == nil {
		return
	}
	p.topic.Stop()
}
