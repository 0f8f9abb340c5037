// Package adapter abstracts the pub/sub transport the event bus rides on.
// The engine only ever publishes to and subscribes on topics; whether that is
// an in-memory broker or a Redis channel is a configuration choice.
package adapter

import (
	"context"
	"encoding/json"
	"maps"
	"time"
)

// Message is the envelope carried on every topic.
type Message struct {
	Topic     string            `json:"topic"`
	Payload   json.RawMessage   `json:"payload"`
	Timestamp string            `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewMessage builds a message envelope for the topic.
func NewMessage(topic string, payload json.RawMessage) Message {
	return Message{
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Metadata:  make(map[string]string),
	}
}

// WithMetadata returns a copy of the message with the key set.
func (m Message) WithMetadata(key, value string) Message {
	m2 := m
	m2.Metadata = make(map[string]string, len(m.Metadata)+1)
	maps.Copy(m2.Metadata, m.Metadata)
	m2.Metadata[key] = value
	return m2
}

// HandlerFunc consumes one message from a subscribed topic.
type HandlerFunc func(ctx context.Context, msg Message) error

// Adapter is the pub/sub transport contract. Publish returns once the
// transport has accepted the message, not once subscribers have run.
type Adapter interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(topic string, fn HandlerFunc) error
	ListTopics() []string
	Close() error
}
