package adapter

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/lodeworks/ferrite/internal/handler"
)

// Memory is an in-process broker: one buffered channel per subscriber, one
// consumer goroutine per subscription. Broadcast semantics: every subscriber
// of a topic sees every message; a subscriber whose buffer is full misses the
// message rather than blocking the publisher.
type Memory struct {
	mu         sync.RWMutex
	subs       map[string][]chan Message
	bufferSize int
	closed     bool
	done       chan struct{}
	wg         sync.WaitGroup
}

// NewMemory creates an in-memory adapter with the given per-subscriber buffer.
func NewMemory(bufferSize int) *Memory {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &Memory{
		subs:       make(map[string][]chan Message),
		bufferSize: bufferSize,
		done:       make(chan struct{}),
	}
}

// Publish delivers the message to every current subscriber of its topic.
// Publishing to a topic with no subscribers is an error, matching broadcast
// semantics: the message would be lost silently otherwise.
func (m *Memory) Publish(_ context.Context, msg Message) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return fmt.Errorf("%w: adapter closed", handler.ErrAdapter)
	}

	chans := m.subs[msg.Topic]
	if len(chans) == 0 {
		return fmt.Errorf("%w: no subscribers for topic %q", handler.ErrAdapter, msg.Topic)
	}

	for _, ch := range chans {
		select {
		case ch <- msg:
		default:
			// Lagging subscriber: drop for this subscriber only.
		}
	}
	return nil
}

// Subscribe registers a handler for the topic and starts its consumer
// goroutine. The goroutine runs until the adapter is closed.
func (m *Memory) Subscribe(topic string, fn HandlerFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("%w: adapter closed", handler.ErrAdapter)
	}

	ch := make(chan Message, m.bufferSize)
	m.subs[topic] = append(m.subs[topic], ch)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case msg := <-ch:
				// Subscriber errors are the subscriber's own concern; the
				// broker keeps delivering.
				_ = fn(context.Background(), msg)
			case <-m.done:
				return
			}
		}
	}()

	return nil
}

// ListTopics returns every topic with at least one subscriber, sorted for
// stable output.
func (m *Memory) ListTopics() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	topics := make([]string, 0, len(m.subs))
	for t := range m.subs {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// SubscriberCount reports how many subscriptions a topic has.
func (m *Memory) SubscriberCount(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[topic])
}

// Close stops all consumer goroutines and rejects further publishes.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}
