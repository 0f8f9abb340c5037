package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/lodeworks/ferrite/internal/handler"
)

// Redis is a pub/sub adapter backed by Redis channels. One PubSub connection
// per subscribed topic; the message envelope travels as JSON.
type Redis struct {
	client *redis.Client

	mu      sync.Mutex
	pubsubs []*redis.PubSub
	topics  map[string]bool
	wg      sync.WaitGroup
}

// NewRedis connects to the Redis instance and verifies it with a ping.
func NewRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Redis{
		client: client,
		topics: make(map[string]bool),
	}, nil
}

// Publish marshals the envelope and publishes it on the topic's channel.
func (r *Redis) Publish(ctx context.Context, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: marshal message: %v", handler.ErrAdapter, err)
	}

	if err := r.client.Publish(ctx, msg.Topic, raw).Err(); err != nil {
		return fmt.Errorf("%w: publish to %q: %v", handler.ErrAdapter, msg.Topic, err)
	}

	r.mu.Lock()
	r.topics[msg.Topic] = true
	r.mu.Unlock()
	return nil
}

// Subscribe opens a Redis subscription for the topic and pumps messages into
// fn until the adapter is closed.
func (r *Redis) Subscribe(topic string, fn HandlerFunc) error {
	ctx := context.Background()
	ps := r.client.Subscribe(ctx, topic)

	// Receive the subscription confirmation so the channel is live before we
	// return; the bus relies on subscribe-then-publish ordering at startup.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("%w: subscribe to %q: %v", handler.ErrAdapter, topic, err)
	}

	r.mu.Lock()
	r.pubsubs = append(r.pubsubs, ps)
	r.topics[topic] = true
	r.mu.Unlock()

	ch := ps.Channel()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for redisMsg := range ch {
			var msg Message
			if err := json.Unmarshal([]byte(redisMsg.Payload), &msg); err != nil {
				// A malformed envelope is not this subscriber's message.
				continue
			}
			_ = fn(context.Background(), msg)
		}
	}()

	return nil
}

// ListTopics returns every topic this adapter has published or subscribed on.
func (r *Redis) ListTopics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	topics := make([]string, 0, len(r.topics))
	for t := range r.topics {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Close tears down all subscriptions and the client connection.
func (r *Redis) Close() error {
	r.mu.Lock()
	pubsubs := r.pubsubs
	r.pubsubs = nil
	r.mu.Unlock()

	for _, ps := range pubsubs {
		_ = ps.Close()
	}
	r.wg.Wait()
	return r.client.Close()
}
