package adapter_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lodeworks/ferrite/internal/adapter"
	"github.com/lodeworks/ferrite/internal/handler"
)

// collect subscribes to a topic and appends every payload it sees.
func collect(t *testing.T, m *adapter.Memory, topic string) func() []string {
	t.Helper()
	var mu sync.Mutex
	var got []string

	err := m.Subscribe(topic, func(_ context.Context, msg adapter.Message) error {
		mu.Lock()
		got = append(got, string(msg.Payload))
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	return func() []string {
		mu.Lock()
		defer mu.Unlock()
		out := make([]string, len(got))
		copy(out, got)
		return out
	}
}

func waitForCount(t *testing.T, read func() []string, n int, timeout time.Duration) []string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if got := read(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("did not see %d messages within %v (got %d)", n, timeout, len(read()))
	return nil
}

func TestMemoryPublishSubscribe(t *testing.T) {
	m := adapter.NewMemory(10)
	t.Cleanup(func() { m.Close() })

	read := collect(t, m, "user.created")

	msg := adapter.NewMessage("user.created", json.RawMessage(`{"value":42}`))
	if err := m.Publish(context.Background(), msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := waitForCount(t, read, 1, 2*time.Second)
	if got[0] != `{"value":42}` {
		t.Errorf("payload = %s", got[0])
	}
}

func TestMemoryBroadcastToAllSubscribers(t *testing.T) {
	m := adapter.NewMemory(10)
	t.Cleanup(func() { m.Close() })

	a := collect(t, m, "topic")
	b := collect(t, m, "topic")

	if n := m.SubscriberCount("topic"); n != 2 {
		t.Fatalf("SubscriberCount = %d, want 2", n)
	}

	if err := m.Publish(context.Background(), adapter.NewMessage("topic", json.RawMessage(`1`))); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitForCount(t, a, 1, 2*time.Second)
	waitForCount(t, b, 1, 2*time.Second)
}

func TestMemoryPublishWithoutSubscribersFails(t *testing.T) {
	m := adapter.NewMemory(10)
	t.Cleanup(func() { m.Close() })

	err := m.Publish(context.Background(), adapter.NewMessage("nobody", nil))
	if !errors.Is(err, handler.ErrAdapter) {
		t.Fatalf("err = %v, want ErrAdapter", err)
	}
}

func TestMemoryListTopics(t *testing.T) {
	m := adapter.NewMemory(10)
	t.Cleanup(func() { m.Close() })

	collect(t, m, "b")
	collect(t, m, "a")

	topics := m.ListTopics()
	if len(topics) != 2 || topics[0] != "a" || topics[1] != "b" {
		t.Errorf("topics = %v", topics)
	}
}

func TestMemoryCloseRejectsPublish(t *testing.T) {
	m := adapter.NewMemory(10)
	collect(t, m, "topic")
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	err := m.Publish(context.Background(), adapter.NewMessage("topic", nil))
	if !errors.Is(err, handler.ErrAdapter) {
		t.Fatalf("publish after close = %v, want ErrAdapter", err)
	}

	// Close is idempotent.
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestMessageMetadataCopyOnWrite(t *testing.T) {
	msg := adapter.NewMessage("t", nil)
	msg2 := msg.WithMetadata("depth", "1")

	if _, ok := msg.Metadata["depth"]; ok {
		t.Error("WithMetadata mutated the original message")
	}
	if msg2.Metadata["depth"] != "1" {
		t.Errorf("metadata = %v", msg2.Metadata)
	}
}
