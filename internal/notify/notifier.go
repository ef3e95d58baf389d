// Package notify delivers post-write record state to live subscribers.
// Delivery is best effort: a publish failure is logged by the caller and
// never rolls back the write it announces.
package notify

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-redis/redis/v8"
)

// Event is one change notification. Payload is the full post-write record,
// JSON encoded.
type Event struct {
	Topic   string          `json:"topic"`
	Kind    string          `json:"kind"` // payment | customer | entry
	Payload json.RawMessage `json:"payload"`
}

// Notifier publishes record updates and lets callers subscribe by topic.
// Closing the returned cancel func stops delivery and releases the
// underlying watch.
type Notifier interface {
	Publish(ctx context.Context, topic, kind string, record any) error
	Subscribe(ctx context.Context, topic string) (<-chan Event, func())
}

// RedisNotifier fans events out over Redis pub/sub so all server instances
// see every update.
type RedisNotifier struct {
	client *redis.Client
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

func (n *RedisNotifier) Publish(ctx context.Context, topic, kind string, record any) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	data, err := json.Marshal(Event{Topic: topic, Kind: kind, Payload: payload})
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, topic, data).Err()
}

func (n *RedisNotifier) Subscribe(ctx context.Context, topic string) (<-chan Event, func()) {
	sub := n.client.Subscribe(ctx, topic)
	out := make(chan Event, 16)

	done := make(chan struct{})
	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var evt Event
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					continue
				}
				select {
				case out <- evt:
				default: // slow subscriber, drop rather than block delivery
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			sub.Close()
		})
	}
	return out, cancel
}

// LocalNotifier is an in-process fallback used when Redis is unavailable,
// and in tests.
type LocalNotifier struct {
	mu   sync.RWMutex
	subs map[string]map[int]chan Event
	next int
}

func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{subs: make(map[string]map[int]chan Event)}
}

func (n *LocalNotifier) Publish(ctx context.Context, topic, kind string, record any) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	evt := Event{Topic: topic, Kind: kind, Payload: payload}

	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, ch := range n.subs[topic] {
		select {
		case ch <- evt:
		default:
		}
	}
	return nil
}

func (n *LocalNotifier) Subscribe(ctx context.Context, topic string) (<-chan Event, func()) {
	ch := make(chan Event, 16)

	n.mu.Lock()
	if n.subs[topic] == nil {
		n.subs[topic] = make(map[int]chan Event)
	}
	id := n.next
	n.next++
	n.subs[topic][id] = ch
	n.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs[topic], id)
			n.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}
