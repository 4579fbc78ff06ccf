// Package broker is the in-process publish/subscribe hub that narrates run
// progress to streaming clients.
//
// Subscribers are grouped into rooms keyed by conversation. Each subscriber
// owns a bounded queue; Publish never blocks and silently drops an event for
// any subscriber whose queue is full. Delivery is best-effort: the durable
// record of a run is its step trail, not the stream.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/parley/internal/telemetry"
)

// DefaultQueueSize is the per-subscriber buffer used when none is configured.
const DefaultQueueSize = 100

// Event is one named message with a structured payload.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

// Subscription is a handle on one subscriber's queue.
type Subscription struct {
	conversationID uuid.UUID
	ch             chan Event
	closed         bool // guarded by Broker.mu
}

// ConversationID returns the room this subscription listens to.
func (s *Subscription) ConversationID() uuid.UUID { return s.conversationID }

// Events returns the receive side of the queue. It is closed on Unsubscribe
// or CloseAll.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Broker fans events out to the subscribers of a conversation.
type Broker struct {
	logger    *slog.Logger
	queueSize int

	mu     sync.RWMutex
	rooms  map[uuid.UUID]map[*Subscription]struct{}
	closed bool

	published metric.Int64Counter
	dropped   metric.Int64Counter
}

// New creates a broker. queueSize <= 0 uses DefaultQueueSize.
func New(queueSize int, logger *slog.Logger) *Broker {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	meter := telemetry.Meter(telemetry.ScopeBroker)
	published, _ := meter.Int64Counter("parley.broker.published",
		metric.WithDescription("Events delivered to subscriber queues"))
	dropped, _ := meter.Int64Counter("parley.broker.dropped",
		metric.WithDescription("Events dropped because a subscriber queue was full"))

	return &Broker{
		logger:    logger,
		queueSize: queueSize,
		rooms:     make(map[uuid.UUID]map[*Subscription]struct{}),
		published: published,
		dropped:   dropped,
	}
}

// Subscribe registers a new subscriber for a conversation. After CloseAll the
// returned subscription is already closed.
func (b *Broker) Subscribe(conversationID uuid.UUID) *Subscription {
	sub := &Subscription{
		conversationID: conversationID,
		ch:             make(chan Event, b.queueSize),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	room, ok := b.rooms[conversationID]
	if !ok {
		room = make(map[*Subscription]struct{})
		b.rooms[conversationID] = room
	}
	room[sub] = struct{}{}
	return sub
}

// Unsubscribe removes the subscriber and closes its queue. Safe to call more
// than once. Events still buffered remain readable until drained.
func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	if room, ok := b.rooms[sub.conversationID]; ok {
		delete(room, sub)
		if len(room) == 0 {
			delete(b.rooms, sub.conversationID)
		}
	}
	close(sub.ch)
}

// Publish delivers an event to every current subscriber of the conversation.
// It never blocks: a full queue drops the event for that subscriber only.
func (b *Broker) Publish(conversationID uuid.UUID, name string, data any) {
	ev := Event{Name: name, Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var delivered, dropped int64
	for sub := range b.rooms[conversationID] {
		select {
		case sub.ch <- ev:
			delivered++
		default:
			dropped++
		}
	}
	ctx := context.Background()
	if delivered > 0 {
		b.published.Add(ctx, delivered)
	}
	if dropped > 0 {
		b.dropped.Add(ctx, dropped)
		b.logger.Debug("broker: dropped event for slow subscribers",
			"conversation_id", conversationID, "event", name, "dropped", dropped)
	}
}

// Stream lazily yields the subscription's events until ctx is cancelled or the
// subscription is closed. It does not unsubscribe; callers pair it with a
// deferred Unsubscribe.
func (b *Broker) Stream(ctx context.Context, sub *Subscription) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.ch:
				if !ok || !yield(ev) {
					return
				}
			}
		}
	}
}

// SubscriberCount returns the number of live subscribers in a room.
func (b *Broker) SubscriberCount(conversationID uuid.UUID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[conversationID])
}

// TotalSubscribers counts open subscriptions across all conversations.
func (b *Broker) TotalSubscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, room := range b.rooms {
		n += len(room)
	}
	return n
}

// CloseAll closes every subscription and refuses new ones. Used at shutdown
// so streaming handlers return promptly.
func (b *Broker) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	n := 0
	for id, room := range b.rooms {
		for sub := range room {
			sub.closed = true
			close(sub.ch)
			n++
		}
		delete(b.rooms, id)
	}
	b.logger.Info("broker: closed all subscriptions", "count", n)
}

// FormatSSE renders an event as a Server-Sent Events frame:
// "event: <name>\ndata: <json>\n\n".
func FormatSSE(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return nil, fmt.Errorf("broker: marshal %s payload: %w", ev.Name, err)
	}
	out := make([]byte, 0, len(ev.Name)+len(data)+16)
	out = append(out, "event: "...)
	out = append(out, ev.Name...)
	out = append(out, "\ndata: "...)
	out = append(out, data...)
	out = append(out, "\n\n"...)
	return out, nil
}
