package broker

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLogger returns a logger for tests that discards output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed unexpectedly")
		return ev
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func assertEmpty(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if ok {
			t.Fatalf("unexpected event %q", ev.Name)
		}
	default:
	}
}

func TestBrokerFanOutWithinRoom(t *testing.T) {
	b := New(10, testLogger())
	conv := uuid.New()
	other := uuid.New()

	s1 := b.Subscribe(conv)
	s2 := b.Subscribe(conv)
	s3 := b.Subscribe(other)
	assert.Equal(t, 2, b.SubscriberCount(conv))

	b.Publish(conv, "token", map[string]any{"text_chunk": "hi "})

	assert.Equal(t, "token", recv(t, s1).Name)
	assert.Equal(t, "token", recv(t, s2).Name)
	assertEmpty(t, s3)
}

func TestBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := New(10, testLogger())
	conv := uuid.New()
	s1 := b.Subscribe(conv)
	s2 := b.Subscribe(conv)

	b.Unsubscribe(s1)
	b.Unsubscribe(s1) // idempotent
	b.Publish(conv, "final_answer", map[string]any{"text": "done"})

	_, ok := <-s1.Events()
	assert.False(t, ok, "unsubscribed queue is closed and receives nothing further")
	assert.Equal(t, "final_answer", recv(t, s2).Name)

	b.Unsubscribe(s2)
	assert.Equal(t, 0, b.SubscriberCount(conv), "empty rooms are removed")
}

func TestBrokerPublishWithoutSubscribers(t *testing.T) {
	b := New(10, testLogger())
	assert.NotPanics(t, func() { b.Publish(uuid.New(), "token", nil) })
}

func TestBrokerSlowSubscriberDropsWithoutBlocking(t *testing.T) {
	b := New(2, testLogger())
	conv := uuid.New()
	slow := b.Subscribe(conv)
	fast := b.Subscribe(conv)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range 5 {
			b.Publish(conv, "token", i)
			<-fast.Events()
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber queue")
	}

	assert.Equal(t, 0, recv(t, slow).Data)
	assert.Equal(t, 1, recv(t, slow).Data)
	assertEmpty(t, slow)
}

func TestBrokerStream(t *testing.T) {
	b := New(10, testLogger())
	conv := uuid.New()
	sub := b.Subscribe(conv)
	defer b.Unsubscribe(sub)

	b.Publish(conv, "reasoning_plan", 1)
	b.Publish(conv, "token", 2)
	b.Publish(conv, "final_answer", 3)

	var names []string
	for ev := range b.Stream(context.Background(), sub) {
		names = append(names, ev.Name)
		if ev.Name == "final_answer" {
			break
		}
	}
	assert.Equal(t, []string{"reasoning_plan", "token", "final_answer"}, names)
}

func TestBrokerStreamEndsOnCancel(t *testing.T) {
	b := New(10, testLogger())
	sub := b.Subscribe(uuid.New())
	defer b.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range b.Stream(ctx, sub) {
		}
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream did not end after cancel")
	}
}

func TestBrokerCloseAll(t *testing.T) {
	b := New(10, testLogger())
	conv := uuid.New()
	s1 := b.Subscribe(conv)
	s2 := b.Subscribe(uuid.New())

	b.CloseAll()
	b.CloseAll()

	_, ok := <-s1.Events()
	assert.False(t, ok)
	_, ok = <-s2.Events()
	assert.False(t, ok)

	late := b.Subscribe(conv)
	_, ok = <-late.Events()
	assert.False(t, ok, "subscriptions after CloseAll are closed immediately")
	b.Unsubscribe(late)
	assert.NotPanics(t, func() { b.Publish(conv, "token", nil) })
}

func TestBrokerConcurrentPublishAndUnsubscribe(t *testing.T) {
	b := New(4, testLogger())
	conv := uuid.New()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := b.Subscribe(conv)
			b.Publish(conv, "token", nil)
			b.Unsubscribe(sub)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, b.SubscriberCount(conv))
}

func TestFormatSSE(t *testing.T) {
	got, err := FormatSSE(Event{Name: "final_answer", Data: map[string]any{"text": "ok"}})
	require.NoError(t, err)
	assert.Equal(t, "event: final_answer\ndata: {\"text\":\"ok\"}\n\n", string(got))

	_, err = FormatSSE(Event{Name: "bad", Data: make(chan int)})
	require.Error(t, err)
}

// Each subscriber observes the published sequence as an in-order subsequence,
// whatever its queue size.
func TestBrokerPreservesPublishOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("delivered events are an ordered subsequence", prop.ForAll(
		func(n, queue int) bool {
			b := New(queue, testLogger())
			conv := uuid.New()
			sub := b.Subscribe(conv)
			for i := range n {
				b.Publish(conv, "token", i)
			}
			b.Unsubscribe(sub)

			last := -1
			count := 0
			for ev := range sub.Events() {
				i := ev.Data.(int)
				if i <= last {
					return false
				}
				last = i
				count++
			}
			return count == min(n, queue)
		},
		gen.IntRange(0, 300), gen.IntRange(1, 128),
	))

	properties.TestingRun(t)
}
