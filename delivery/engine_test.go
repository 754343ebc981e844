package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reddimon/attribution-go/device"
	"github.com/reddimon/attribution-go/queue"
)

// fakeTransport fails a configurable number of leading attempts and records
// every idempotency key it sees.
type fakeTransport struct {
	mu        sync.Mutex
	failures  int
	permanent bool
	calls     int
	keys      []string
}

func (f *fakeTransport) Send(_ context.Context, key string, _ Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.keys = append(f.keys, key)
	if f.permanent {
		return &PermanentError{Status: 400, Body: "rejected"}
	}
	if f.calls <= f.failures {
		return errors.New("transport down")
	}
	return nil
}

func (f *fakeTransport) seenKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

func newTestEngine(t *testing.T, transport Transport, opts Options) (*Engine, *queue.FileStore) {
	t.Helper()
	store, err := queue.OpenFileStore("", 100)
	require.NoError(t, err)
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 5 * time.Millisecond
	}
	return NewEngine(store, transport, opts), store
}

func enqueue(t *testing.T, store *queue.FileStore, id string, createdAt time.Time) {
	t.Helper()
	ev := &queue.Event{
		ID:            id,
		Type:          "custom",
		Payload:       map[string]any{"n": 1},
		DeviceContext: device.Context{DeviceID: "dev-1"},
		SessionID:     "sess-1",
		CreatedAt:     createdAt,
		Status:        queue.StatusPending,
	}
	require.NoError(t, store.Enqueue(context.Background(), ev))
}

func eventStatus(store *queue.FileStore, id string) queue.Status {
	ev, ok := store.Get(id)
	if !ok {
		return ""
	}
	return ev.Status
}

func TestBackoffGrowsStrictlyToCap(t *testing.T) {
	base := time.Second

	prev := time.Duration(0)
	for attempt := 1; attempt <= 9; attempt++ {
		d := Backoff(attempt, base)
		assert.Greater(t, d, prev, "attempt %d", attempt)
		prev = d
	}

	assert.Equal(t, 2*time.Second, Backoff(2, base))
	assert.Equal(t, 8*time.Second, Backoff(4, base))
	assert.Equal(t, MaxBackoff, Backoff(30, base))
	assert.Equal(t, base, Backoff(0, base))
}

func TestDrainsQueueToDelivered(t *testing.T) {
	transport := &fakeTransport{}
	engine, store := newTestEngine(t, transport, Options{MaxRetries: 3})

	base := time.Now().Add(-time.Second)
	enqueue(t, store, "e1", base)
	enqueue(t, store, "e2", base.Add(time.Millisecond))
	enqueue(t, store, "e3", base.Add(2*time.Millisecond))

	engine.Start()
	defer engine.Stop()

	assert.Eventually(t, func() bool {
		return eventStatus(store, "e1") == queue.StatusDelivered &&
			eventStatus(store, "e2") == queue.StatusDelivered &&
			eventStatus(store, "e3") == queue.StatusDelivered
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRetriesThenDelivers(t *testing.T) {
	// Two transport failures, success on the third attempt.
	transport := &fakeTransport{failures: 2}
	engine, store := newTestEngine(t, transport, Options{MaxRetries: 3})

	enqueue(t, store, "e1", time.Now().Add(-time.Second))
	engine.Start()
	defer engine.Stop()

	assert.Eventually(t, func() bool {
		return eventStatus(store, "e1") == queue.StatusDelivered
	}, 2*time.Second, 10*time.Millisecond)

	ev, ok := store.Get("e1")
	require.True(t, ok)
	assert.Equal(t, 3, ev.Attempts)

	// Every retry reused the event id as its idempotency key.
	for _, key := range transport.seenKeys() {
		assert.Equal(t, "e1", key)
	}
	assert.Len(t, transport.seenKeys(), 3)
}

func TestFailsAfterMaxRetries(t *testing.T) {
	transport := &fakeTransport{failures: 100}
	engine, store := newTestEngine(t, transport, Options{MaxRetries: 2})

	enqueue(t, store, "e1", time.Now().Add(-time.Second))
	engine.Start()
	defer engine.Stop()

	assert.Eventually(t, func() bool {
		return eventStatus(store, "e1") == queue.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	ev, ok := store.Get("e1")
	require.True(t, ok)
	assert.Equal(t, 2, ev.Attempts)
	assert.Contains(t, ev.FailReason, "transport down")
}

func TestPermanentRejectionFailsWithoutRetry(t *testing.T) {
	transport := &fakeTransport{permanent: true}
	engine, store := newTestEngine(t, transport, Options{MaxRetries: 5})

	enqueue(t, store, "e1", time.Now().Add(-time.Second))
	engine.Start()
	defer engine.Stop()

	assert.Eventually(t, func() bool {
		return eventStatus(store, "e1") == queue.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	ev, _ := store.Get("e1")
	assert.Equal(t, 1, ev.Attempts)
	assert.Len(t, transport.seenKeys(), 1)
}

func TestUnreachableNetworkPostponesDelivery(t *testing.T) {
	var mu sync.Mutex
	online := false
	transport := &fakeTransport{}
	engine, store := newTestEngine(t, transport, Options{
		MaxRetries: 3,
		Reachable: func() bool {
			mu.Lock()
			defer mu.Unlock()
			return online
		},
	})

	enqueue(t, store, "e1", time.Now().Add(-time.Second))
	engine.Start()
	defer engine.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, queue.StatusPending, eventStatus(store, "e1"))
	assert.Empty(t, transport.seenKeys())

	mu.Lock()
	online = true
	mu.Unlock()

	assert.Eventually(t, func() bool {
		return eventStatus(store, "e1") == queue.StatusDelivered
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDeliversInCreatedAtOrder(t *testing.T) {
	transport := &fakeTransport{}
	engine, store := newTestEngine(t, transport, Options{MaxRetries: 3, Parallelism: 1})

	base := time.Now().Add(-time.Minute)
	enqueue(t, store, "first", base)
	enqueue(t, store, "second", base.Add(time.Second))
	enqueue(t, store, "third", base.Add(2*time.Second))

	engine.Start()
	defer engine.Stop()

	assert.Eventually(t, func() bool {
		return eventStatus(store, "third") == queue.StatusDelivered
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"first", "second", "third"}, transport.seenKeys())
}

func TestStatusChannelClosesOnStop(t *testing.T) {
	transport := &fakeTransport{}
	engine, store := newTestEngine(t, transport, Options{MaxRetries: 3})

	enqueue(t, store, "e1", time.Now().Add(-time.Second))
	engine.Start()

	assert.Eventually(t, func() bool {
		return eventStatus(store, "e1") == queue.StatusDelivered
	}, 2*time.Second, 10*time.Millisecond)

	engine.Stop()

	// Consumers ranging over the channel drain buffered outcomes and stop.
	var drained []Status
	for st := range engine.StatusEvents() {
		drained = append(drained, st)
	}
	require.Len(t, drained, 1)
	assert.Equal(t, queue.StatusDelivered, drained[0].Status)
}

func TestStatusNotifications(t *testing.T) {
	transport := &fakeTransport{failures: 1}
	engine, store := newTestEngine(t, transport, Options{MaxRetries: 3})

	enqueue(t, store, "e1", time.Now().Add(-time.Second))
	engine.Start()
	defer engine.Stop()

	var got []Status
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case st := <-engine.StatusEvents():
			got = append(got, st)
		case <-deadline:
			t.Fatalf("timed out waiting for status notifications, got %d", len(got))
		}
	}

	assert.Equal(t, "e1", got[0].EventID)
	assert.Equal(t, queue.StatusPending, got[0].Status)
	assert.Error(t, got[0].Err)

	assert.Equal(t, "e1", got[1].EventID)
	assert.Equal(t, queue.StatusDelivered, got[1].Status)
	assert.NoError(t, got[1].Err)
	assert.Equal(t, 2, got[1].Attempts)
}
