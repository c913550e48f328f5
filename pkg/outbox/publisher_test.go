package outbox_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TrigintaFaces/excalibur-dispatch/pkg/contracts"
	"github.com/TrigintaFaces/excalibur-dispatch/pkg/outbox"
)

type jsonSerializer struct{}

func (jsonSerializer) Serialize(v any) ([]byte, error)   { return json.Marshal(v) }
func (jsonSerializer) Deserialize(d []byte, v any) error { return json.Unmarshal(d, v) }

// recordingDispatcher delivers everything unless failFor matches the
// destination, in which case it fails failCount times before recovering.
type recordingDispatcher struct {
	mu        sync.Mutex
	delivered []*outbox.OutboundMessage
	failFor   string
	failCount int
}

func (d *recordingDispatcher) Dispatch(_ context.Context, message any, _ map[string]string) (contracts.DispatchResult, error) {
	msg, ok := message.(*outbox.OutboundMessage)
	if !ok {
		return contracts.DispatchResult{}, fmt.Errorf("unexpected message type %T", message)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if msg.Destination == d.failFor && d.failCount > 0 {
		d.failCount--
		return contracts.DispatchResult{}, errors.New("transport unavailable")
	}
	d.delivered = append(d.delivered, msg)
	return contracts.DispatchResult{Handled: true}, nil
}

func (d *recordingDispatcher) deliveredIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.delivered))
	for _, m := range d.delivered {
		ids = append(ids, m.ID)
	}
	return ids
}

type orderPlaced struct {
	OrderID string `json:"order_id"`
}

func newTestPublisher(t *testing.T, dispatcher contracts.Dispatcher, opts ...outbox.PublisherOption) (*outbox.Publisher, *outbox.InMemoryStore) {
	t.Helper()
	store := outbox.NewInMemoryStore()
	pub, err := outbox.NewPublisher(store, jsonSerializer{}, dispatcher, slog.Default(), opts...)
	require.NoError(t, err)
	return pub, store
}

// TestPublisher_StageThenDrainInOrder stages three messages and verifies a
// single drain delivers them oldest first and marks them published.
func TestPublisher_StageThenDrainInOrder(t *testing.T) {
	disp := &recordingDispatcher{}
	pub, store := newTestPublisher(t, disp)
	ctx := context.Background()

	var staged []string
	for i := 0; i < 3; i++ {
		id, err := pub.Publish(ctx, orderPlaced{OrderID: fmt.Sprintf("o-%d", i)}, "orders")
		require.NoError(t, err)
		staged = append(staged, id)
	}

	result, err := pub.PublishPending(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 3, result.SuccessCount)
	assert.Zero(t, result.FailureCount)
	assert.Empty(t, result.Errors)
	assert.Equal(t, staged, disp.deliveredIDs())

	for _, id := range staged {
		m, ok := store.Get(id)
		require.True(t, ok)
		assert.Equal(t, outbox.StatusPublished, m.Status)
	}
	assert.Equal(t, uint64(3), pub.Statistics().Published())
	assert.Equal(t, 100.0, pub.Statistics().SuccessRate())
}

// TestPublisher_FailureMarksFailedAndRetrySucceeds exercises the retry path:
// one failing attempt, then recovery on the retry pass.
func TestPublisher_FailureMarksFailedAndRetrySucceeds(t *testing.T) {
	disp := &recordingDispatcher{failFor: "orders", failCount: 1}
	pub, store := newTestPublisher(t, disp)
	ctx := context.Background()

	id, err := pub.Publish(ctx, orderPlaced{OrderID: "o-1"}, "orders")
	require.NoError(t, err)

	result, err := pub.PublishPending(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, result.SuccessCount)
	require.Equal(t, 1, result.FailureCount)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Error(), "transport unavailable")

	m, _ := store.Get(id)
	require.Equal(t, outbox.StatusFailed, m.Status)
	assert.Equal(t, 1, m.RetryCount)
	assert.Contains(t, m.LastError, "transport unavailable")

	result, err = pub.RetryFailed(ctx, 3, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, result.SuccessCount)

	m, _ = store.Get(id)
	assert.Equal(t, outbox.StatusPublished, m.Status)
	assert.Equal(t, 50.0, pub.Statistics().SuccessRate())
}

// TestPublisher_RetryBudgetExhausted verifies a message that keeps failing
// stops being retried once RetryCount reaches the budget.
func TestPublisher_RetryBudgetExhausted(t *testing.T) {
	disp := &recordingDispatcher{failFor: "orders", failCount: 100}
	pub, store := newTestPublisher(t, disp)
	ctx := context.Background()

	id, err := pub.Publish(ctx, orderPlaced{OrderID: "o-1"}, "orders")
	require.NoError(t, err)

	_, err = pub.PublishPending(ctx, 100)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err = pub.RetryFailed(ctx, 3, 100)
		require.NoError(t, err)
	}

	m, _ := store.Get(id)
	assert.Equal(t, outbox.StatusFailed, m.Status)
	assert.Equal(t, 3, m.RetryCount, "retries stop at the budget")
}

// TestPublisher_NegativeMaxRetriesRejected.
func TestPublisher_NegativeMaxRetriesRejected(t *testing.T) {
	pub, _ := newTestPublisher(t, &recordingDispatcher{})
	_, err := pub.RetryFailed(context.Background(), -1, 100)
	require.ErrorIs(t, err, contracts.ErrInvalidArgument)
}

// TestPublisher_ScheduledMessageWaitsForDueTime uses a fake clock to verify
// scheduled messages stay parked until due.
func TestPublisher_ScheduledMessageWaitsForDueTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	disp := &recordingDispatcher{}
	pub, store := newTestPublisher(t, disp, outbox.WithClock(clock))
	ctx := context.Background()

	id, err := pub.Publish(ctx, orderPlaced{OrderID: "o-1"}, "orders",
		outbox.WithScheduledAt(now.Add(10*time.Minute)))
	require.NoError(t, err)
	m, _ := store.Get(id)
	require.Equal(t, outbox.StatusScheduled, m.Status)

	result, err := pub.PublishScheduled(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, result.SuccessCount)

	mu.Lock()
	now = now.Add(11 * time.Minute)
	mu.Unlock()
	result, err = pub.PublishScheduled(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, result.SuccessCount)
}

// TestPublisher_CancellationStopsBetweenMessages stages two messages, cancels
// after the first dispatch, and verifies the second stays staged.
func TestPublisher_CancellationStopsBetweenMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	disp := &cancellingDispatcher{cancel: cancel}
	pub, store := newTestPublisher(t, disp)

	id1, err := pub.Publish(context.Background(), orderPlaced{OrderID: "o-1"}, "orders")
	require.NoError(t, err)
	id2, err := pub.Publish(context.Background(), orderPlaced{OrderID: "o-2"}, "orders")
	require.NoError(t, err)

	result, err := pub.PublishPending(ctx, 100)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, result.SuccessCount)

	m1, _ := store.Get(id1)
	assert.Equal(t, outbox.StatusPublished, m1.Status, "in-flight message finishes")
	m2, _ := store.Get(id2)
	assert.Equal(t, outbox.StatusStaged, m2.Status)
}

type cancellingDispatcher struct {
	cancel context.CancelFunc
}

func (d *cancellingDispatcher) Dispatch(context.Context, any, map[string]string) (contracts.DispatchResult, error) {
	d.cancel()
	return contracts.DispatchResult{Handled: true}, nil
}

// TestPublisher_UnhandledMessageIsFailure: a dispatcher returning
// Handled=false counts as a delivery failure.
func TestPublisher_UnhandledMessageIsFailure(t *testing.T) {
	pub, store := newTestPublisher(t, unhandledDispatcher{})
	ctx := context.Background()

	id, err := pub.Publish(ctx, orderPlaced{OrderID: "o-1"}, "orders")
	require.NoError(t, err)
	result, err := pub.PublishPending(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, result.SuccessCount)
	assert.Equal(t, 1, result.FailureCount)

	m, _ := store.Get(id)
	assert.Equal(t, outbox.StatusFailed, m.Status)
	assert.Contains(t, m.LastError, "no handler")
}

type unhandledDispatcher struct{}

func (unhandledDispatcher) Dispatch(context.Context, any, map[string]string) (contracts.DispatchResult, error) {
	return contracts.DispatchResult{Handled: false}, nil
}

type stubTransport struct {
	mu        sync.Mutex
	sent      [][]byte
	failTimes int
}

func (s *stubTransport) Send(_ context.Context, payload []byte, _ string, _ map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failTimes > 0 {
		s.failTimes--
		return errors.New("broker down")
	}
	s.sent = append(s.sent, payload)
	return nil
}

// TestPublisher_FanOutPartialFailure stages one message for two transports,
// fails one, and verifies the parent only publishes after the lagging
// transport succeeds on the next pass.
func TestPublisher_FanOutPartialFailure(t *testing.T) {
	kafka := &stubTransport{}
	sqs := &stubTransport{failTimes: 1}
	registry := outbox.NewTransportRegistry()
	require.NoError(t, registry.Register("kafka", kafka, "Kafka"))
	require.NoError(t, registry.Register("sqs", sqs, "Amazon SQS"))

	pub, store := newTestPublisher(t, &recordingDispatcher{}, outbox.WithTransportRegistry(registry))
	ctx := context.Background()

	id, err := pub.PublishToTransports(ctx, orderPlaced{OrderID: "o-1"}, "orders", []string{"kafka", "sqs"})
	require.NoError(t, err)

	sent, err := pub.PublishPendingTransportDeliveries(ctx, "kafka", 100)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	sent, err = pub.PublishPendingTransportDeliveries(ctx, "sqs", 100)
	require.NoError(t, err)
	assert.Zero(t, sent)

	m, _ := store.Get(id)
	require.Equal(t, outbox.StatusStaged, m.Status, "parent stays staged until every transport delivers")

	rows := store.TransportDeliveries(id)
	require.Len(t, rows, 2)
	assert.Equal(t, outbox.TransportSent, rows[0].Status) // kafka
	assert.Equal(t, outbox.TransportFailed, rows[1].Status)
	assert.Equal(t, 1, rows[1].RetryCount)

	// Next pass: sqs recovered.
	sent, err = pub.PublishPendingTransportDeliveries(ctx, "sqs", 100)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	m, _ = store.Get(id)
	assert.Equal(t, outbox.StatusPublished, m.Status)
	require.Len(t, kafka.sent, 1)
	require.Len(t, sqs.sent, 1)
}

// TestPublisher_FanOutUnknownTransportRejectedAtStage.
func TestPublisher_FanOutUnknownTransportRejectedAtStage(t *testing.T) {
	registry := outbox.NewTransportRegistry()
	require.NoError(t, registry.Register("kafka", &stubTransport{}, ""))
	pub, _ := newTestPublisher(t, &recordingDispatcher{}, outbox.WithTransportRegistry(registry))

	_, err := pub.PublishToTransports(context.Background(), orderPlaced{}, "orders", []string{"kafka", "pigeon"})
	require.ErrorIs(t, err, contracts.ErrNotFound)
}
