package saga_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TrigintaFaces/excalibur-dispatch/pkg/contracts"
	"github.com/TrigintaFaces/excalibur-dispatch/pkg/observability"
	"github.com/TrigintaFaces/excalibur-dispatch/pkg/saga"
)

type paymentTimeout struct {
	OrderID string `json:"order_id"`
}

type capturingDispatcher struct {
	mu       sync.Mutex
	messages []any
	err      error
}

func (d *capturingDispatcher) Dispatch(_ context.Context, message any, _ map[string]string) (contracts.DispatchResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return contracts.DispatchResult{}, d.err
	}
	d.messages = append(d.messages, message)
	return contracts.DispatchResult{Handled: true}, nil
}

func (d *capturingDispatcher) captured() []any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]any(nil), d.messages...)
}

func newDeliveryFixture(t *testing.T, dispatcher contracts.Dispatcher) (*saga.DeliveryService, *saga.MemoryTimeoutStore, *saga.TimeoutTypeRegistry) {
	t.Helper()
	store := saga.NewMemoryTimeoutStore()
	types := saga.NewTimeoutTypeRegistry()
	require.NoError(t, types.Register("orders.PaymentTimeout", func() any { return &paymentTimeout{} }))

	svc, err := saga.NewDeliveryService(store, types, jsonSerializer{}, dispatcher,
		saga.DefaultDeliveryOptions(), nil, slog.Default())
	require.NoError(t, err)
	return svc, store, types
}

func scheduleDue(t *testing.T, store *saga.MemoryTimeoutStore, id, timeoutType string, payload []byte) {
	t.Helper()
	now := time.Now()
	require.NoError(t, store.Schedule(context.Background(), &saga.Timeout{
		TimeoutID:   id,
		SagaID:      "o-1",
		SagaType:    "OrderSaga",
		TimeoutType: timeoutType,
		Payload:     payload,
		DueAt:       now.Add(-time.Minute),
		ScheduledAt: now.Add(-2 * time.Minute),
	}))
}

// TestDelivery_DueTimeoutDispatchedAndMarked: a due timeout is delivered as
// a typed message and removed from the store.
func TestDelivery_DueTimeoutDispatchedAndMarked(t *testing.T) {
	disp := &capturingDispatcher{}
	svc, store, _ := newDeliveryFixture(t, disp)
	scheduleDue(t, store, "t1", "orders.PaymentTimeout", []byte(`{"order_id":"o-1"}`))

	delivered, err := svc.DeliverDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	captured := disp.captured()
	require.Len(t, captured, 1)
	msg, ok := captured[0].(*paymentTimeout)
	require.True(t, ok, "dispatched message must be the resolved type")
	assert.Equal(t, "o-1", msg.OrderID)
	assert.Zero(t, store.Len(), "delivered timeout is removed")
}

// TestDelivery_NilPayloadDispatchesDefaultInstance.
func TestDelivery_NilPayloadDispatchesDefaultInstance(t *testing.T) {
	disp := &capturingDispatcher{}
	svc, store, _ := newDeliveryFixture(t, disp)
	scheduleDue(t, store, "t1", "orders.PaymentTimeout", nil)

	delivered, err := svc.DeliverDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	captured := disp.captured()
	require.Len(t, captured, 1)
	msg := captured[0].(*paymentTimeout)
	assert.Empty(t, msg.OrderID)
}

// TestDelivery_UnresolvableTypeMarkedDeliveredWithoutDispatch: unknown
// timeout types are dropped, not retried forever.
func TestDelivery_UnresolvableTypeMarkedDeliveredWithoutDispatch(t *testing.T) {
	disp := &capturingDispatcher{}
	svc, store, _ := newDeliveryFixture(t, disp)
	scheduleDue(t, store, "t1", "orders.UnknownTimeout", nil)

	delivered, err := svc.DeliverDue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, delivered)
	assert.Empty(t, disp.captured())
	assert.Zero(t, store.Len(), "unresolvable timeout still marked delivered")
}

// TestDelivery_DispatchFailureLeavesRowForNextPass.
func TestDelivery_DispatchFailureLeavesRowForNextPass(t *testing.T) {
	disp := &capturingDispatcher{err: errors.New("bus unavailable")}
	svc, store, _ := newDeliveryFixture(t, disp)
	scheduleDue(t, store, "t1", "orders.PaymentTimeout", nil)

	delivered, err := svc.DeliverDue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, delivered)
	assert.Equal(t, 1, store.Len(), "transient failure keeps the row")

	// Bus recovers; the next pass delivers.
	disp.mu.Lock()
	disp.err = nil
	disp.mu.Unlock()
	delivered, err = svc.DeliverDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.Zero(t, store.Len())
}

// TestDelivery_CorruptPayloadDropped: undecodable payloads are permanent
// failures and get marked delivered.
func TestDelivery_CorruptPayloadDropped(t *testing.T) {
	disp := &capturingDispatcher{}
	svc, store, _ := newDeliveryFixture(t, disp)
	scheduleDue(t, store, "t1", "orders.PaymentTimeout", []byte(`{not json`))

	delivered, err := svc.DeliverDue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, delivered)
	assert.Empty(t, disp.captured())
	assert.Zero(t, store.Len())
}

// TestDelivery_BackgroundLoopBeatsHeartbeat runs the real loop briefly.
func TestDelivery_BackgroundLoopBeatsHeartbeat(t *testing.T) {
	disp := &capturingDispatcher{}
	store := saga.NewMemoryTimeoutStore()
	types := saga.NewTimeoutTypeRegistry()
	require.NoError(t, types.Register("orders.PaymentTimeout", func() any { return &paymentTimeout{} }))

	heartbeats := observability.NewHeartbeatRegistry(observability.DefaultHeartbeatThresholds())
	opts := saga.DeliveryOptions{PollInterval: 5 * time.Millisecond, BatchSize: 10}
	svc, err := saga.NewDeliveryService(store, types, jsonSerializer{}, disp, opts, heartbeats, slog.Default())
	require.NoError(t, err)

	scheduleDue(t, store, "t1", "orders.PaymentTimeout", []byte(`{"order_id":"o-1"}`))
	svc.Start(context.Background())
	defer svc.Stop()

	require.Eventually(t, func() bool {
		return store.Len() == 0 && heartbeats.Status("timeout-delivery") == observability.StatusHealthy
	}, 2*time.Second, 5*time.Millisecond)
}
