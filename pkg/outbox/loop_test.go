package outbox_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TrigintaFaces/excalibur-dispatch/pkg/observability"
	"github.com/TrigintaFaces/excalibur-dispatch/pkg/outbox"
)

// TestProcessingLoop_DrainsStagedMessages runs the loop at a short interval
// and verifies staged messages get delivered without explicit drain calls.
func TestProcessingLoop_DrainsStagedMessages(t *testing.T) {
	disp := &recordingDispatcher{}
	pub, store := newTestPublisher(t, disp)
	ctx := context.Background()

	id, err := pub.Publish(ctx, orderPlaced{OrderID: "o-1"}, "orders")
	require.NoError(t, err)

	opts := outbox.DefaultProcessingOptions()
	opts.PollingInterval = 10 * time.Millisecond
	heartbeats := observability.NewHeartbeatRegistry(observability.DefaultHeartbeatThresholds())
	loop := outbox.NewProcessingLoop(pub, opts, heartbeats, slog.Default())

	loop.Start(ctx)
	defer loop.Stop()

	require.Eventually(t, func() bool {
		m, ok := store.Get(id)
		return ok && m.Status == outbox.StatusPublished
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return heartbeats.Status("outbox-loop") == observability.StatusHealthy
	}, 2*time.Second, 5*time.Millisecond)
}

// TestProcessingLoop_DisabledNeverPolls.
func TestProcessingLoop_DisabledNeverPolls(t *testing.T) {
	disp := &recordingDispatcher{}
	pub, store := newTestPublisher(t, disp)
	ctx := context.Background()

	id, err := pub.Publish(ctx, orderPlaced{OrderID: "o-1"}, "orders")
	require.NoError(t, err)

	opts := outbox.DefaultProcessingOptions()
	opts.Enabled = false
	opts.PollingInterval = time.Millisecond
	loop := outbox.NewProcessingLoop(pub, opts, nil, slog.Default())

	loop.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	loop.Stop()

	m, _ := store.Get(id)
	assert.Equal(t, outbox.StatusStaged, m.Status)
}

// TestProcessingLoop_StopWaitsForCurrentPass verifies Stop returns only once
// the loop goroutine exited, and is safe to call twice.
func TestProcessingLoop_StopWaitsForCurrentPass(t *testing.T) {
	pub, _ := newTestPublisher(t, &recordingDispatcher{})
	opts := outbox.DefaultProcessingOptions()
	opts.PollingInterval = 5 * time.Millisecond
	loop := outbox.NewProcessingLoop(pub, opts, nil, slog.Default())

	loop.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	loop.Stop()
	loop.Stop()
}

// TestBackoffPolicy_Deterministic verifies the same key and attempt always
// produce the same delay, capped at Max.
func TestBackoffPolicy_Deterministic(t *testing.T) {
	p := outbox.DefaultBackoffPolicy()
	d1 := p.Delay("outbox-loop", 3)
	d2 := p.Delay("outbox-loop", 3)
	assert.Equal(t, d1, d2)

	assert.NotEqual(t, p.Delay("outbox-loop", 2), p.Delay("timeout-delivery", 2))
	assert.LessOrEqual(t, p.Delay("outbox-loop", 30), p.Max)
	assert.GreaterOrEqual(t, p.Delay("outbox-loop", 0), p.Base)
}

// TestBackoffPolicy_GrowsWithAttempts.
func TestBackoffPolicy_GrowsWithAttempts(t *testing.T) {
	p := outbox.BackoffPolicy{Base: 100 * time.Millisecond, Max: 10 * time.Second}
	prev := time.Duration(0)
	for attempt := 0; attempt < 6; attempt++ {
		d := p.Delay("k", attempt)
		assert.Greater(t, d, prev, "attempt %d", attempt)
		prev = d
	}
}

// TestStatistics_SuccessRateStartsAtHundred.
func TestStatistics_SuccessRateStartsAtHundred(t *testing.T) {
	s := outbox.NewStatistics()
	assert.Equal(t, 100.0, s.SuccessRate())
	snap := s.Snapshot()
	assert.Zero(t, snap.Operations)
	assert.Equal(t, 100.0, snap.SuccessRate)
}
