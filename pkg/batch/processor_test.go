package batch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/TrigintaFaces/excalibur-dispatch/pkg/batch"
)

type recorder struct {
	mu      sync.Mutex
	batches [][]int
	fail    bool
}

func (r *recorder) process(_ context.Context, items []int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("downstream unavailable")
	}
	cp := make([]int, len(items))
	copy(cp, items)
	r.batches = append(r.batches, cp)
	return nil
}

func (r *recorder) snapshot() [][]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]int, len(r.batches))
	copy(out, r.batches)
	return out
}

// TestProcessor_BatchesBySize verifies a full batch flushes at MaxBatchSize
// without waiting for the delay.
func TestProcessor_BatchesBySize(t *testing.T) {
	rec := &recorder{}
	p, err := batch.NewProcessor(rec.process, batch.Options{
		MaxBatchSize:  3,
		MaxBatchDelay: time.Hour,
	}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		require.NoError(t, p.Submit(ctx, i))
	}
	require.NoError(t, p.Close(ctx))

	var total int
	for _, b := range rec.snapshot() {
		require.GreaterOrEqual(t, len(b), 1)
		require.LessOrEqual(t, len(b), 3)
		total += len(b)
	}
	require.Equal(t, 6, total)
}

// TestProcessor_FlushesByAge verifies a partial batch is delivered no later
// than MaxBatchDelay after its first item arrived.
func TestProcessor_FlushesByAge(t *testing.T) {
	rec := &recorder{}
	p, err := batch.NewProcessor(rec.process, batch.Options{
		MaxBatchSize:  100,
		MaxBatchDelay: 30 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	defer func() { _ = p.Close(context.Background()) }()

	start := time.Now()
	require.NoError(t, p.Submit(context.Background(), 42))

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, []int{42}, rec.snapshot()[0])
}

// TestProcessor_OrderPreservedSingleProducer verifies submission order within
// one producer survives batching.
func TestProcessor_OrderPreservedSingleProducer(t *testing.T) {
	rec := &recorder{}
	p, err := batch.NewProcessor(rec.process, batch.Options{
		MaxBatchSize:  4,
		MaxBatchDelay: 10 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		require.NoError(t, p.Submit(ctx, i))
	}
	require.NoError(t, p.Close(ctx))

	var flat []int
	for _, b := range rec.snapshot() {
		flat = append(flat, b...)
	}
	require.Len(t, flat, 20)
	for i, v := range flat {
		require.Equal(t, i, v)
	}
}

// TestProcessor_CallbackFailureDoesNotStopConsumption verifies a failing
// batch is dropped and later items still flow.
func TestProcessor_CallbackFailureDoesNotStopConsumption(t *testing.T) {
	rec := &recorder{fail: true}
	p, err := batch.NewProcessor(rec.process, batch.Options{
		MaxBatchSize:  1,
		MaxBatchDelay: 5 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.Submit(ctx, 1))
	time.Sleep(30 * time.Millisecond)

	rec.mu.Lock()
	rec.fail = false
	rec.mu.Unlock()

	require.NoError(t, p.Submit(ctx, 2))
	require.NoError(t, p.Close(ctx))

	batches := rec.snapshot()
	require.Len(t, batches, 1)
	require.Equal(t, []int{2}, batches[0])
}

// TestProcessor_SubmitAfterCancelDoesNotEnqueue.
func TestProcessor_SubmitAfterCancelDoesNotEnqueue(t *testing.T) {
	rec := &recorder{}
	p, err := batch.NewProcessor(rec.process, batch.Options{
		MaxBatchSize:  10,
		MaxBatchDelay: 5 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, p.Submit(ctx, 1), context.Canceled)

	require.NoError(t, p.Close(context.Background()))
	require.Empty(t, rec.snapshot())
}

// TestProcessor_SubmitAfterCloseFails.
func TestProcessor_SubmitAfterCloseFails(t *testing.T) {
	rec := &recorder{}
	p, err := batch.NewProcessor(rec.process, batch.Options{
		MaxBatchSize:  10,
		MaxBatchDelay: 5 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, p.Close(context.Background()))
	require.ErrorIs(t, p.Submit(context.Background(), 1), batch.ErrClosed)
}

// TestProcessor_RejectsInvalidOptions.
func TestProcessor_RejectsInvalidOptions(t *testing.T) {
	_, err := batch.NewProcessor(func(context.Context, []int) error { return nil },
		batch.Options{MaxBatchSize: 0, MaxBatchDelay: time.Second}, nil)
	require.Error(t, err)

	_, err = batch.NewProcessor(func(context.Context, []int) error { return nil },
		batch.Options{MaxBatchSize: 1, MaxBatchDelay: 0}, nil)
	require.Error(t, err)

	_, err = batch.NewProcessor[int](nil, batch.Options{MaxBatchSize: 1, MaxBatchDelay: time.Second}, nil)
	require.Error(t, err)
}
