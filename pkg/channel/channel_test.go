package channel_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TrigintaFaces/excalibur-dispatch/pkg/channel"
)

// TestUnbounded_FIFO verifies single-producer FIFO ordering.
func TestUnbounded_FIFO(t *testing.T) {
	ch := channel.NewUnbounded[int]()
	for i := 0; i < 100; i++ {
		require.True(t, ch.TryWrite(i))
	}
	require.Equal(t, 100, ch.Len())

	for i := 0; i < 100; i++ {
		got, ok := ch.TryRead()
		require.True(t, ok)
		require.Equal(t, i, got)
	}
	_, ok := ch.TryRead()
	require.False(t, ok)
}

// TestUnbounded_GrowsPastInitialBuffer exercises ring-buffer growth.
func TestUnbounded_GrowsPastInitialBuffer(t *testing.T) {
	ch := channel.NewUnbounded[int]()
	const n = 10_000
	for i := 0; i < n; i++ {
		require.True(t, ch.TryWrite(i))
	}
	for i := 0; i < n; i++ {
		got, ok := ch.TryRead()
		require.True(t, ok)
		require.Equal(t, i, got)
	}
}

// TestBounded_Wait_TryWriteFailsWhenFull verifies the back-pressure mode
// rejects non-blocking writes at capacity.
func TestBounded_Wait_TryWriteFailsWhenFull(t *testing.T) {
	ch := channel.NewBounded[string](2)
	require.True(t, ch.TryWrite("a"))
	require.True(t, ch.TryWrite("b"))
	require.False(t, ch.TryWrite("c"))
	require.Equal(t, 2, ch.Len())
}

// TestBounded_Wait_WriteBlocksUntilSlotFrees verifies property 5: concurrent
// writers suspend until readers free a slot and the queue never exceeds N.
func TestBounded_Wait_WriteBlocksUntilSlotFrees(t *testing.T) {
	ch := channel.NewBounded[int](1)
	require.NoError(t, ch.Write(context.Background(), 1))

	wrote := make(chan error, 1)
	go func() {
		wrote <- ch.Write(context.Background(), 2)
	}()

	select {
	case err := <-wrote:
		t.Fatalf("write completed on a full channel: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	got, ok := ch.TryRead()
	require.True(t, ok)
	require.Equal(t, 1, got)

	select {
	case err := <-wrote:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked writer never resumed")
	}

	got, err := ch.Read(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, got)
}

// TestBounded_Wait_WriteCancellation verifies a blocked writer observes
// context cancellation.
func TestBounded_Wait_WriteCancellation(t *testing.T) {
	ch := channel.NewBounded[int](1)
	require.True(t, ch.TryWrite(1))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := ch.Write(ctx, 2)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, ch.Len())
}

// TestBounded_DropNewest discards the incoming item at capacity.
func TestBounded_DropNewest(t *testing.T) {
	ch := channel.New[int](channel.Options{Capacity: 2, FullMode: channel.FullModeDropNewest})
	require.True(t, ch.TryWrite(1))
	require.True(t, ch.TryWrite(2))
	require.True(t, ch.TryWrite(3)) // dropped

	a, _ := ch.TryRead()
	b, _ := ch.TryRead()
	assert.Equal(t, []int{1, 2}, []int{a, b})
	_, ok := ch.TryRead()
	assert.False(t, ok)
}

// TestBounded_DropOldest evicts the head at capacity.
func TestBounded_DropOldest(t *testing.T) {
	ch := channel.New[int](channel.Options{Capacity: 2, FullMode: channel.FullModeDropOldest})
	require.True(t, ch.TryWrite(1))
	require.True(t, ch.TryWrite(2))
	require.True(t, ch.TryWrite(3)) // evicts 1

	a, _ := ch.TryRead()
	b, _ := ch.TryRead()
	assert.Equal(t, []int{2, 3}, []int{a, b})
}

// TestComplete_ReaderDrainsThenObservesCompletion verifies buffered items
// survive Complete and readers then see ErrCompleted.
func TestComplete_ReaderDrainsThenObservesCompletion(t *testing.T) {
	ch := channel.NewUnbounded[int]()
	require.True(t, ch.TryWrite(7))
	require.True(t, ch.Complete())
	require.False(t, ch.Complete())

	got, err := ch.Read(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, got)

	_, err = ch.Read(context.Background())
	require.ErrorIs(t, err, channel.ErrCompleted)

	require.False(t, ch.TryWrite(8))
}

// TestCompleteWithError_SurfacedAfterDrain verifies the completion error
// reaches the reader only after the buffer drains.
func TestCompleteWithError_SurfacedAfterDrain(t *testing.T) {
	boom := errors.New("upstream failed")
	ch := channel.NewUnbounded[int]()
	require.True(t, ch.TryWrite(1))
	require.True(t, ch.CompleteWithError(boom))

	_, err := ch.Read(context.Background())
	require.NoError(t, err)

	_, err = ch.Read(context.Background())
	require.ErrorIs(t, err, boom)
}

// TestWaitToRead_FalseAfterCompletion verifies WaitToRead returns false only
// once the channel is completed and drained.
func TestWaitToRead_FalseAfterCompletion(t *testing.T) {
	ch := channel.NewUnbounded[int]()
	require.True(t, ch.TryWrite(1))
	ch.Complete()

	ok, err := ch.WaitToRead(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	_, _ = ch.TryRead()
	ok, err = ch.WaitToRead(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

// TestConcurrent_ManyProducersManyConsumers verifies no items are lost or
// duplicated under contention and the bound is respected.
func TestConcurrent_ManyProducersManyConsumers(t *testing.T) {
	const producers = 4
	const perProducer = 500
	ch := channel.NewBounded[int](8)

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if err := ch.Write(context.Background(), p*perProducer+i); err != nil {
					t.Errorf("write: %v", err)
					return
				}
			}
		}(p)
	}
	go func() {
		wg.Wait()
		ch.Complete()
	}()

	seen := make(map[int]bool)
	var mu sync.Mutex
	var cwg sync.WaitGroup
	cwg.Add(3)
	for r := 0; r < 3; r++ {
		go func() {
			defer cwg.Done()
			for {
				v, err := ch.Read(context.Background())
				if err != nil {
					return
				}
				mu.Lock()
				if seen[v] {
					t.Errorf("duplicate item %d", v)
				}
				seen[v] = true
				mu.Unlock()
			}
		}()
	}
	cwg.Wait()
	require.Len(t, seen, producers*perProducer)
}

// TestTryPeek_DoesNotConsume.
func TestTryPeek_DoesNotConsume(t *testing.T) {
	ch := channel.NewUnbounded[int]()
	_, ok := ch.TryPeek()
	require.False(t, ok)

	ch.TryWrite(42)
	v, ok := ch.TryPeek()
	require.True(t, ok)
	require.Equal(t, 42, v)
	require.Equal(t, 1, ch.Len())
}
