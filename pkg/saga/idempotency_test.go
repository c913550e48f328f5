package saga

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TrigintaFaces/excalibur-dispatch/pkg/contracts"
)

func TestMemoryIdempotency_MarkTwiceIsNoOp(t *testing.T) {
	p := NewMemoryIdempotencyProvider()
	ctx := context.Background()

	seen, err := p.IsProcessed(ctx, "s1", "k1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, p.MarkProcessed(ctx, "s1", "k1"))
	require.NoError(t, p.MarkProcessed(ctx, "s1", "k1"))

	seen, err = p.IsProcessed(ctx, "s1", "k1")
	require.NoError(t, err)
	assert.True(t, seen)
	assert.Equal(t, 1, p.Count(), "duplicate mark must not grow the set")
}

func TestMemoryIdempotency_TuplesAreIndependent(t *testing.T) {
	p := NewMemoryIdempotencyProvider()
	ctx := context.Background()

	require.NoError(t, p.MarkProcessed(ctx, "s1", "k1"))

	seen, err := p.IsProcessed(ctx, "s2", "k1")
	require.NoError(t, err)
	assert.False(t, seen, "same key under another saga is unprocessed")

	seen, err = p.IsProcessed(ctx, "s1", "k2")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestMemoryIdempotency_RejectsEmptyArgs(t *testing.T) {
	p := NewMemoryIdempotencyProvider()
	ctx := context.Background()

	_, err := p.IsProcessed(ctx, "", "k")
	require.ErrorIs(t, err, contracts.ErrNilArgument)
	_, err = p.IsProcessed(ctx, "s", "")
	require.ErrorIs(t, err, contracts.ErrNilArgument)
	require.ErrorIs(t, p.MarkProcessed(ctx, "", "k"), contracts.ErrNilArgument)
	require.ErrorIs(t, p.MarkProcessed(ctx, "s", ""), contracts.ErrNilArgument)
}

func TestMemoryIdempotency_HonorsCancellation(t *testing.T) {
	p := NewMemoryIdempotencyProvider()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.IsProcessed(ctx, "s", "k")
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, p.MarkProcessed(ctx, "s", "k"), context.Canceled)
}

func TestMemoryIdempotency_ConcurrentMarks(t *testing.T) {
	p := NewMemoryIdempotencyProvider()
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = p.MarkProcessed(ctx, "s1", "k1")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, p.Count())
}
