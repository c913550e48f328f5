package batch_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/TrigintaFaces/excalibur-dispatch/pkg/batch"
)

// TestLaneProcessor_PerKeyOrdering verifies items sharing a partition key are
// handled in submission order even with many lanes.
func TestLaneProcessor_PerKeyOrdering(t *testing.T) {
	var mu sync.Mutex
	perKey := make(map[string][]int)

	type item struct {
		key string
		seq int
	}
	p, err := batch.NewLaneProcessor(func(_ context.Context, it item) error {
		mu.Lock()
		perKey[it.key] = append(perKey[it.key], it.seq)
		mu.Unlock()
		return nil
	}, batch.LaneOptions{Lanes: 8}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	const keys = 5
	const perKeyItems = 100
	for seq := 0; seq < perKeyItems; seq++ {
		for k := 0; k < keys; k++ {
			key := fmt.Sprintf("key-%d", k)
			require.NoError(t, p.Submit(ctx, key, item{key: key, seq: seq}))
		}
	}
	require.NoError(t, p.Close(ctx))

	for k := 0; k < keys; k++ {
		got := perKey[fmt.Sprintf("key-%d", k)]
		require.Len(t, got, perKeyItems)
		for i, seq := range got {
			require.Equal(t, i, seq, "out of order for key-%d", k)
		}
	}
}

// TestLaneProcessor_HandlerFailureDoesNotStopLane.
func TestLaneProcessor_HandlerFailureDoesNotStopLane(t *testing.T) {
	var mu sync.Mutex
	var handled []int

	p, err := batch.NewLaneProcessor(func(_ context.Context, v int) error {
		if v == 1 {
			return fmt.Errorf("transient")
		}
		mu.Lock()
		handled = append(handled, v)
		mu.Unlock()
		return nil
	}, batch.LaneOptions{Lanes: 1}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.Submit(ctx, "k", 1))
	require.NoError(t, p.Submit(ctx, "k", 2))
	require.NoError(t, p.Close(ctx))

	require.Equal(t, []int{2}, handled)
}

// TestLaneProcessor_SubmitAfterClose.
func TestLaneProcessor_SubmitAfterClose(t *testing.T) {
	p, err := batch.NewLaneProcessor(func(context.Context, int) error { return nil },
		batch.LaneOptions{}, nil)
	require.NoError(t, err)
	require.NoError(t, p.Close(context.Background()))
	require.ErrorIs(t, p.Submit(context.Background(), "k", 1), batch.ErrClosed)
}
