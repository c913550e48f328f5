package waitstrategy_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/TrigintaFaces/excalibur-dispatch/pkg/waitstrategy"
)

func strategies() map[string]waitstrategy.Strategy {
	return map[string]waitstrategy.Strategy{
		"spin":     waitstrategy.NewSpin(),
		"yield":    waitstrategy.NewYield(),
		"park":     waitstrategy.NewPark(),
		"hybrid":   waitstrategy.NewHybrid(),
		"sleeping": waitstrategy.NewSleeping(time.Millisecond),
	}
}

// TestWaitFor_ImmediateReady verifies no strategy blocks when the condition
// already holds.
func TestWaitFor_ImmediateReady(t *testing.T) {
	for name, s := range strategies() {
		t.Run(name, func(t *testing.T) {
			err := s.WaitFor(context.Background(), func() bool { return true })
			require.NoError(t, err)
		})
	}
}

// TestWaitFor_Cancellation verifies every strategy observes cancellation
// while the condition stays false.
func TestWaitFor_Cancellation(t *testing.T) {
	for name, s := range strategies() {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			err := s.WaitFor(ctx, func() bool { return false })
			require.ErrorIs(t, err, context.DeadlineExceeded)
		})
	}
}

// TestWaitFor_SignalWakesWaiter verifies a waiter parked on a false condition
// resumes once the condition flips and SignalAll fires.
func TestWaitFor_SignalWakesWaiter(t *testing.T) {
	for name, s := range strategies() {
		t.Run(name, func(t *testing.T) {
			var flag atomic.Bool
			done := make(chan error, 1)
			go func() {
				done <- s.WaitFor(context.Background(), flag.Load)
			}()

			time.Sleep(10 * time.Millisecond)
			flag.Store(true)
			s.SignalAll()

			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(2 * time.Second):
				t.Fatal("waiter did not wake after signal")
			}
		})
	}
}

// TestSignalAll_WakesAllWaiters verifies a single broadcast releases every
// parked goroutine.
func TestSignalAll_WakesAllWaiters(t *testing.T) {
	s := waitstrategy.NewPark()
	var flag atomic.Bool
	const waiters = 8

	var wg sync.WaitGroup
	wg.Add(waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			defer wg.Done()
			_ = s.WaitFor(context.Background(), flag.Load)
		}()
	}

	time.Sleep(10 * time.Millisecond)
	flag.Store(true)
	s.SignalAll()

	doneCh := make(chan struct{})
	go func() { wg.Wait(); close(doneCh) }()
	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("not all waiters woke")
	}
}
