// Package channel provides the in-process dispatch queue: a typed channel
// with bounded and unbounded modes, configurable full-queue policy, and a
// pluggable wait strategy for blocked readers and writers.
package channel

import (
	"context"
	"errors"
	"sync"

	"github.com/TrigintaFaces/excalibur-dispatch/pkg/waitstrategy"
)

// ErrCompleted is returned by write operations after Complete, and by read
// operations once the channel is completed and drained.
var ErrCompleted = errors.New("channel completed")

// FullMode selects the behaviour of a bounded channel at capacity.
type FullMode int

const (
	// FullModeWait back-pressures producers until a slot frees.
	FullModeWait FullMode = iota
	// FullModeDropNewest discards the incoming item when full.
	FullModeDropNewest
	// FullModeDropOldest evicts the head to make room for the incoming item.
	FullModeDropOldest
)

// Options configures a Channel.
type Options struct {
	// Capacity bounds the queue. Zero or negative means unbounded.
	Capacity int

	// FullMode applies only to bounded channels.
	FullMode FullMode

	// SingleReader and SingleWriter are optimisation hints. Correctness does
	// not depend on them.
	SingleReader bool
	SingleWriter bool

	// WaitStrategy controls how blocked readers and writers suspend.
	// Nil selects the hybrid default.
	WaitStrategy waitstrategy.Strategy
}

// DefaultBoundedCapacity is used when a bounded channel is requested without
// an explicit capacity.
const DefaultBoundedCapacity = 1000

// Channel is a multi-producer multi-consumer queue.
type Channel[T any] struct {
	mu       sync.Mutex
	buf      []T
	head     int
	count    int
	capacity int // 0 = unbounded
	fullMode FullMode

	completed   bool
	completeErr error

	strategy waitstrategy.Strategy
}

// NewUnbounded creates a channel whose TryWrite never fails.
func NewUnbounded[T any]() *Channel[T] {
	return New[T](Options{Capacity: 0})
}

// NewBounded creates a channel with the given capacity and FullModeWait.
func NewBounded[T any](capacity int) *Channel[T] {
	if capacity <= 0 {
		capacity = DefaultBoundedCapacity
	}
	return New[T](Options{Capacity: capacity, FullMode: FullModeWait})
}

// New creates a channel from options.
func New[T any](opts Options) *Channel[T] {
	strategy := opts.WaitStrategy
	if strategy == nil {
		strategy = waitstrategy.NewHybrid()
	}
	capacity := opts.Capacity
	if capacity < 0 {
		capacity = 0
	}
	initial := capacity
	if initial == 0 {
		initial = 16
	}
	return &Channel[T]{
		buf:      make([]T, initial),
		capacity: capacity,
		fullMode: opts.FullMode,
		strategy: strategy,
	}
}

// TryWrite enqueues without blocking. It returns false when the channel is
// completed, or when a bounded FullModeWait channel is at capacity. Drop
// modes report true because the write was accepted per policy.
func (c *Channel[T]) TryWrite(item T) bool {
	c.mu.Lock()
	if c.completed {
		c.mu.Unlock()
		return false
	}
	if c.capacity > 0 && c.count == c.capacity {
		switch c.fullMode {
		case FullModeDropNewest:
			c.mu.Unlock()
			return true
		case FullModeDropOldest:
			c.dequeueLocked()
		default:
			c.mu.Unlock()
			return false
		}
	}
	c.enqueueLocked(item)
	c.mu.Unlock()
	c.strategy.SignalAll()
	return true
}

// Write enqueues, suspending on a full FullModeWait channel until a reader
// frees a slot, the channel completes, or ctx is cancelled.
func (c *Channel[T]) Write(ctx context.Context, item T) error {
	for {
		c.mu.Lock()
		if c.completed {
			c.mu.Unlock()
			return ErrCompleted
		}
		if c.capacity > 0 && c.count == c.capacity {
			switch c.fullMode {
			case FullModeDropNewest:
				c.mu.Unlock()
				return nil
			case FullModeDropOldest:
				c.dequeueLocked()
			default:
				c.mu.Unlock()
				err := c.strategy.WaitFor(ctx, func() bool {
					c.mu.Lock()
					defer c.mu.Unlock()
					return c.completed || c.count < c.capacity
				})
				if err != nil {
					return err
				}
				continue
			}
		}
		c.enqueueLocked(item)
		c.mu.Unlock()
		c.strategy.SignalAll()
		return nil
	}
}

// TryRead dequeues without blocking.
func (c *Channel[T]) TryRead() (T, bool) {
	c.mu.Lock()
	var zero T
	if c.count == 0 {
		c.mu.Unlock()
		return zero, false
	}
	item := c.dequeueLocked()
	c.mu.Unlock()
	c.strategy.SignalAll()
	return item, true
}

// Read dequeues, suspending while the channel is empty. Once the channel is
// completed and drained it returns ErrCompleted, or the error passed to
// CompleteWithError.
func (c *Channel[T]) Read(ctx context.Context) (T, error) {
	var zero T
	for {
		if item, ok := c.TryRead(); ok {
			return item, nil
		}
		ok, err := c.WaitToRead(ctx)
		if err != nil {
			return zero, err
		}
		if !ok {
			return zero, c.completionError()
		}
	}
}

// TryPeek returns the head without removing it.
func (c *Channel[T]) TryPeek() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	if c.count == 0 {
		return zero, false
	}
	return c.buf[c.head], true
}

// WaitToRead blocks until an item is readable. It returns (false, nil) only
// once the writer side has completed and the buffer is drained.
func (c *Channel[T]) WaitToRead(ctx context.Context) (bool, error) {
	err := c.strategy.WaitFor(ctx, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.count > 0 || c.completed
	})
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count > 0, nil
}

// WaitToWrite blocks until a write would not be rejected for capacity.
// It returns (false, nil) once the channel is completed.
func (c *Channel[T]) WaitToWrite(ctx context.Context) (bool, error) {
	err := c.strategy.WaitFor(ctx, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.completed || c.capacity == 0 || c.count < c.capacity || c.fullMode != FullModeWait
	})
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.completed, nil
}

// Len returns the exact number of buffered items.
func (c *Channel[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Complete marks the writer side done. Readers drain the buffer and then
// observe ErrCompleted. Returns false if already completed.
func (c *Channel[T]) Complete() bool {
	return c.complete(nil)
}

// CompleteWithError marks the writer side done and surfaces err to readers
// once the buffer is drained.
func (c *Channel[T]) CompleteWithError(err error) bool {
	return c.complete(err)
}

func (c *Channel[T]) complete(err error) bool {
	c.mu.Lock()
	if c.completed {
		c.mu.Unlock()
		return false
	}
	c.completed = true
	c.completeErr = err
	c.mu.Unlock()
	c.strategy.SignalAll()
	return true
}

func (c *Channel[T]) completionError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completeErr != nil {
		return c.completeErr
	}
	return ErrCompleted
}

func (c *Channel[T]) enqueueLocked(item T) {
	if c.count == len(c.buf) {
		// Unbounded growth; bounded channels never get here.
		grown := make([]T, len(c.buf)*2)
		for i := 0; i < c.count; i++ {
			grown[i] = c.buf[(c.head+i)%len(c.buf)]
		}
		c.buf = grown
		c.head = 0
	}
	c.buf[(c.head+c.count)%len(c.buf)] = item
	c.count++
}

func (c *Channel[T]) dequeueLocked() T {
	item := c.buf[c.head]
	var zero T
	c.buf[c.head] = zero
	c.head = (c.head + 1) % len(c.buf)
	c.count--
	return item
}
