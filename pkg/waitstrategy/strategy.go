// Package waitstrategy controls how a consumer blocks while a queue is empty.
//
// All strategies are interchangeable: the choice trades latency against CPU,
// never correctness. Producers call SignalAll after making the condition
// observable; WaitFor returns once the condition reports true or the context
// is cancelled.
package waitstrategy

import (
	"context"
	"runtime"
	"sync"
	"time"
)

// Strategy suspends a caller until a condition holds.
type Strategy interface {
	// WaitFor blocks until ready() returns true or ctx is cancelled.
	WaitFor(ctx context.Context, ready func() bool) error

	// SignalAll wakes every goroutine blocked in WaitFor.
	SignalAll()
}

// Spin busy-loops on the condition. Lowest wake-up latency, burns a core.
type Spin struct{}

// NewSpin creates a busy-spin strategy.
func NewSpin() *Spin { return &Spin{} }

func (s *Spin) WaitFor(ctx context.Context, ready func() bool) error {
	for i := 0; ; i++ {
		if ready() {
			return nil
		}
		// Cancellation check is amortised; ctx.Err is not free.
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
	}
}

func (s *Spin) SignalAll() {}

// Yield hands the processor to another runnable goroutine between probes.
type Yield struct{}

// NewYield creates a cooperative-yield strategy.
func NewYield() *Yield { return &Yield{} }

func (y *Yield) WaitFor(ctx context.Context, ready func() bool) error {
	for i := 0; ; i++ {
		if ready() {
			return nil
		}
		if i%64 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		runtime.Gosched()
	}
}

func (y *Yield) SignalAll() {}

// Park blocks waiters on a broadcast channel until signalled.
type Park struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewPark creates an OS-level parking strategy.
func NewPark() *Park {
	return &Park{ch: make(chan struct{})}
}

func (p *Park) WaitFor(ctx context.Context, ready func() bool) error {
	for {
		if ready() {
			return nil
		}
		p.mu.Lock()
		ch := p.ch
		p.mu.Unlock()
		// Re-probe after capturing the generation channel; a signal between
		// the probe and the select closes ch, so the wake-up is never lost.
		if ready() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (p *Park) SignalAll() {
	p.mu.Lock()
	close(p.ch)
	p.ch = make(chan struct{})
	p.mu.Unlock()
}

// Hybrid escalates spin, then yield, then park as the wait grows.
// This is the default strategy.
type Hybrid struct {
	spinIterations  int
	yieldIterations int
	park            *Park
}

// NewHybrid creates the default escalating strategy.
func NewHybrid() *Hybrid {
	return &Hybrid{
		spinIterations:  128,
		yieldIterations: 64,
		park:            NewPark(),
	}
}

func (h *Hybrid) WaitFor(ctx context.Context, ready func() bool) error {
	for i := 0; i < h.spinIterations; i++ {
		if ready() {
			return nil
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for i := 0; i < h.yieldIterations; i++ {
		if ready() {
			return nil
		}
		runtime.Gosched()
	}
	return h.park.WaitFor(ctx, ready)
}

func (h *Hybrid) SignalAll() { h.park.SignalAll() }

// Sleeping probes the condition on a fixed interval. Cheapest under idle
// load; wake-up latency is bounded by the interval.
type Sleeping struct {
	Interval time.Duration
	park     *Park
}

// NewSleeping creates a strategy that polls every interval.
func NewSleeping(interval time.Duration) *Sleeping {
	if interval <= 0 {
		interval = time.Millisecond
	}
	return &Sleeping{Interval: interval, park: NewPark()}
}

func (s *Sleeping) WaitFor(ctx context.Context, ready func() bool) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		if ready() {
			return nil
		}
		p := s.park
		p.mu.Lock()
		ch := p.ch
		p.mu.Unlock()
		if ready() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		case <-ticker.C:
		}
	}
}

func (s *Sleeping) SignalAll() { s.park.SignalAll() }
