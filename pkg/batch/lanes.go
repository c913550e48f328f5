package batch

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/TrigintaFaces/excalibur-dispatch/pkg/channel"
	"github.com/TrigintaFaces/excalibur-dispatch/pkg/contracts"
)

// LaneOptions configures a LaneProcessor.
type LaneOptions struct {
	// Lanes is the number of dedicated worker goroutines. Zero selects 4.
	Lanes int

	// LaneCapacity bounds each lane's queue. Zero selects 256.
	LaneCapacity int
}

// LaneProcessor distributes work across dedicated worker lanes. Items with
// the same partition key always land on the same lane, so per-key ordering
// is preserved while distinct keys run in parallel.
type LaneProcessor[T any] struct {
	handle func(ctx context.Context, item T) error
	lanes  []*channel.Channel[T]
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewLaneProcessor starts one goroutine per lane.
func NewLaneProcessor[T any](handle func(ctx context.Context, item T) error, opts LaneOptions, logger *slog.Logger) (*LaneProcessor[T], error) {
	if handle == nil {
		return nil, fmt.Errorf("%w: handle callback", contracts.ErrNilArgument)
	}
	if opts.Lanes <= 0 {
		opts.Lanes = 4
	}
	if opts.LaneCapacity <= 0 {
		opts.LaneCapacity = 256
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &LaneProcessor[T]{
		handle: handle,
		lanes:  make([]*channel.Channel[T], opts.Lanes),
		logger: logger,
	}
	for i := range p.lanes {
		p.lanes[i] = channel.NewBounded[T](opts.LaneCapacity)
		p.wg.Add(1)
		go p.runLane(i)
	}
	return p, nil
}

// Submit routes the item to the lane owning its partition key, blocking while
// that lane's queue is full.
func (p *LaneProcessor[T]) Submit(ctx context.Context, partitionKey string, item T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lane := p.lanes[laneIndex(partitionKey, len(p.lanes))]
	if err := lane.Write(ctx, item); err != nil {
		if errors.Is(err, channel.ErrCompleted) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Close stops intake on every lane and blocks until all lanes drain.
func (p *LaneProcessor[T]) Close(ctx context.Context) error {
	for _, lane := range p.lanes {
		lane.Complete()
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *LaneProcessor[T]) runLane(idx int) {
	defer p.wg.Done()
	ctx := context.Background()
	for {
		item, err := p.lanes[idx].Read(ctx)
		if err != nil {
			return
		}
		p.invoke(ctx, idx, item)
	}
}

func (p *LaneProcessor[T]) invoke(ctx context.Context, idx int, item T) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("lane handler panicked; item dropped", "lane", idx, "panic", r)
		}
	}()
	if err := p.handle(ctx, item); err != nil {
		p.logger.Error("lane handler failed; item dropped", "lane", idx, "error", err)
	}
}

func laneIndex(key string, lanes int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(lanes))
}
