// Package batch coalesces submitted items into bounded batches and fans work
// out across dedicated worker lanes.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/TrigintaFaces/excalibur-dispatch/pkg/channel"
	"github.com/TrigintaFaces/excalibur-dispatch/pkg/contracts"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("batch processor closed")

// Options configures a Processor.
type Options struct {
	// MaxBatchSize caps the number of items handed to the callback at once.
	MaxBatchSize int

	// MaxBatchDelay bounds how long a partial batch may age before flushing,
	// measured from the arrival of its first item.
	MaxBatchDelay time.Duration

	// ChannelCapacity bounds the intake queue. Submit back-pressures when the
	// queue is full. Zero selects MaxBatchSize * 4.
	ChannelCapacity int
}

func (o Options) validate() error {
	if o.MaxBatchSize < 1 {
		return fmt.Errorf("%w: MaxBatchSize must be >= 1", contracts.ErrInvalidArgument)
	}
	if o.MaxBatchDelay <= 0 {
		return fmt.Errorf("%w: MaxBatchDelay must be positive", contracts.ErrInvalidArgument)
	}
	return nil
}

// Processor groups submitted items into batches bounded by size and age.
//
// Every submitted item is delivered to the callback in exactly one batch and
// the callback never sees an empty batch. A failing batch is logged and
// dropped; the processor keeps consuming.
type Processor[T any] struct {
	process func(ctx context.Context, items []T) error
	opts    Options
	intake  *channel.Channel[T]
	logger  *slog.Logger
	done    chan struct{}
}

// NewProcessor starts the background consumer. The callback runs on a single
// goroutine, so it does not need internal synchronisation.
func NewProcessor[T any](process func(ctx context.Context, items []T) error, opts Options, logger *slog.Logger) (*Processor[T], error) {
	if process == nil {
		return nil, fmt.Errorf("%w: process callback", contracts.ErrNilArgument)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.ChannelCapacity <= 0 {
		opts.ChannelCapacity = opts.MaxBatchSize * 4
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Processor[T]{
		process: process,
		opts:    opts,
		intake:  channel.NewBounded[T](opts.ChannelCapacity),
		logger:  logger,
		done:    make(chan struct{}),
	}
	go p.run()
	return p, nil
}

// Submit enqueues one item. It back-pressures while the intake queue is full
// and returns ctx.Err() without enqueuing when cancelled first.
func (p *Processor[T]) Submit(ctx context.Context, item T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.intake.Write(ctx, item); err != nil {
		if errors.Is(err, channel.ErrCompleted) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Close stops intake, flushes buffered items unless ctx is already
// cancelled, and blocks until the background loop exits.
func (p *Processor[T]) Close(ctx context.Context) error {
	p.intake.Complete()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor[T]) run() {
	defer close(p.done)
	ctx := context.Background()

	for {
		first, err := p.intake.Read(ctx)
		if err != nil {
			return
		}

		batch := make([]T, 1, p.opts.MaxBatchSize)
		batch[0] = first
		deadline := time.Now().Add(p.opts.MaxBatchDelay)

		for len(batch) < p.opts.MaxBatchSize {
			if item, ok := p.intake.TryRead(); ok {
				batch = append(batch, item)
				continue
			}
			remaining := time.Until(deadline)
			if remaining <= 0 {
				break
			}
			waitCtx, cancel := context.WithTimeout(ctx, remaining)
			readable, err := p.intake.WaitToRead(waitCtx)
			cancel()
			if err != nil || !readable {
				// Deadline hit or intake completed; flush what we have.
				break
			}
		}

		p.flush(ctx, batch)
	}
}

func (p *Processor[T]) flush(ctx context.Context, items []T) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("batch callback panicked; batch dropped",
				"batch_size", len(items), "panic", r)
		}
	}()
	if err := p.process(ctx, items); err != nil {
		p.logger.Error("batch callback failed; batch dropped",
			"batch_size", len(items), "error", err)
	}
}
