package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/TrigintaFaces/excalibur-dispatch/pkg/observability"
)

// ProcessingOptions configures the background drain loop.
type ProcessingOptions struct {
	// PollingInterval between drain passes. Default 5s.
	PollingInterval time.Duration
	// BatchSize caps messages per pass. Default 100.
	BatchSize int
	// MaxRetries is the retry budget for failed messages. Default 3.
	MaxRetries int
	// ProcessScheduledMessages enables the scheduled drain step.
	ProcessScheduledMessages bool
	// RetryFailedMessages enables the failed-retry step.
	RetryFailedMessages bool
	// Enabled gates the whole loop. A disabled loop starts and stops
	// cleanly without ever polling.
	Enabled bool
	// Backoff degrades the polling interval after consecutive failing
	// passes. Zero value uses DefaultBackoffPolicy.
	Backoff BackoffPolicy
}

// DefaultProcessingOptions enables every step at a 5 second cadence.
func DefaultProcessingOptions() ProcessingOptions {
	return ProcessingOptions{
		PollingInterval:          5 * time.Second,
		BatchSize:                100,
		MaxRetries:               3,
		ProcessScheduledMessages: true,
		RetryFailedMessages:      true,
		Enabled:                  true,
		Backoff:                  DefaultBackoffPolicy(),
	}
}

// ProcessingLoop periodically drains the outbox: pending first, then due
// scheduled messages, then retryable failures, then any registered transport
// fan-out queues.
type ProcessingLoop struct {
	publisher  *Publisher
	opts       ProcessingOptions
	heartbeats *observability.HeartbeatRegistry
	logger     *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewProcessingLoop validates opts and builds the loop. heartbeats may be nil.
func NewProcessingLoop(publisher *Publisher, opts ProcessingOptions, heartbeats *observability.HeartbeatRegistry, logger *slog.Logger) *ProcessingLoop {
	if opts.PollingInterval <= 0 {
		opts.PollingInterval = 5 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Backoff == (BackoffPolicy{}) {
		opts.Backoff = DefaultBackoffPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessingLoop{
		publisher:  publisher,
		opts:       opts,
		heartbeats: heartbeats,
		logger:     logger.With(slog.String("component", "outbox-loop")),
	}
}

// Start launches the loop goroutine. Starting twice is an error-free no-op.
func (l *ProcessingLoop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return
	}
	l.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})

	if !l.opts.Enabled {
		close(l.done)
		l.logger.Info("outbox processing disabled")
		return
	}
	go l.run(loopCtx)
}

// Stop cancels the loop and waits for the current pass to finish.
func (l *ProcessingLoop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (l *ProcessingLoop) run(ctx context.Context) {
	defer close(l.done)
	l.logger.Info("outbox processing started",
		slog.Duration("interval", l.opts.PollingInterval),
		slog.Int("batch_size", l.opts.BatchSize))

	failures := 0
	timer := time.NewTimer(l.opts.PollingInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("outbox processing stopped")
			return
		case <-timer.C:
		}

		if err := l.pass(ctx); err != nil {
			if ctx.Err() != nil {
				l.logger.Info("outbox processing stopped")
				return
			}
			failures++
			delay := l.opts.Backoff.Delay("outbox-loop", failures)
			l.logger.Warn("outbox pass failed, backing off",
				slog.Int("consecutive_failures", failures),
				slog.Duration("next_poll", delay),
				slog.String("error", err.Error()))
			timer.Reset(delay)
			continue
		}

		failures = 0
		if l.heartbeats != nil {
			l.heartbeats.Beat("outbox-loop")
		}
		timer.Reset(l.opts.PollingInterval)
	}
}

// pass runs one drain cycle. Step errors degrade the loop but are otherwise
// swallowed so one sick store query cannot wedge the process.
func (l *ProcessingLoop) pass(ctx context.Context) error {
	var firstErr error
	record := func(step string, err error) {
		if err == nil {
			return
		}
		l.logger.Warn("outbox step failed",
			slog.String("step", step),
			slog.String("error", err.Error()))
		if firstErr == nil {
			firstErr = err
		}
	}

	_, err := l.publisher.PublishPending(ctx, l.opts.BatchSize)
	record("pending", err)

	if l.opts.ProcessScheduledMessages {
		_, err = l.publisher.PublishScheduled(ctx, l.opts.BatchSize)
		record("scheduled", err)
	}
	if l.opts.RetryFailedMessages {
		_, err = l.publisher.RetryFailed(ctx, l.opts.MaxRetries, l.opts.BatchSize)
		record("retry", err)
	}
	if l.publisher.transports != nil {
		for _, name := range l.publisher.transports.Names() {
			_, err = l.publisher.PublishPendingTransportDeliveries(ctx, name, l.opts.BatchSize)
			record("transport:"+name, err)
		}
	}
	return firstErr
}
