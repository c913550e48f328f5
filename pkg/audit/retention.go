package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/TrigintaFaces/excalibur-dispatch/pkg/contracts"
	"github.com/TrigintaFaces/excalibur-dispatch/pkg/observability"
)

// Archiver moves expired events to cold storage before they are deleted.
type Archiver interface {
	Archive(ctx context.Context, events []*Event) error
}

// RetentionOptions tunes the background sweep.
type RetentionOptions struct {
	// RetentionPeriod keeps events at least this long. Default seven years.
	RetentionPeriod time.Duration
	// CleanupInterval is the sweep cadence. Default one day.
	CleanupInterval time.Duration
	// BatchSize bounds events handled per sweep pass. Default 10000.
	BatchSize int
	// ArchiveBeforeDelete requires a successful archive before rows go away.
	ArchiveBeforeDelete bool
}

// DefaultRetentionOptions matches the compliance default of seven years.
func DefaultRetentionOptions() RetentionOptions {
	return RetentionOptions{
		RetentionPeriod: 7 * 365 * 24 * time.Hour,
		CleanupInterval: 24 * time.Hour,
		BatchSize:       10000,
	}
}

func (o *RetentionOptions) normalize() {
	if o.RetentionPeriod <= 0 {
		o.RetentionPeriod = 7 * 365 * 24 * time.Hour
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = 24 * time.Hour
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10000
	}
}

// RetentionService sweeps expired audit events on a timer. When an archiver
// is configured and ArchiveBeforeDelete is set, an archive failure aborts
// the sweep and the rows stay for the next pass.
type RetentionService struct {
	store      RetentionStore
	archiver   Archiver
	opts       RetentionOptions
	heartbeats *observability.HeartbeatRegistry
	logger     *slog.Logger
	clock      contracts.Clock

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

const retentionJob = "audit-retention"

// NewRetentionService wires the sweep. archiver may be nil when
// ArchiveBeforeDelete is off.
func NewRetentionService(store RetentionStore, archiver Archiver, opts RetentionOptions, heartbeats *observability.HeartbeatRegistry, logger *slog.Logger) (*RetentionService, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: retention store", contracts.ErrNilArgument)
	}
	if opts.ArchiveBeforeDelete && archiver == nil {
		return nil, fmt.Errorf("%w: archiver required when ArchiveBeforeDelete is set", contracts.ErrNilArgument)
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts.normalize()
	return &RetentionService{
		store:      store,
		archiver:   archiver,
		opts:       opts,
		heartbeats: heartbeats,
		logger:     logger.With(slog.String("component", "audit-retention")),
		clock:      contracts.SystemClock,
	}, nil
}

// Start launches the sweep loop. Starting twice is an error.
func (s *RetentionService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("retention service already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go s.run(loopCtx, s.done)
	return nil
}

// Stop halts the loop and waits for the in-flight sweep to finish.
func (s *RetentionService) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
}

func (s *RetentionService) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("retention sweep failed", slog.String("error", err.Error()))
				continue
			}
			if s.heartbeats != nil {
				s.heartbeats.Beat(retentionJob)
			}
		}
	}
}

// RunOnce performs one sweep pass and reports how many events were removed.
func (s *RetentionService) RunOnce(ctx context.Context) (int, error) {
	cutoff := s.clock().Add(-s.opts.RetentionPeriod)
	expired, err := s.store.ListOlderThan(ctx, cutoff, s.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list expired events: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	if s.archiver != nil {
		if err := s.archiver.Archive(ctx, expired); err != nil {
			if s.opts.ArchiveBeforeDelete {
				return 0, fmt.Errorf("archive expired events: %w", err)
			}
			s.logger.Warn("archive failed, deleting anyway",
				slog.Int("events", len(expired)),
				slog.String("error", err.Error()))
		}
	}

	throughSeq := expired[len(expired)-1].SequenceNumber
	deleted, err := s.store.DeletePrefix(ctx, throughSeq)
	if err != nil {
		return 0, fmt.Errorf("delete expired events: %w", err)
	}
	s.logger.Info("retention sweep completed",
		slog.Int("deleted", deleted),
		slog.Int64("through_sequence", throughSeq),
		slog.Time("cutoff", cutoff))
	return deleted, nil
}
