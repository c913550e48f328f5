package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/TrigintaFaces/excalibur-dispatch/pkg/contracts"
)

var (
	// ErrEventNotFound is returned when no event exists for an id.
	ErrEventNotFound = errors.New("audit event not found")
	// ErrDuplicateEvent is returned when appending an id already in the log.
	ErrDuplicateEvent = errors.New("audit event id already appended")
	// ErrNonContiguousRetention is returned when a sweep would split the
	// chain and the store requires contiguity.
	ErrNonContiguousRetention = errors.New("retention would break chain contiguity")
)

// maxViolationScan caps how many violations an integrity walk counts after
// the first mismatch.
const maxViolationScan = 100

// IntegrityResult reports a chain verification walk. Violations are
// reported structurally, never as errors.
type IntegrityResult struct {
	Valid                 bool   `json:"valid"`
	EventsVerified        int    `json:"events_verified"`
	StartSequence         int64  `json:"start_sequence"`
	EndSequence           int64  `json:"end_sequence"`
	FirstViolationEventID string `json:"first_violation_event_id,omitempty"`
	Description           string `json:"description,omitempty"`
	ViolationCount        int    `json:"violation_count"`
}

// EntryHandler observes appended events synchronously, after the append
// committed. Used to feed the alert engine in real-time mode.
type EntryHandler func(event *Event)

// Store is the append-only audit log contract.
type Store interface {
	// Append validates, chains and persists one event.
	Append(ctx context.Context, event *Event) (*AppendReceipt, error)
	// GetByID returns one event or ErrEventNotFound.
	GetByID(ctx context.Context, eventID string) (*Event, error)
	// Query returns filtered events, newest first unless Ascending.
	Query(ctx context.Context, query *Query) ([]*Event, error)
	// VerifyChainIntegrity recomputes hashes over [startSeq, endSeq].
	// Zero bounds mean the full retained range.
	VerifyChainIntegrity(ctx context.Context, startSeq, endSeq int64) (*IntegrityResult, error)
}

// RetentionStore is the sweep-facing surface of an audit store.
type RetentionStore interface {
	// ListOlderThan returns up to limit events with Timestamp before
	// cutoff, oldest first.
	ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*Event, error)
	// DeletePrefix removes all events with sequence <= throughSeq. The
	// store records the anchor checkpoint for later verification.
	DeletePrefix(ctx context.Context, throughSeq int64) (int, error)
}

// MemoryStore is the in-process hash-chained audit log. Append is a single
// serialized critical section covering sequence allocation and the
// previous-hash read.
type MemoryStore struct {
	mu       sync.RWMutex
	events   []*Event // ascending by sequence
	byID     map[string]*Event
	nextSeq  int64
	lastHash string
	hash     contracts.HashFunction
	clock    contracts.Clock

	// anchor is the checkpoint left behind by retention: the previous
	// hash of the first surviving event.
	anchorSeq  int64
	anchorHash string
	// requireContiguous refuses retention that would split the chain
	// instead of anchoring.
	requireContiguous bool

	handlerMu sync.RWMutex
	handlers  []EntryHandler
}

// MemoryStoreOption configures the store.
type MemoryStoreOption func(*MemoryStore)

// WithHashFunction overrides the default SHA-256 chain hash.
func WithHashFunction(h contracts.HashFunction) MemoryStoreOption {
	return func(s *MemoryStore) { s.hash = h }
}

// WithClock overrides time for tests.
func WithClock(c contracts.Clock) MemoryStoreOption {
	return func(s *MemoryStore) { s.clock = c }
}

// RequireContiguousChain makes retention fail rather than leave an anchor
// checkpoint.
func RequireContiguousChain() MemoryStoreOption {
	return func(s *MemoryStore) { s.requireContiguous = true }
}

// NewMemoryStore creates an empty log.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		byID:  make(map[string]*Event),
		hash:  DefaultHashFunction,
		clock: contracts.SystemClock,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterHandler adds a synchronous append observer. Handler panics are
// contained so one bad observer cannot fail appends.
func (s *MemoryStore) RegisterHandler(h EntryHandler) {
	if h == nil {
		return
	}
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.handlers = append(s.handlers, h)
}

func (s *MemoryStore) notify(event *Event) {
	s.handlerMu.RLock()
	handlers := append([]EntryHandler(nil), s.handlers...)
	s.handlerMu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { _ = recover() }()
			h(event.Clone())
		}()
	}
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, event *Event) (*AppendReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, exists := s.byID[event.EventID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateEvent, event.EventID)
	}

	stored := event.Clone()
	stored.SequenceNumber = s.nextSeq
	stored.PreviousEventHash = s.lastHash

	hash, err := ComputeEventHash(stored, stored.PreviousEventHash, s.hash)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	stored.EventHash = hash

	s.events = append(s.events, stored)
	s.byID[stored.EventID] = stored
	s.nextSeq++
	s.lastHash = hash
	recordedAt := s.clock()
	s.mu.Unlock()

	// Observers run outside the chain critical section.
	s.notify(stored)

	event.SequenceNumber = stored.SequenceNumber
	event.PreviousEventHash = stored.PreviousEventHash
	event.EventHash = stored.EventHash
	return &AppendReceipt{
		EventID:        stored.EventID,
		EventHash:      stored.EventHash,
		SequenceNumber: stored.SequenceNumber,
		RecordedAt:     recordedAt,
	}, nil
}

// GetByID implements Store.
func (s *MemoryStore) GetByID(ctx context.Context, eventID string) (*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if eventID == "" {
		return nil, fmt.Errorf("%w: event id", contracts.ErrNilArgument)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	event, ok := s.byID[eventID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	return event.Clone(), nil
}

func matches(e *Event, q *Query) bool {
	if q.From != nil && e.Timestamp.Before(*q.From) {
		return false
	}
	if q.To != nil && e.Timestamp.After(*q.To) {
		return false
	}
	if len(q.EventTypes) > 0 && !containsEventType(q.EventTypes, e.EventType) {
		return false
	}
	if len(q.Outcomes) > 0 && !containsOutcome(q.Outcomes, e.Outcome) {
		return false
	}
	if q.ActorID != "" && e.ActorID != q.ActorID {
		return false
	}
	if q.ResourceID != "" && e.ResourceID != q.ResourceID {
		return false
	}
	if q.ResourceType != "" && e.ResourceType != q.ResourceType {
		return false
	}
	if q.TenantID != "" && e.TenantID != q.TenantID {
		return false
	}
	if q.CorrelationID != "" && e.CorrelationID != q.CorrelationID {
		return false
	}
	if q.MinimumClassification != "" &&
		classificationRank(e.ResourceClassification) < classificationRank(q.MinimumClassification) {
		return false
	}
	if q.ActionContains != "" && !strings.Contains(e.Action, q.ActionContains) {
		return false
	}
	if q.IPAddress != "" && e.IPAddress != q.IPAddress {
		return false
	}
	return true
}

func containsEventType(set []EventType, t EventType) bool {
	for _, v := range set {
		if v == t {
			return true
		}
	}
	return false
}

func containsOutcome(set []Outcome, o Outcome) bool {
	for _, v := range set {
		if v == o {
			return true
		}
	}
	return false
}

// Query implements Store.
func (s *MemoryStore) Query(ctx context.Context, query *Query) ([]*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := query.Validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	var hits []*Event
	for _, e := range s.events {
		if matches(e, query) {
			hits = append(hits, e)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(hits, func(i, j int) bool {
		if query.Ascending {
			return hits[i].Timestamp.Before(hits[j].Timestamp)
		}
		return hits[i].Timestamp.After(hits[j].Timestamp)
	})

	if query.Skip >= len(hits) {
		return nil, nil
	}
	hits = hits[query.Skip:]

	max := query.MaxResults
	if max <= 0 {
		max = DefaultMaxResults
	}
	if len(hits) > max {
		hits = hits[:max]
	}

	out := make([]*Event, 0, len(hits))
	for _, e := range hits {
		out = append(out, e.Clone())
	}
	return out, nil
}

// VerifyChainIntegrity implements Store. The walk recomputes every hash and
// checks linkage; after the first mismatch it keeps counting violations up
// to a scan limit so operators can estimate blast radius.
func (s *MemoryStore) VerifyChainIntegrity(ctx context.Context, startSeq, endSeq int64) (*IntegrityResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	events := append([]*Event(nil), s.events...)
	anchorSeq, anchorHash := s.anchorSeq, s.anchorHash
	s.mu.RUnlock()

	if len(events) == 0 {
		return &IntegrityResult{Valid: true, StartSequence: startSeq, EndSequence: endSeq}, nil
	}
	if endSeq <= 0 {
		endSeq = events[len(events)-1].SequenceNumber
	}
	if startSeq < events[0].SequenceNumber {
		startSeq = events[0].SequenceNumber
	}

	result := &IntegrityResult{Valid: true, StartSequence: startSeq, EndSequence: endSeq}

	prevHash := ""
	havePrev := false
	if startSeq == anchorSeq && anchorHash != "" {
		// Retention checkpoint anchors the verification start.
		prevHash = anchorHash
		havePrev = true
	}

	var prevSeq int64 = -1
	for _, e := range events {
		if e.SequenceNumber < startSeq {
			continue
		}
		if e.SequenceNumber > endSeq {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		violation := ""
		switch {
		case prevSeq >= 0 && e.SequenceNumber != prevSeq+1:
			violation = fmt.Sprintf("sequence gap: %d follows %d", e.SequenceNumber, prevSeq)
		case havePrev && e.PreviousEventHash != prevHash:
			violation = "previous hash linkage broken"
		default:
			recomputed, err := ComputeEventHash(e, e.PreviousEventHash, s.hash)
			if err != nil {
				return nil, err
			}
			if recomputed != e.EventHash {
				violation = "event hash mismatch"
			}
		}

		if violation != "" {
			if result.Valid {
				result.Valid = false
				result.FirstViolationEventID = e.EventID
				result.Description = violation
			}
			result.ViolationCount++
			if result.ViolationCount >= maxViolationScan {
				break
			}
		} else {
			result.EventsVerified++
		}

		prevSeq = e.SequenceNumber
		prevHash = e.EventHash
		havePrev = true
	}
	return result, nil
}

// ListOlderThan implements RetentionStore.
func (s *MemoryStore) ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Event
	for _, e := range s.events {
		if !e.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, e.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// DeletePrefix implements RetentionStore. Deletion is prefix-only: rows with
// sequence <= throughSeq go away and the anchor checkpoint records the first
// surviving event's previous hash.
func (s *MemoryStore) DeletePrefix(ctx context.Context, throughSeq int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.events) == 0 || throughSeq < s.events[0].SequenceNumber {
		return 0, nil
	}
	if s.requireContiguous {
		return 0, fmt.Errorf("%w: sequences 0..%d requested", ErrNonContiguousRetention, throughSeq)
	}

	cut := 0
	for cut < len(s.events) && s.events[cut].SequenceNumber <= throughSeq {
		delete(s.byID, s.events[cut].EventID)
		cut++
	}
	deleted := cut
	s.events = append([]*Event(nil), s.events[cut:]...)

	if len(s.events) > 0 {
		s.anchorSeq = s.events[0].SequenceNumber
		s.anchorHash = s.events[0].PreviousEventHash
	} else {
		s.anchorSeq = s.nextSeq
		s.anchorHash = s.lastHash
	}
	return deleted, nil
}

// Len reports retained events. Test helper.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Tamper overwrites a stored field without re-hashing. Test helper for
// integrity scenarios.
func (s *MemoryStore) Tamper(eventID string, mutate func(*Event)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[eventID]
	if !ok {
		return false
	}
	mutate(e)
	return true
}
