// Package audit implements the tamper-evident audit log: a hash-chained
// append-only store with integrity verification, RBAC-gated reads with
// meta-auditing, rule-based alerting with rate limits, and retention sweeps
// with optional archival.
package audit

import (
	"errors"
	"fmt"
	"time"

	"github.com/TrigintaFaces/excalibur-dispatch/pkg/contracts"
)

// EventType classifies the audited activity.
type EventType string

const (
	EventTypeSystem              EventType = "System"
	EventTypeAuthentication      EventType = "Authentication"
	EventTypeAuthorization       EventType = "Authorization"
	EventTypeDataAccess          EventType = "DataAccess"
	EventTypeDataModification    EventType = "DataModification"
	EventTypeConfigurationChange EventType = "ConfigurationChange"
	EventTypeSecurity            EventType = "Security"
	EventTypeCompliance          EventType = "Compliance"
	EventTypeAdministrative      EventType = "Administrative"
	EventTypeIntegration         EventType = "Integration"
)

// Outcome is the result of the audited action.
type Outcome string

const (
	OutcomeSuccess Outcome = "Success"
	OutcomeFailure Outcome = "Failure"
	OutcomeDenied  Outcome = "Denied"
	OutcomeError   Outcome = "Error"
	OutcomePending Outcome = "Pending"
)

// Classification ranks resource sensitivity, lowest to highest.
type Classification string

const (
	ClassificationPublic       Classification = "Public"
	ClassificationInternal     Classification = "Internal"
	ClassificationConfidential Classification = "Confidential"
	ClassificationRestricted   Classification = "Restricted"
)

// classificationRank orders classifications for minimum-classification
// query filters. Unknown values rank lowest.
func classificationRank(c Classification) int {
	switch c {
	case ClassificationPublic:
		return 1
	case ClassificationInternal:
		return 2
	case ClassificationConfidential:
		return 3
	case ClassificationRestricted:
		return 4
	default:
		return 0
	}
}

// ErrImmutableEvent is returned on attempts to modify appended events.
var ErrImmutableEvent = errors.New("audit events are immutable once appended")

// Event is one audit record. Chain fields and the sequence number are
// assigned by the store on append; callers leave them zero.
type Event struct {
	EventID                string            `json:"event_id"`
	EventType              EventType         `json:"event_type"`
	Action                 string            `json:"action"`
	Outcome                Outcome           `json:"outcome"`
	Timestamp              time.Time         `json:"timestamp"`
	ActorID                string            `json:"actor_id"`
	ActorType              string            `json:"actor_type,omitempty"`
	ResourceID             string            `json:"resource_id,omitempty"`
	ResourceType           string            `json:"resource_type,omitempty"`
	ResourceClassification Classification    `json:"resource_classification,omitempty"`
	TenantID               string            `json:"tenant_id,omitempty"`
	CorrelationID          string            `json:"correlation_id,omitempty"`
	SessionID              string            `json:"session_id,omitempty"`
	IPAddress              string            `json:"ip_address,omitempty"`
	UserAgent              string            `json:"user_agent,omitempty"`
	Reason                 string            `json:"reason,omitempty"`
	Metadata               map[string]string `json:"metadata,omitempty"`

	SequenceNumber    int64  `json:"sequence_number"`
	PreviousEventHash string `json:"previous_event_hash"`
	EventHash         string `json:"event_hash"`
}

var validEventTypes = map[EventType]struct{}{
	EventTypeSystem: {}, EventTypeAuthentication: {}, EventTypeAuthorization: {},
	EventTypeDataAccess: {}, EventTypeDataModification: {}, EventTypeConfigurationChange: {},
	EventTypeSecurity: {}, EventTypeCompliance: {}, EventTypeAdministrative: {},
	EventTypeIntegration: {},
}

var validOutcomes = map[Outcome]struct{}{
	OutcomeSuccess: {}, OutcomeFailure: {}, OutcomeDenied: {}, OutcomeError: {}, OutcomePending: {},
}

// Validate rejects events that would corrupt the log.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: event", contracts.ErrNilArgument)
	}
	if e.EventID == "" {
		return fmt.Errorf("%w: event id", contracts.ErrNilArgument)
	}
	if e.Action == "" {
		return fmt.Errorf("%w: action", contracts.ErrNilArgument)
	}
	if e.ActorID == "" {
		return fmt.Errorf("%w: actor id", contracts.ErrNilArgument)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp", contracts.ErrInvalidArgument)
	}
	if _, ok := validEventTypes[e.EventType]; !ok {
		return fmt.Errorf("%w: event type %q", contracts.ErrInvalidArgument, e.EventType)
	}
	if _, ok := validOutcomes[e.Outcome]; !ok {
		return fmt.Errorf("%w: outcome %q", contracts.ErrInvalidArgument, e.Outcome)
	}
	if e.ResourceClassification != "" && classificationRank(e.ResourceClassification) == 0 {
		return fmt.Errorf("%w: classification %q", contracts.ErrInvalidArgument, e.ResourceClassification)
	}
	return nil
}

// Clone returns a deep copy so stored events never alias caller maps.
func (e *Event) Clone() *Event {
	cp := *e
	if e.Metadata != nil {
		cp.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// AppendReceipt identifies an appended event together with its chain
// position.
type AppendReceipt struct {
	EventID        string    `json:"event_id"`
	EventHash      string    `json:"event_hash"`
	SequenceNumber int64     `json:"sequence_number"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// Query filters audit reads. Zero values mean "no filter".
type Query struct {
	From                  *time.Time
	To                    *time.Time
	EventTypes            []EventType
	Outcomes              []Outcome
	ActorID               string
	ResourceID            string
	ResourceType          string
	TenantID              string
	CorrelationID         string
	MinimumClassification Classification
	ActionContains        string
	IPAddress             string
	Ascending             bool // default: newest first
	Skip                  int
	MaxResults            int // default 100
}

// DefaultMaxResults caps query pages when the caller gives none.
const DefaultMaxResults = 100

// Validate rejects impossible ranges before any store work.
func (q *Query) Validate() error {
	if q == nil {
		return fmt.Errorf("%w: query", contracts.ErrNilArgument)
	}
	if q.From != nil && q.To != nil && q.From.After(*q.To) {
		return fmt.Errorf("%w: query start after end", contracts.ErrInvalidArgument)
	}
	if q.Skip < 0 {
		return fmt.Errorf("%w: negative skip", contracts.ErrInvalidArgument)
	}
	if q.MaxResults < 0 {
		return fmt.Errorf("%w: negative max results", contracts.ErrInvalidArgument)
	}
	return nil
}
