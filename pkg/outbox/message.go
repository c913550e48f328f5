// Package outbox implements the transactional outbox engine: durable staging
// of outbound messages, a publisher that drains them to transports with
// per-transport fan-out, bounded retries, and a background processing loop.
package outbox

import (
	"time"
)

// MessageStatus is the lifecycle state of a staged message.
type MessageStatus string

const (
	// StatusStaged means the message awaits its first delivery attempt.
	StatusStaged MessageStatus = "Staged"
	// StatusPublished is terminal for the default delivery path.
	StatusPublished MessageStatus = "Published"
	// StatusFailed means the last attempt failed; retryable until the budget
	// is exhausted.
	StatusFailed MessageStatus = "Failed"
	// StatusScheduled means delivery is deferred until ScheduledAt.
	StatusScheduled MessageStatus = "Scheduled"
)

// OutboundMessage is one staged outbox row.
type OutboundMessage struct {
	ID            string            `json:"id"`
	MessageType   string            `json:"message_type"`
	Payload       []byte            `json:"payload"`
	Destination   string            `json:"destination"`
	Headers       map[string]string `json:"headers,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	ScheduledAt   *time.Time        `json:"scheduled_at,omitempty"`
	Status        MessageStatus     `json:"status"`
	RetryCount    int               `json:"retry_count"`
	LastError     string            `json:"last_error,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	LastAttemptAt *time.Time        `json:"last_attempt_at,omitempty"`
}

// TransportStatus is the state of one per-transport delivery row.
type TransportStatus string

const (
	TransportPending TransportStatus = "Pending"
	TransportSent    TransportStatus = "Sent"
	TransportFailed  TransportStatus = "Failed"
)

// TransportDelivery is the fan-out row tracking one message on one transport.
// A message is fully delivered only when every row is Sent.
type TransportDelivery struct {
	MessageID     string          `json:"message_id"`
	TransportName string          `json:"transport_name"`
	Destination   string          `json:"destination"`
	Status        TransportStatus `json:"status"`
	RetryCount    int             `json:"retry_count"`
	LastError     string          `json:"last_error,omitempty"`
}
