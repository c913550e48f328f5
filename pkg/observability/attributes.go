package observability

import (
	"go.opentelemetry.io/otel/attribute"
)

// Dispatch semantic convention attributes.
var (
	// Outbox attributes
	AttrMessageID   = attribute.Key("dispatch.message.id")
	AttrMessageType = attribute.Key("dispatch.message.type")
	AttrDestination = attribute.Key("dispatch.message.destination")
	AttrTransport   = attribute.Key("dispatch.transport.name")
	AttrRetryCount  = attribute.Key("dispatch.message.retry_count")

	// Saga attributes
	AttrSagaID     = attribute.Key("dispatch.saga.id")
	AttrSagaType   = attribute.Key("dispatch.saga.type")
	AttrTimeoutID  = attribute.Key("dispatch.saga.timeout_id")
	AttrSagaResult = attribute.Key("dispatch.saga.result")

	// Audit attributes
	AttrAuditEventType = attribute.Key("dispatch.audit.event_type")
	AttrAuditOutcome   = attribute.Key("dispatch.audit.outcome")
	AttrAuditSequence  = attribute.Key("dispatch.audit.sequence")
	AttrAlertRule      = attribute.Key("dispatch.audit.alert_rule")
)

// OutboxOperation creates attributes for outbox publisher operations.
func OutboxOperation(messageID, messageType, destination string, retryCount int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrMessageID.String(messageID),
		AttrMessageType.String(messageType),
		AttrDestination.String(destination),
		AttrRetryCount.Int(retryCount),
	}
}

// TransportOperation creates attributes for per-transport fan-out sends.
func TransportOperation(messageID, transport, destination string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrMessageID.String(messageID),
		AttrTransport.String(transport),
		AttrDestination.String(destination),
	}
}

// SagaOperation creates attributes for saga coordinator operations.
func SagaOperation(sagaID, sagaType, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrSagaID.String(sagaID),
		AttrSagaType.String(sagaType),
		AttrSagaResult.String(result),
	}
}

// AuditOperation creates attributes for audit store operations.
func AuditOperation(eventType, outcome string, sequence int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAuditEventType.String(eventType),
		AttrAuditOutcome.String(outcome),
		AttrAuditSequence.Int64(sequence),
	}
}
