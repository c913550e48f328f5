package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/TrigintaFaces/excalibur-dispatch/pkg/contracts"
	"github.com/TrigintaFaces/excalibur-dispatch/pkg/observability"
)

// PublishOption customizes a staged message.
type PublishOption func(*OutboundMessage)

// WithScheduledAt defers delivery until t.
func WithScheduledAt(t time.Time) PublishOption {
	return func(m *OutboundMessage) { m.ScheduledAt = &t }
}

// WithHeaders attaches transport headers.
func WithHeaders(h map[string]string) PublishOption {
	return func(m *OutboundMessage) {
		if m.Headers == nil {
			m.Headers = make(map[string]string, len(h))
		}
		for k, v := range h {
			m.Headers[k] = v
		}
	}
}

// WithCorrelationID tags the message for tracing across systems.
func WithCorrelationID(id string) PublishOption {
	return func(m *OutboundMessage) { m.CorrelationID = id }
}

// WithMessageType overrides the serialized type name.
func WithMessageType(t string) PublishOption {
	return func(m *OutboundMessage) { m.MessageType = t }
}

// Publisher stages messages and drains them to the dispatcher and the
// per-transport adapters.
type Publisher struct {
	store      Store
	serializer contracts.Serializer
	dispatcher contracts.Dispatcher
	transports *TransportRegistry
	stats      *Statistics
	latency    *observability.LatencyTracker
	logger     *slog.Logger
	clock      contracts.Clock
}

// PublisherOption configures optional publisher collaborators.
type PublisherOption func(*Publisher)

// WithTransportRegistry enables per-transport fan-out delivery.
func WithTransportRegistry(r *TransportRegistry) PublisherOption {
	return func(p *Publisher) { p.transports = r }
}

// WithLatencyTracker records per-message dispatch durations.
func WithLatencyTracker(t *observability.LatencyTracker) PublisherOption {
	return func(p *Publisher) { p.latency = t }
}

// WithClock overrides time for tests.
func WithClock(c contracts.Clock) PublisherOption {
	return func(p *Publisher) { p.clock = c }
}

// NewPublisher wires the publisher. store, serializer and dispatcher are
// required.
func NewPublisher(store Store, serializer contracts.Serializer, dispatcher contracts.Dispatcher, logger *slog.Logger, opts ...PublisherOption) (*Publisher, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store", contracts.ErrNilArgument)
	}
	if serializer == nil {
		return nil, fmt.Errorf("%w: serializer", contracts.ErrNilArgument)
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("%w: dispatcher", contracts.ErrNilArgument)
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		store:      store,
		serializer: serializer,
		dispatcher: dispatcher,
		stats:      NewStatistics(),
		logger:     logger.With(slog.String("component", "outbox")),
		clock:      contracts.SystemClock,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Statistics exposes the publisher counters.
func (p *Publisher) Statistics() *Statistics { return p.stats }

// Publish serializes message and stages it for destination. The returned id
// identifies the staged row.
func (p *Publisher) Publish(ctx context.Context, message any, destination string, opts ...PublishOption) (string, error) {
	if message == nil {
		return "", fmt.Errorf("%w: message", contracts.ErrNilArgument)
	}
	if destination == "" {
		return "", fmt.Errorf("%w: destination", contracts.ErrNilArgument)
	}

	payload, err := p.serializer.Serialize(message)
	if err != nil {
		return "", fmt.Errorf("serialize outbound message: %w", err)
	}

	msg := &OutboundMessage{
		ID:          uuid.NewString(),
		MessageType: fmt.Sprintf("%T", message),
		Payload:     payload,
		Destination: destination,
		Status:      StatusStaged,
		CreatedAt:   p.clock(),
	}
	for _, opt := range opts {
		opt(msg)
	}

	if err := p.store.Stage(ctx, msg); err != nil {
		return "", fmt.Errorf("stage outbound message: %w", err)
	}
	p.logger.DebugContext(ctx, "message staged",
		slog.String("message_id", msg.ID),
		slog.String("destination", destination),
		slog.String("message_type", msg.MessageType))
	return msg.ID, nil
}

// PublishToTransports serializes message and stages it with one pending
// delivery row per named transport. Unknown transport names fail the stage.
func (p *Publisher) PublishToTransports(ctx context.Context, message any, destination string, transportNames []string, opts ...PublishOption) (string, error) {
	if p.transports == nil {
		return "", fmt.Errorf("%w: no transport registry configured", contracts.ErrInvalidArgument)
	}
	if len(transportNames) == 0 {
		return "", fmt.Errorf("%w: transportNames", contracts.ErrInvalidArgument)
	}
	for _, name := range transportNames {
		if _, err := p.transports.Resolve(name); err != nil {
			return "", err
		}
	}

	payload, err := p.serializer.Serialize(message)
	if err != nil {
		return "", fmt.Errorf("serialize outbound message: %w", err)
	}

	msg := &OutboundMessage{
		ID:          uuid.NewString(),
		MessageType: fmt.Sprintf("%T", message),
		Payload:     payload,
		Destination: destination,
		Status:      StatusStaged,
		CreatedAt:   p.clock(),
	}
	for _, opt := range opts {
		opt(msg)
	}

	rows := make([]TransportDelivery, 0, len(transportNames))
	for _, name := range transportNames {
		rows = append(rows, TransportDelivery{
			TransportName: name,
			Destination:   destination,
			Status:        TransportPending,
		})
	}
	if err := p.store.StageWithTransports(ctx, msg, rows); err != nil {
		return "", fmt.Errorf("stage outbound message: %w", err)
	}
	return msg.ID, nil
}

// PublishingResult reports the outcome of one drain pass. Per-message
// failures land in Errors and FailureCount, never in the returned error.
type PublishingResult struct {
	SuccessCount int
	FailureCount int
	Errors       []error
}

// PublishPending drains Staged rows (and due Scheduled rows) through the
// dispatcher, oldest first. Cancellation stops between messages; the
// in-flight message finishes.
func (p *Publisher) PublishPending(ctx context.Context, limit int) (PublishingResult, error) {
	p.stats.recordOperation()
	msgs, err := p.store.GetUnsent(ctx, limit)
	if err != nil {
		return PublishingResult{}, fmt.Errorf("load unsent messages: %w", err)
	}
	return p.deliverAll(ctx, msgs)
}

// PublishScheduled drains only Scheduled rows that are due.
func (p *Publisher) PublishScheduled(ctx context.Context, limit int) (PublishingResult, error) {
	p.stats.recordOperation()
	msgs, err := p.store.GetScheduledDue(ctx, p.clock(), limit)
	if err != nil {
		return PublishingResult{}, fmt.Errorf("load scheduled messages: %w", err)
	}
	return p.deliverAll(ctx, msgs)
}

// RetryFailed re-attempts Failed rows whose retry count is below maxRetries.
func (p *Publisher) RetryFailed(ctx context.Context, maxRetries, limit int) (PublishingResult, error) {
	if maxRetries < 0 {
		return PublishingResult{}, fmt.Errorf("%w: maxRetries must be >= 0", contracts.ErrInvalidArgument)
	}
	p.stats.recordOperation()
	msgs, err := p.store.GetFailed(ctx, maxRetries, nil, limit)
	if err != nil {
		return PublishingResult{}, fmt.Errorf("load failed messages: %w", err)
	}
	return p.deliverAll(ctx, msgs)
}

func (p *Publisher) deliverAll(ctx context.Context, msgs []*OutboundMessage) (PublishingResult, error) {
	var result PublishingResult
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := p.deliverOne(ctx, msg); err != nil {
			result.FailureCount++
			result.Errors = append(result.Errors, fmt.Errorf("message %s: %w", msg.ID, err))
		} else {
			result.SuccessCount++
		}
	}
	return result, nil
}

// deliverOne attempts one message and records the outcome. A nil return
// means the message was marked sent.
func (p *Publisher) deliverOne(ctx context.Context, msg *OutboundMessage) error {
	start := p.clock()
	result, err := p.dispatcher.Dispatch(ctx, msg, msg.Headers)
	if p.latency != nil {
		p.latency.Record(p.clock().Sub(start))
	}
	if err == nil && result.Err != nil {
		err = result.Err
	}
	if err == nil && !result.Handled {
		err = fmt.Errorf("no handler for message type %s", msg.MessageType)
	}

	if err != nil {
		p.stats.recordFailed()
		p.logger.WarnContext(ctx, "message delivery failed",
			slog.String("message_id", msg.ID),
			slog.String("destination", msg.Destination),
			slog.Int("retry_count", msg.RetryCount+1),
			slog.String("error", err.Error()))
		if markErr := p.store.MarkFailed(ctx, msg.ID, err.Error(), msg.RetryCount+1); markErr != nil {
			p.logger.ErrorContext(ctx, "failed to record delivery failure",
				slog.String("message_id", msg.ID),
				slog.String("error", markErr.Error()))
		}
		return err
	}

	if markErr := p.store.MarkSent(ctx, msg.ID); markErr != nil {
		p.logger.ErrorContext(ctx, "failed to mark message sent",
			slog.String("message_id", msg.ID),
			slog.String("error", markErr.Error()))
		return markErr
	}
	p.stats.recordPublished()
	return nil
}

// PublishPendingTransportDeliveries drains pending fan-out rows for one
// transport. Each row is attempted independently; one transport failing never
// blocks the others.
func (p *Publisher) PublishPendingTransportDeliveries(ctx context.Context, transportName string, limit int) (int, error) {
	if p.transports == nil {
		return 0, fmt.Errorf("%w: no transport registry configured", contracts.ErrInvalidArgument)
	}
	adapter, err := p.transports.Resolve(transportName)
	if err != nil {
		return 0, err
	}
	p.stats.recordOperation()

	rows, err := p.store.GetPendingTransportDeliveries(ctx, transportName, limit)
	if err != nil {
		return 0, fmt.Errorf("load pending deliveries: %w", err)
	}

	sent := 0
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		msg, err := p.loadMessage(ctx, row.MessageID)
		if err != nil {
			p.logger.ErrorContext(ctx, "transport delivery references missing message",
				slog.String("message_id", row.MessageID),
				slog.String("transport", transportName))
			continue
		}
		if sendErr := adapter.Send(ctx, msg.Payload, row.Destination, msg.Headers); sendErr != nil {
			p.stats.recordFailed()
			p.logger.WarnContext(ctx, "transport delivery failed",
				slog.String("message_id", row.MessageID),
				slog.String("transport", transportName),
				slog.String("error", sendErr.Error()))
			if markErr := p.store.MarkTransportFailed(ctx, row.MessageID, transportName, sendErr.Error()); markErr != nil {
				p.logger.ErrorContext(ctx, "failed to record transport failure",
					slog.String("message_id", row.MessageID),
					slog.String("error", markErr.Error()))
			}
			continue
		}
		if markErr := p.store.MarkTransportSent(ctx, row.MessageID, transportName); markErr != nil {
			p.logger.ErrorContext(ctx, "failed to mark transport delivery sent",
				slog.String("message_id", row.MessageID),
				slog.String("error", markErr.Error()))
			continue
		}
		p.stats.recordPublished()
		sent++
	}
	return sent, nil
}

func (p *Publisher) loadMessage(ctx context.Context, id string) (*OutboundMessage, error) {
	type getter interface {
		Get(messageID string) (*OutboundMessage, bool)
	}
	if g, ok := p.store.(getter); ok {
		if m, found := g.Get(id); found {
			return m, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	// Fall back to scanning unsent rows for stores without direct lookup.
	msgs, err := p.store.GetUnsent(ctx, 0)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
}
