package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/cel-go/cel"
	"golang.org/x/time/rate"

	"github.com/TrigintaFaces/excalibur-dispatch/pkg/contracts"
)

// AlertSeverity grades how urgent a fired rule is.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "Info"
	SeverityWarning  AlertSeverity = "Warning"
	SeverityCritical AlertSeverity = "Critical"
)

// AlertMode selects when notifications leave the engine.
type AlertMode int

const (
	// AlertModeRealTime notifies as soon as a rule fires.
	AlertModeRealTime AlertMode = iota
	// AlertModeBatch accumulates notifications until Flush.
	AlertModeBatch
)

// ConditionFunc decides whether an event fires a rule.
type ConditionFunc func(event *Event) (bool, error)

// AlertRule pairs a named condition with a severity. Names are unique within
// an engine; adding a rule with an existing name replaces it.
type AlertRule struct {
	Name        string
	Description string
	Severity    AlertSeverity
	Condition   ConditionFunc
}

// Notification is what fires out of the engine when a rule matches.
type Notification struct {
	RuleName    string
	Description string
	Severity    AlertSeverity
	Event       *Event
	FiredAt     time.Time
}

// NotificationChannel delivers fired alerts. Delivery failures are logged,
// not retried.
type NotificationChannel interface {
	Notify(ctx context.Context, n *Notification) error
}

// NotificationFunc adapts a function to NotificationChannel.
type NotificationFunc func(ctx context.Context, n *Notification) error

func (f NotificationFunc) Notify(ctx context.Context, n *Notification) error { return f(ctx, n) }

// DefaultMaxAlertsPerMinute caps notification throughput when unset.
const DefaultMaxAlertsPerMinute = 100

// AlertEngineOptions configures an AlertEngine.
type AlertEngineOptions struct {
	Mode AlertMode
	// MaxAlertsPerMinute bounds outgoing notifications; the token bucket
	// bursts up to the same value. Zero means DefaultMaxAlertsPerMinute.
	MaxAlertsPerMinute int
}

// AlertStats is a point-in-time read of engine counters.
type AlertStats struct {
	Evaluations   uint64
	Matches       uint64
	Notifications uint64
	Suppressed    uint64
}

// AlertEngine evaluates registered rules against audit events. A rule whose
// condition errors or panics is skipped for that event; one broken rule must
// not silence the others.
type AlertEngine struct {
	mu      sync.Mutex
	rules   map[string]*AlertRule
	channel NotificationChannel
	mode    AlertMode
	limiter *rate.Limiter
	pending []*Notification
	logger  *slog.Logger
	clock   contracts.Clock

	evaluations   atomic.Uint64
	matches       atomic.Uint64
	notifications atomic.Uint64
	suppressed    atomic.Uint64
}

// NewAlertEngine wires an engine to its notification channel.
func NewAlertEngine(channel NotificationChannel, opts AlertEngineOptions, logger *slog.Logger) (*AlertEngine, error) {
	if channel == nil {
		return nil, fmt.Errorf("%w: notification channel", contracts.ErrNilArgument)
	}
	if logger == nil {
		logger = slog.Default()
	}
	maxPerMinute := opts.MaxAlertsPerMinute
	if maxPerMinute <= 0 {
		maxPerMinute = DefaultMaxAlertsPerMinute
	}
	return &AlertEngine{
		rules:   make(map[string]*AlertRule),
		channel: channel,
		mode:    opts.Mode,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(maxPerMinute)), maxPerMinute),
		logger:  logger.With(slog.String("component", "audit-alerts")),
		clock:   contracts.SystemClock,
	}, nil
}

// AddRule registers or replaces a rule by name.
func (e *AlertEngine) AddRule(rule *AlertRule) error {
	if rule == nil {
		return fmt.Errorf("%w: rule", contracts.ErrNilArgument)
	}
	if rule.Name == "" {
		return fmt.Errorf("%w: rule name is required", contracts.ErrInvalidArgument)
	}
	if rule.Condition == nil {
		return fmt.Errorf("%w: rule %q has no condition", contracts.ErrInvalidArgument, rule.Name)
	}
	switch rule.Severity {
	case SeverityInfo, SeverityWarning, SeverityCritical:
	default:
		return fmt.Errorf("%w: rule %q has unknown severity %q", contracts.ErrInvalidArgument, rule.Name, rule.Severity)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[rule.Name] = rule
	return nil
}

// RemoveRule drops a rule; removing an unknown name is a no-op.
func (e *AlertEngine) RemoveRule(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rules, name)
}

// RuleNames lists registered rules in sorted order.
func (e *AlertEngine) RuleNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.rules))
	for name := range e.rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Evaluate runs every rule against one event. Returns how many rules fired.
func (e *AlertEngine) Evaluate(ctx context.Context, event *Event) (int, error) {
	if event == nil {
		return 0, fmt.Errorf("%w: event", contracts.ErrNilArgument)
	}

	e.mu.Lock()
	rules := make([]*AlertRule, 0, len(e.rules))
	for _, rule := range e.rules {
		rules = append(rules, rule)
	}
	e.mu.Unlock()
	sort.Slice(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })

	fired := 0
	for _, rule := range rules {
		e.evaluations.Add(1)
		matched := e.evaluateRule(rule, event)
		if !matched {
			continue
		}
		fired++
		e.matches.Add(1)
		e.dispatch(ctx, &Notification{
			RuleName:    rule.Name,
			Description: rule.Description,
			Severity:    rule.Severity,
			Event:       event.Clone(),
			FiredAt:     e.clock(),
		})
	}
	return fired, nil
}

// evaluateRule contains the panic boundary around user conditions.
func (e *AlertEngine) evaluateRule(rule *AlertRule, event *Event) (matched bool) {
	defer func() {
		if r := recover(); r != nil {
			matched = false
			e.logger.Error("alert condition panicked",
				slog.String("rule", rule.Name),
				slog.Any("panic", r))
		}
	}()
	ok, err := rule.Condition(event)
	if err != nil {
		e.logger.Warn("alert condition failed",
			slog.String("rule", rule.Name),
			slog.String("error", err.Error()))
		return false
	}
	return ok
}

func (e *AlertEngine) dispatch(ctx context.Context, n *Notification) {
	if !e.limiter.Allow() {
		e.suppressed.Add(1)
		e.logger.Warn("alert suppressed by rate limit", slog.String("rule", n.RuleName))
		return
	}

	if e.mode == AlertModeBatch {
		e.mu.Lock()
		e.pending = append(e.pending, n)
		e.mu.Unlock()
		return
	}
	e.deliver(ctx, n)
}

func (e *AlertEngine) deliver(ctx context.Context, n *Notification) {
	if err := e.channel.Notify(ctx, n); err != nil {
		e.logger.Error("alert delivery failed",
			slog.String("rule", n.RuleName),
			slog.String("error", err.Error()))
		return
	}
	e.notifications.Add(1)
}

// Flush delivers everything a batch-mode engine has accumulated. Returns the
// number of notifications handed to the channel. In real-time mode there is
// never anything to flush.
func (e *AlertEngine) Flush(ctx context.Context) int {
	e.mu.Lock()
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, n := range pending {
		e.deliver(ctx, n)
	}
	return len(pending)
}

// Stats snapshots the engine counters.
func (e *AlertEngine) Stats() AlertStats {
	return AlertStats{
		Evaluations:   e.evaluations.Load(),
		Matches:       e.matches.Load(),
		Notifications: e.notifications.Load(),
		Suppressed:    e.suppressed.Load(),
	}
}

// Handler adapts the engine to the store's entry handler hook so appended
// events are evaluated as they land.
func (e *AlertEngine) Handler() EntryHandler {
	return func(event *Event) {
		if _, err := e.Evaluate(context.Background(), event); err != nil {
			e.logger.Warn("alert evaluation failed", slog.String("error", err.Error()))
		}
	}
}

// NewCELRule compiles a CEL expression into an alert rule. The expression
// sees one variable, "event", a map with the scalar event fields plus
// "metadata".
func NewCELRule(name, description string, severity AlertSeverity, expression string) (*AlertRule, error) {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile rule %q: %w", name, issues.Err())
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build rule %q: %w", name, err)
	}

	condition := func(event *Event) (bool, error) {
		out, _, err := program.Eval(map[string]any{
			"event": celInput(event),
		})
		if err != nil {
			return false, fmt.Errorf("evaluate rule %q: %w", name, err)
		}
		matched, ok := out.Value().(bool)
		if !ok {
			return false, fmt.Errorf("rule %q did not yield a boolean", name)
		}
		return matched, nil
	}

	return &AlertRule{
		Name:        name,
		Description: description,
		Severity:    severity,
		Condition:   condition,
	}, nil
}

func celInput(e *Event) map[string]any {
	metadata := map[string]any{}
	for k, v := range e.Metadata {
		metadata[k] = v
	}
	return map[string]any{
		"event_id":       e.EventID,
		"event_type":     string(e.EventType),
		"action":         e.Action,
		"outcome":        string(e.Outcome),
		"classification": string(e.ResourceClassification),
		"actor_id":       e.ActorID,
		"actor_type":     e.ActorType,
		"resource_id":    e.ResourceID,
		"resource_type":  e.ResourceType,
		"tenant_id":      e.TenantID,
		"correlation_id": e.CorrelationID,
		"ip_address":     e.IPAddress,
		"reason":         e.Reason,
		"metadata":       metadata,
	}
}
