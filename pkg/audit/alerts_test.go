package audit_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TrigintaFaces/excalibur-dispatch/pkg/audit"
	"github.com/TrigintaFaces/excalibur-dispatch/pkg/contracts"
)

type collectingChannel struct {
	mu   sync.Mutex
	seen []*audit.Notification
	err  error
}

func (c *collectingChannel) Notify(_ context.Context, n *audit.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.seen = append(c.seen, n)
	return nil
}

func (c *collectingChannel) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.seen))
	for _, n := range c.seen {
		out = append(out, n.RuleName)
	}
	return out
}

func alwaysFires(name string) *audit.AlertRule {
	return &audit.AlertRule{
		Name:     name,
		Severity: audit.SeverityWarning,
		Condition: func(*audit.Event) (bool, error) {
			return true, nil
		},
	}
}

func newEngine(t *testing.T, channel audit.NotificationChannel, opts audit.AlertEngineOptions) *audit.AlertEngine {
	t.Helper()
	engine, err := audit.NewAlertEngine(channel, opts, slog.Default())
	require.NoError(t, err)
	return engine
}

func TestRateLimitCapsNotifications(t *testing.T) {
	channel := &collectingChannel{}
	engine := newEngine(t, channel, audit.AlertEngineOptions{MaxAlertsPerMinute: 2})
	require.NoError(t, engine.AddRule(alwaysFires("failed-logins")))

	for i := 0; i < 5; i++ {
		fired, err := engine.Evaluate(context.Background(), testEvent(eventID(i), "session.login"))
		require.NoError(t, err)
		assert.Equal(t, 1, fired)
	}

	stats := engine.Stats()
	assert.Equal(t, uint64(5), stats.Evaluations)
	assert.Equal(t, uint64(5), stats.Matches)
	assert.Equal(t, uint64(2), stats.Notifications)
	assert.Equal(t, uint64(3), stats.Suppressed)
	assert.Len(t, channel.seen, 2)
}

func TestAddRuleReplacesByName(t *testing.T) {
	channel := &collectingChannel{}
	engine := newEngine(t, channel, audit.AlertEngineOptions{})

	require.NoError(t, engine.AddRule(alwaysFires("dup")))
	never := &audit.AlertRule{
		Name:     "dup",
		Severity: audit.SeverityInfo,
		Condition: func(*audit.Event) (bool, error) {
			return false, nil
		},
	}
	require.NoError(t, engine.AddRule(never))
	assert.Equal(t, []string{"dup"}, engine.RuleNames())

	fired, err := engine.Evaluate(context.Background(), testEvent("r1", "orders.read"))
	require.NoError(t, err)
	assert.Zero(t, fired)
}

func TestAddRuleValidation(t *testing.T) {
	engine := newEngine(t, &collectingChannel{}, audit.AlertEngineOptions{})

	require.ErrorIs(t, engine.AddRule(nil), contracts.ErrNilArgument)
	require.ErrorIs(t, engine.AddRule(&audit.AlertRule{Severity: audit.SeverityInfo}), contracts.ErrInvalidArgument)

	bad := alwaysFires("bad-severity")
	bad.Severity = "Panic"
	require.ErrorIs(t, engine.AddRule(bad), contracts.ErrInvalidArgument)
}

func TestBrokenConditionsDoNotSilenceOthers(t *testing.T) {
	channel := &collectingChannel{}
	engine := newEngine(t, channel, audit.AlertEngineOptions{})

	require.NoError(t, engine.AddRule(&audit.AlertRule{
		Name:     "a-errors",
		Severity: audit.SeverityInfo,
		Condition: func(*audit.Event) (bool, error) {
			return false, errors.New("boom")
		},
	}))
	require.NoError(t, engine.AddRule(&audit.AlertRule{
		Name:     "b-panics",
		Severity: audit.SeverityInfo,
		Condition: func(*audit.Event) (bool, error) {
			panic("condition bug")
		},
	}))
	require.NoError(t, engine.AddRule(alwaysFires("c-fires")))

	fired, err := engine.Evaluate(context.Background(), testEvent("x1", "orders.read"))
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	assert.Equal(t, []string{"c-fires"}, channel.names())
	assert.Equal(t, uint64(3), engine.Stats().Evaluations)
}

func TestEvaluateRejectsNilEvent(t *testing.T) {
	engine := newEngine(t, &collectingChannel{}, audit.AlertEngineOptions{})
	_, err := engine.Evaluate(context.Background(), nil)
	require.ErrorIs(t, err, contracts.ErrNilArgument)
}

func TestBatchModeHoldsUntilFlush(t *testing.T) {
	channel := &collectingChannel{}
	engine := newEngine(t, channel, audit.AlertEngineOptions{Mode: audit.AlertModeBatch})
	require.NoError(t, engine.AddRule(alwaysFires("batched")))

	for i := 0; i < 3; i++ {
		_, err := engine.Evaluate(context.Background(), testEvent(eventID(i), "orders.read"))
		require.NoError(t, err)
	}
	assert.Empty(t, channel.seen)

	flushed := engine.Flush(context.Background())
	assert.Equal(t, 3, flushed)
	assert.Len(t, channel.seen, 3)
	assert.Equal(t, uint64(3), engine.Stats().Notifications)
}

func TestDeliveryFailureDoesNotCount(t *testing.T) {
	channel := &collectingChannel{err: errors.New("webhook down")}
	engine := newEngine(t, channel, audit.AlertEngineOptions{})
	require.NoError(t, engine.AddRule(alwaysFires("undeliverable")))

	_, err := engine.Evaluate(context.Background(), testEvent("d1", "orders.read"))
	require.NoError(t, err)
	assert.Zero(t, engine.Stats().Notifications)
}

func TestCELRule(t *testing.T) {
	rule, err := audit.NewCELRule("auth-failures", "failed logins", audit.SeverityCritical,
		`event.event_type == "Authentication" && event.outcome == "Failure"`)
	require.NoError(t, err)

	match := testEvent("cel1", "session.login")
	match.EventType = audit.EventTypeAuthentication
	match.Outcome = audit.OutcomeFailure
	ok, err := rule.Condition(match)
	require.NoError(t, err)
	assert.True(t, ok)

	miss := testEvent("cel2", "orders.read")
	ok, err = rule.Condition(miss)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCELRuleMetadataAccess(t *testing.T) {
	rule, err := audit.NewCELRule("large-exports", "", audit.SeverityWarning,
		`event.action.contains("export") && event.metadata["rows"] == "100000"`)
	require.NoError(t, err)

	e := testEvent("cel3", "orders.export")
	e.Metadata = map[string]string{"rows": "100000"}
	ok, err := rule.Condition(e)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCELRuleCompileError(t *testing.T) {
	_, err := audit.NewCELRule("broken", "", audit.SeverityInfo, `event.outcome ==`)
	require.Error(t, err)
}

func TestEngineHandlerObservesStoreAppends(t *testing.T) {
	channel := &collectingChannel{}
	engine := newEngine(t, channel, audit.AlertEngineOptions{})
	require.NoError(t, engine.AddRule(alwaysFires("on-append")))

	store := audit.NewMemoryStore()
	store.RegisterHandler(engine.Handler())

	_, err := store.Append(context.Background(), testEvent("h1", "orders.read"))
	require.NoError(t, err)
	assert.Equal(t, []string{"on-append"}, channel.names())
}
