package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/TrigintaFaces/excalibur-dispatch/pkg/contracts"
)

// Meta-audit actions emitted by the guard.
const (
	ActionGetByID         = "AuditLog.GetById"
	ActionQuery           = "AuditLog.Query"
	ActionVerifyIntegrity = "AuditLog.VerifyIntegrity"
)

// Roles allowed to read the audit log by default.
var DefaultReaderRoles = []string{"auditor", "security-admin", "compliance-officer"}

// GuardOptions configures the RBAC read guard.
type GuardOptions struct {
	// AllowedRoles may read. Empty falls back to DefaultReaderRoles.
	AllowedRoles []string
}

// ReadGuard wraps a Store with role checks and meta-auditing. Every read
// attempt, allowed or denied, produces a Security event through the
// meta-logger; meta-logger failures are swallowed so auditing the audit log
// never breaks the audit log.
type ReadGuard struct {
	inner   Store
	roles   contracts.RoleProvider
	actor   contracts.ActorProvider
	meta    *Logger
	allowed map[string]struct{}
	logger  *slog.Logger
	clock   contracts.Clock
}

// NewReadGuard wires the guard. actor may be nil; the actor id then falls
// back to "role:<RoleName>".
func NewReadGuard(inner Store, roles contracts.RoleProvider, actor contracts.ActorProvider, meta *Logger, opts GuardOptions, logger *slog.Logger) (*ReadGuard, error) {
	if inner == nil {
		return nil, fmt.Errorf("%w: store", contracts.ErrNilArgument)
	}
	if roles == nil {
		return nil, fmt.Errorf("%w: role provider", contracts.ErrNilArgument)
	}
	if meta == nil {
		return nil, fmt.Errorf("%w: meta logger", contracts.ErrNilArgument)
	}
	if logger == nil {
		logger = slog.Default()
	}
	roleSet := opts.AllowedRoles
	if len(roleSet) == 0 {
		roleSet = DefaultReaderRoles
	}
	allowed := make(map[string]struct{}, len(roleSet))
	for _, r := range roleSet {
		allowed[r] = struct{}{}
	}
	return &ReadGuard{
		inner:   inner,
		roles:   roles,
		actor:   actor,
		meta:    meta,
		allowed: allowed,
		logger:  logger.With(slog.String("component", "audit-guard")),
		clock:   contracts.SystemClock,
	}, nil
}

// authorize resolves the caller and checks the role set. Returns the actor
// id used for meta-auditing.
func (g *ReadGuard) authorize(ctx context.Context, action string) (string, error) {
	role, err := g.roles.CurrentRole(ctx)
	if err != nil {
		g.metaAudit(ctx, action, "role:unknown", OutcomeDenied, err.Error())
		return "", fmt.Errorf("%w: cannot resolve caller role: %v", contracts.ErrPermissionDenied, err)
	}

	actorID := "role:" + role
	if g.actor != nil {
		if id, err := g.actor.CurrentActorID(ctx); err == nil && id != "" {
			actorID = id
		}
	}

	if _, ok := g.allowed[role]; !ok {
		g.metaAudit(ctx, action, actorID, OutcomeDenied, fmt.Sprintf("role %q may not read the audit log", role))
		return "", fmt.Errorf("%w: role %q may not read the audit log", contracts.ErrPermissionDenied, role)
	}
	return actorID, nil
}

// metaAudit emits the access record. Failures are logged and swallowed.
func (g *ReadGuard) metaAudit(ctx context.Context, action, actorID string, outcome Outcome, reason string) {
	_, err := g.meta.Record(ctx, &Event{
		EventID:   uuid.NewString(),
		EventType: EventTypeSecurity,
		Action:    action,
		Outcome:   outcome,
		Timestamp: g.clock(),
		ActorID:   actorID,
		Reason:    reason,
	})
	if err != nil {
		g.logger.Warn("meta-audit write failed",
			slog.String("action", action),
			slog.String("error", err.Error()))
	}
}

func outcomeOf(err error) (Outcome, string) {
	if err != nil {
		return OutcomeFailure, err.Error()
	}
	return OutcomeSuccess, ""
}

// GetByID implements Store with access control.
func (g *ReadGuard) GetByID(ctx context.Context, eventID string) (*Event, error) {
	actorID, err := g.authorize(ctx, ActionGetByID)
	if err != nil {
		return nil, err
	}
	event, err := g.inner.GetByID(ctx, eventID)
	outcome, reason := outcomeOf(err)
	g.metaAudit(ctx, ActionGetByID, actorID, outcome, reason)
	return event, err
}

// Query implements Store with access control.
func (g *ReadGuard) Query(ctx context.Context, query *Query) ([]*Event, error) {
	actorID, err := g.authorize(ctx, ActionQuery)
	if err != nil {
		return nil, err
	}
	events, err := g.inner.Query(ctx, query)
	outcome, reason := outcomeOf(err)
	g.metaAudit(ctx, ActionQuery, actorID, outcome, reason)
	return events, err
}

// VerifyChainIntegrity implements Store with access control.
func (g *ReadGuard) VerifyChainIntegrity(ctx context.Context, startSeq, endSeq int64) (*IntegrityResult, error) {
	actorID, err := g.authorize(ctx, ActionVerifyIntegrity)
	if err != nil {
		return nil, err
	}
	result, err := g.inner.VerifyChainIntegrity(ctx, startSeq, endSeq)
	outcome, reason := outcomeOf(err)
	g.metaAudit(ctx, ActionVerifyIntegrity, actorID, outcome, reason)
	return result, err
}

// Append passes through without role checks; writes are guarded by the
// process boundary, reads by RBAC.
func (g *ReadGuard) Append(ctx context.Context, event *Event) (*AppendReceipt, error) {
	return g.inner.Append(ctx, event)
}

// VerifyRange validates the wrapper-level date contract before delegating
// to the sequence walk: startDate after endDate is a caller bug.
func (g *ReadGuard) VerifyRange(ctx context.Context, startDate, endDate time.Time, startSeq, endSeq int64) (*IntegrityResult, error) {
	if startDate.After(endDate) {
		return nil, fmt.Errorf("%w: start date after end date", contracts.ErrInvalidArgument)
	}
	return g.VerifyChainIntegrity(ctx, startSeq, endSeq)
}
