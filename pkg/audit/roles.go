package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/TrigintaFaces/excalibur-dispatch/pkg/contracts"
)

// StaticRoleProvider answers with a fixed role, useful for in-process callers
// and tests.
type StaticRoleProvider struct {
	Role string
}

func (p StaticRoleProvider) CurrentRole(context.Context) (string, error) {
	if p.Role == "" {
		return "", fmt.Errorf("no role configured")
	}
	return p.Role, nil
}

type tokenContextKey struct{}

// WithBearerToken stashes a caller's bearer token in the context for the
// JWT provider to resolve.
func WithBearerToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// AccessClaims are the token claims the dispatcher cares about.
type AccessClaims struct {
	jwt.RegisteredClaims
	Roles    []string `json:"roles,omitempty"`
	TenantID string   `json:"tenant_id,omitempty"`
}

// JWTRoleProvider resolves the caller's role and actor id from a bearer
// token carried on the context. CurrentRole answers with the first claimed
// role.
type JWTRoleProvider struct {
	key      []byte
	issuer   string
	audience string
}

// NewJWTRoleProvider validates HS256 tokens with the given key. issuer and
// audience are enforced when non-empty.
func NewJWTRoleProvider(key []byte, issuer, audience string) (*JWTRoleProvider, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: signing key", contracts.ErrNilArgument)
	}
	return &JWTRoleProvider{key: key, issuer: issuer, audience: audience}, nil
}

func (p *JWTRoleProvider) claims(ctx context.Context) (*AccessClaims, error) {
	raw, _ := ctx.Value(tokenContextKey{}).(string)
	if raw == "" {
		return nil, fmt.Errorf("%w: no bearer token on context", contracts.ErrPermissionDenied)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}
	if p.audience != "" {
		opts = append(opts, jwt.WithAudience(p.audience))
	}

	token, err := jwt.ParseWithClaims(raw, &AccessClaims{}, func(*jwt.Token) (any, error) {
		return p.key, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", contracts.ErrPermissionDenied, err)
	}
	claims, ok := token.Claims.(*AccessClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid token", contracts.ErrPermissionDenied)
	}
	return claims, nil
}

// CurrentRole implements contracts.RoleProvider.
func (p *JWTRoleProvider) CurrentRole(ctx context.Context) (string, error) {
	claims, err := p.claims(ctx)
	if err != nil {
		return "", err
	}
	if len(claims.Roles) == 0 {
		return "", fmt.Errorf("token carries no roles")
	}
	return claims.Roles[0], nil
}

// CurrentActorID implements contracts.ActorProvider using the token subject.
func (p *JWTRoleProvider) CurrentActorID(ctx context.Context) (string, error) {
	claims, err := p.claims(ctx)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("token carries no subject")
	}
	return claims.Subject, nil
}

// IssueToken mints a signed HS256 token, used by tests and local tooling.
func (p *JWTRoleProvider) IssueToken(subject string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    p.issuer,
		},
		Roles: roles,
	}
	if p.audience != "" {
		claims.Audience = jwt.ClaimStrings{p.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.key)
}
