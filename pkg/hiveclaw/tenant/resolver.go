// Package tenant resolves which tenant an inbound request belongs to.
// Resolution is a pure function of the request's trust material: a verified
// identity token claim wins over an explicit context value set by a trusted
// upstream caller. The resolved id is threaded explicitly through every
// downstream call — it is never parked in ambient or connection-scoped state,
// because the storage layer multiplexes unrelated requests onto pooled
// physical connections.
package tenant

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ID identifies a tenant. All business data belongs to exactly one tenant.
type ID = uuid.UUID

// Sentinel errors. Both fail closed: no side effects, no delivery attempt.
var (
	// ErrUnauthenticated means no source yielded a tenant identifier.
	ErrUnauthenticated = errors.New("no tenant identity in request")

	// ErrMalformedTenant means a source was present but not a valid identifier.
	ErrMalformedTenant = errors.New("malformed tenant identifier")
)

// Request carries the trust material the resolver inspects. Callers fill it
// from whatever transport delivered the message (HTTP headers, scheduler
// payloads).
type Request struct {
	// IdentityToken is a signed JWT whose "tenant_id" claim names the tenant.
	IdentityToken string

	// TenantContext is an explicit tenant id attached by a trusted upstream
	// caller (gateway header, scheduler payload). Consulted only when no
	// identity token is present.
	TenantContext string
}

// Resolver verifies identity tokens and extracts tenant ids.
type Resolver struct {
	signingKey []byte
}

// NewResolver creates a resolver that verifies tokens with the given
// HS256 signing key.
func NewResolver(signingKey []byte) *Resolver {
	return &Resolver{signingKey: signingKey}
}

// tenantClaims is the subset of token claims the resolver reads.
type tenantClaims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// Resolve returns the tenant id for the request, or fails closed.
//
// Precedence: (1) verified token claim, (2) explicit tenant context.
// A present-but-invalid winning source is ErrMalformedTenant — it never
// falls through to the weaker source.
func (r *Resolver) Resolve(req Request) (ID, error) {
	if req.IdentityToken != "" {
		claims := &tenantClaims{}
		_, err := jwt.ParseWithClaims(req.IdentityToken, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
			}
			return r.signingKey, nil
		})
		if err != nil {
			return uuid.Nil, fmt.Errorf("%w: token verification failed: %v", ErrMalformedTenant, err)
		}
		if claims.TenantID == "" {
			return uuid.Nil, fmt.Errorf("%w: verified token carries no tenant claim", ErrUnauthenticated)
		}
		return parseID(claims.TenantID)
	}

	if req.TenantContext != "" {
		return parseID(req.TenantContext)
	}

	return uuid.Nil, ErrUnauthenticated
}

// parseID validates the identifier shape.
func parseID(s string) (ID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrMalformedTenant, s)
	}
	if id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: nil tenant id", ErrMalformedTenant)
	}
	return id, nil
}
