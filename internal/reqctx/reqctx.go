// Package reqctx extracts the caller's role and user id from a bearer JWT
// and carries them through a request's context.Context for statement
// logging; the RLS engine receives the RequestContext as an explicit
// argument for its auth.uid()/auth.role() substitutions.
package reqctx

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/litefuse/litefuse/internal/apierr"
)

// AnonRole is assigned to unauthenticated requests.
const AnonRole = "anon"

// AuthenticatedRole is assigned to a valid JWT that carries no explicit
// role claim.
const AuthenticatedRole = "authenticated"

// Claims are the JWT claims this engine understands. Role is an
// application-defined claim (set by whatever issues the tokens); everything
// else is the usual registered set.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// RequestContext carries the identity substituted into auth.uid() and
// auth.role() during RLS enforcement.
type RequestContext struct {
	UID  string
	Role string
}

type contextKey struct{}

// WithRequestContext returns a context carrying rc.
func WithRequestContext(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rc)
}

// FromContext extracts the RequestContext, defaulting to the anonymous
// role if none was attached.
func FromContext(ctx context.Context) RequestContext {
	rc, ok := ctx.Value(contextKey{}).(RequestContext)
	if !ok {
		return RequestContext{Role: AnonRole}
	}
	return rc
}

// Extractor verifies bearer tokens against a fixed HMAC secret and builds
// the RequestContext for a request. An empty Authorization header yields
// the anonymous role rather than an error — anonymous access is a valid,
// separately-policed RLS role, not an auth failure. A nil secret means
// auth is disabled: every request, token or not, runs as the anonymous
// role with no uid.
type Extractor struct {
	secret []byte
}

func NewExtractor(secret []byte) *Extractor {
	return &Extractor{secret: secret}
}

// FromAuthorizationHeader parses a `Bearer <jwt>` header value. It always
// fully verifies the token's signature and expiry; it never trusts an
// unverified claim set.
func (e *Extractor) FromAuthorizationHeader(header string) (RequestContext, error) {
	if len(e.secret) == 0 {
		return RequestContext{Role: AnonRole}, nil
	}

	header = strings.TrimSpace(header)
	if header == "" {
		return RequestContext{Role: AnonRole}, nil
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return RequestContext{}, apierr.Auth("authorization header must use the Bearer scheme")
	}
	tokenString := strings.TrimSpace(header[len(prefix):])
	if tokenString == "" {
		return RequestContext{}, apierr.Auth("empty bearer token")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return e.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return RequestContext{}, apierr.Auth("token has expired")
		}
		return RequestContext{}, apierr.Auth("invalid token: " + err.Error())
	}
	if !token.Valid {
		return RequestContext{}, apierr.Auth("invalid token")
	}

	role := claims.Role
	if role == "" {
		role = AuthenticatedRole
	}
	return RequestContext{UID: claims.Subject, Role: role}, nil
}
