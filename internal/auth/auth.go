// Package auth verifies the bearer credential presented at WebSocket
// handshake and REST calls. The bus never issues sessions.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ramiqadoumi/flowbus/internal/domain"
)

// Identity is the authenticated caller.
type Identity struct {
	UserID      string
	WorkspaceID string
	Role        string
}

// Authenticator resolves a bearer token to an identity. Failures are
// *domain.UnauthorizedError.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

func unauthorized(reason string) error {
	return &domain.UnauthorizedError{Reason: reason}
}

// Claims are the JWT claims understood by the bus. The user ID comes from
// user_id, falling back to sub.
type Claims struct {
	UserID      string `json:"user_id,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	Role        string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator validates HMAC-signed tokens.
type JWTAuthenticator struct {
	secret []byte
	issuer string
	leeway time.Duration
}

// JWTOption configures a JWTAuthenticator.
type JWTOption func(*JWTAuthenticator)

// WithIssuer requires the iss claim to match.
func WithIssuer(iss string) JWTOption { return func(a *JWTAuthenticator) { a.issuer = iss } }

// WithLeeway tolerates clock skew on exp/nbf.
func WithLeeway(d time.Duration) JWTOption { return func(a *JWTAuthenticator) { a.leeway = d } }

// NewJWTAuthenticator creates a validator for tokens signed with secret.
func NewJWTAuthenticator(secret []byte, opts ...JWTOption) *JWTAuthenticator {
	a := &JWTAuthenticator{secret: secret}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *JWTAuthenticator) Authenticate(_ context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, unauthorized("missing token")
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithLeeway(a.leeway),
	}
	if a.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, parserOpts...)
	if err != nil {
		return nil, unauthorized(fmt.Sprintf("invalid token: %v", err))
	}
	if !parsed.Valid {
		return nil, unauthorized("invalid token")
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return nil, unauthorized("token has no subject")
	}
	return &Identity{UserID: userID, WorkspaceID: claims.WorkspaceID, Role: claims.Role}, nil
}

// StaticAuthenticator maps fixed API tokens to users. Intended for service
// accounts and local development.
type StaticAuthenticator struct {
	tokens map[string]string // token → user ID
}

// NewStaticAuthenticator builds a StaticAuthenticator from token → user pairs.
func NewStaticAuthenticator(tokens map[string]string) *StaticAuthenticator {
	cp := make(map[string]string, len(tokens))
	for k, v := range tokens {
		cp[k] = v
	}
	return &StaticAuthenticator{tokens: cp}
}

// ParseStaticTokens parses "token:user" entries as read from config.
func ParseStaticTokens(entries []string) (map[string]string, error) {
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		token, user, ok := strings.Cut(e, ":")
		if !ok || token == "" || user == "" {
			return nil, fmt.Errorf("static token %q: want token:user", e)
		}
		out[token] = user
	}
	return out, nil
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, unauthorized("missing token")
	}
	for t, user := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			return &Identity{UserID: user}, nil
		}
	}
	return nil, unauthorized("unknown token")
}

// Chain tries authenticators in order; the first success wins.
type Chain []Authenticator

func (c Chain) Authenticate(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, unauthorized("missing token")
	}
	var last error
	for _, a := range c {
		id, err := a.Authenticate(ctx, token)
		if err == nil {
			return id, nil
		}
		last = err
	}
	if last == nil {
		last = unauthorized("no authenticator configured")
	}
	return nil, last
}

// IsUnauthorized reports whether err is an authentication failure.
func IsUnauthorized(err error) bool {
	var ue *domain.UnauthorizedError
	return errors.As(err, &ue)
}

// BearerToken extracts the credential from an "Authorization: Bearer x"
// header value.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

type identityKey struct{}

// NewContext returns a copy of ctx carrying id.
func NewContext(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity stored by NewContext.
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	return id, ok && id != nil
}
