// Package auth supplies the tokens clients attach to every request and the
// pluggable check servers run on them. Token contents are opaque to the
// protocol; the JWT implementations here are the default deployment.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fpsync/fpsync/internal/protocol"
)

// TypeJWT is the AuthToken.Type produced by JWTProvider.
const TypeJWT = "jwt"

// ErrUnauthorized is returned by verifiers that reject a token.
var ErrUnauthorized = errors.New("unauthorized")

// TokenProvider produces the token for one outgoing request. It may block,
// e.g. to refresh credentials.
type TokenProvider interface {
	Token(ctx context.Context) (*protocol.AuthToken, error)
}

// TokenFunc adapts a function to TokenProvider.
type TokenFunc func(ctx context.Context) (*protocol.AuthToken, error)

func (f TokenFunc) Token(ctx context.Context) (*protocol.AuthToken, error) {
	return f(ctx)
}

// Static always returns the same token.
func Static(typ, token string) TokenProvider {
	return TokenFunc(func(context.Context) (*protocol.AuthToken, error) {
		return &protocol.AuthToken{Type: typ, Token: token}, nil
	})
}

// Verifier decides whether a request's token is acceptable.
type Verifier interface {
	Verify(ctx context.Context, tok *protocol.AuthToken) error
}

// AllowAll accepts every request, with or without a token.
type AllowAll struct{}

func (AllowAll) Verify(context.Context, *protocol.AuthToken) error { return nil }

// Claims are carried by tokens minted with JWTProvider.
type Claims struct {
	Tenants []string `json:"tenants,omitempty"`
	jwt.RegisteredClaims
}

// JWTProvider mints a fresh short-lived HS256 token per request.
type JWTProvider struct {
	Secret  []byte
	Subject string
	Tenants []string
	TTL     time.Duration
}

// Token implements TokenProvider.
func (p *JWTProvider) Token(ctx context.Context) (*protocol.AuthToken, error) {
	if len(p.Secret) == 0 {
		return nil, fmt.Errorf("jwt secret is required")
	}
	ttl := p.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	now := time.Now()
	claims := Claims{
		Tenants: p.Tenants,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.Secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return &protocol.AuthToken{Type: TypeJWT, Token: signed}, nil
}

// JWTVerifier accepts HS256 tokens signed with Secret that have not expired.
type JWTVerifier struct {
	Secret []byte
}

// Verify implements Verifier.
func (v *JWTVerifier) Verify(ctx context.Context, tok *protocol.AuthToken) error {
	if tok == nil || tok.Token == "" {
		return fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	if tok.Type != TypeJWT {
		return fmt.Errorf("%w: unsupported token type %q", ErrUnauthorized, tok.Type)
	}
	_, err := ParseClaims(tok.Token, v.Secret)
	return err
}

// ParseClaims validates token against secret and returns its claims.
func ParseClaims(token string, secret []byte) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return claims, nil
}
