package sign

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fpsync/fpsync/internal/protocol"
)

// OpClaims bind a token to exactly one object store operation.
type OpClaims struct {
	Method string             `json:"method"`
	Store  protocol.StoreType `json:"store"`
	Tenant string             `json:"tenant"`
	Ledger string             `json:"ledger"`
	Key    string             `json:"key"`
	jwt.RegisteredClaims
}

// JWTSigner signs URLs of the form
//
//	{BaseURL}/{store}/{tenant}/{ledger}/{key}?token=<HS256 JWT>
//
// where the token names the method and object it grants.
type JWTSigner struct {
	BaseURL *url.URL
	Secret  []byte
	Now     func() time.Time
}

// NewJWTSigner parses baseURL and returns a signer using secret.
func NewJWTSigner(baseURL string, secret []byte) (*JWTSigner, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid sign base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid sign base url %q: scheme and host are required", baseURL)
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("sign secret is required")
	}
	return &JWTSigner{BaseURL: u, Secret: secret, Now: time.Now}, nil
}

// Sign implements Signer.
func (s *JWTSigner) Sign(ctx context.Context, req Request) (*url.URL, error) {
	now := s.Now()
	claims := OpClaims{
		Method: req.Op.Method,
		Store:  req.Op.Store,
		Tenant: req.TenantLedger.Tenant,
		Ledger: req.TenantLedger.Ledger,
		Key:    req.Op.Key,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(req.Expires)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.Secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	u := *s.BaseURL
	u.Path = path.Join("/", u.Path, string(req.Op.Store), req.TenantLedger.Tenant, req.TenantLedger.Ledger, req.Op.Key)
	q := url.Values{}
	q.Set("token", token)
	if req.Op.Index != "" {
		q.Set("index", req.Op.Index)
	}
	u.RawQuery = q.Encode()
	return &u, nil
}

// Verify checks a URL presented to the object gateway with method and
// returns the operation it grants.
func (s *JWTSigner) Verify(method string, u *url.URL) (*OpClaims, error) {
	claims := &OpClaims{}
	_, err := jwt.ParseWithClaims(u.Query().Get("token"), claims, func(*jwt.Token) (any, error) {
		return s.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if claims.Method != method {
		return nil, fmt.Errorf("%w: token grants %s, not %s", ErrInvalidSignature, claims.Method, method)
	}
	want := path.Join("/", s.BaseURL.Path, string(claims.Store), claims.Tenant, claims.Ledger, claims.Key)
	if path.Clean(u.Path) != want {
		return nil, fmt.Errorf("%w: path %q does not match token", ErrInvalidSignature, u.Path)
	}
	return claims, nil
}
