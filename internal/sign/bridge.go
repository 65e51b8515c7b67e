// Package sign turns signed-operation descriptors into short-lived URLs the
// caller uses directly against the object store. The signing math is an
// injected Signer; JWTSigner is the reference implementation.
package sign

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"time"

	"github.com/fpsync/fpsync/internal/protocol"
)

// DefaultExpires is used when a descriptor does not ask for a lifetime.
const DefaultExpires = time.Hour

var (
	// ErrInvalidSignature is returned by verifiers for tampered, expired or
	// mismatched URLs.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrNotSignable is returned for request types that carry no descriptor.
	ErrNotSignable = errors.New("message type cannot be signed")
)

// Request is what a Signer signs.
type Request struct {
	TenantLedger protocol.TenantLedger
	Op           protocol.SignedOp
	Expires      time.Duration
}

// Signer produces a time-limited URL for one object store operation.
type Signer interface {
	Sign(ctx context.Context, req Request) (*url.URL, error)
}

// SignerFunc adapts a function to Signer.
type SignerFunc func(ctx context.Context, req Request) (*url.URL, error)

func (f SignerFunc) Sign(ctx context.Context, req Request) (*url.URL, error) {
	return f(ctx, req)
}

// Bridge answers data/WAL requests with signed URLs.
type Bridge struct {
	signer Signer
	logger *log.Logger
}

// NewBridge wraps signer. If logger is nil, a default logger writing to
// stderr is used.
func NewBridge(signer Signer, logger *log.Logger) *Bridge {
	if logger == nil {
		logger = log.New(os.Stderr, "[sign] ", log.LstdFlags)
	}
	return &Bridge{signer: signer, logger: logger}
}

// Sign builds the reply to req: the response type with the descriptor
// echoed and SignedURL set, or an error envelope whose src is req.
func (b *Bridge) Sign(ctx context.Context, req *protocol.Msg) *protocol.Msg {
	op, err := descriptorFor(req)
	if err != nil {
		return protocol.NewError(req, err)
	}

	expires := DefaultExpires
	if op.Expires != "" {
		expires, _ = time.ParseDuration(op.Expires) // checked by Validate
	}

	u, err := b.signer.Sign(ctx, Request{
		TenantLedger: *req.Tenant,
		Op:           op,
		Expires:      expires,
	})
	if err != nil {
		b.logger.Printf("Failed to sign %s %s/%s for %s: %v", op.Method, op.Store, op.Key, req.Tenant, err)
		return protocol.NewError(req, fmt.Errorf("failed to sign url: %w", err))
	}

	resType, _ := protocol.ResponseTypeFor(req.Type)
	res := req.Reply(resType)
	res.Op = &op
	res.SignedURL = u.String()
	return res
}

// descriptorFor merges the method and store implied by the request type
// with the caller's key, path, index and expiry.
func descriptorFor(req *protocol.Msg) (protocol.SignedOp, error) {
	base, ok := protocol.SignedOpTypes[req.Type]
	if !ok {
		return protocol.SignedOp{}, fmt.Errorf("%w: %s", ErrNotSignable, req.Type)
	}
	if req.Tenant == nil {
		return protocol.SignedOp{}, fmt.Errorf("tenant and ledger are required")
	}
	if err := req.Tenant.Validate(); err != nil {
		return protocol.SignedOp{}, err
	}
	if req.Op == nil {
		return protocol.SignedOp{}, fmt.Errorf("operation descriptor is required")
	}

	op := *req.Op
	op.Method = base.Method
	op.Store = base.Store
	if err := op.Validate(); err != nil {
		return protocol.SignedOp{}, fmt.Errorf("invalid operation descriptor: %w", err)
	}
	return op, nil
}
