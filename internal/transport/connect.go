package transport

import (
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"

	"github.com/fpsync/fpsync/internal/auth"
	"github.com/fpsync/fpsync/internal/protocol"
)

// Config holds client connection settings.
type Config struct {
	// URL is the server base, e.g. http://localhost:8787. Advertised
	// endpoints are resolved against it.
	URL string

	// GestaltPath is where the gestalt request is PUT (default "/fp").
	GestaltPath string

	// Gestalt is what we advertise. A zero value means both transports,
	// JSON then CBOR.
	Gestalt protocol.Gestalt

	// Auth supplies tokens attached to every message. Optional.
	Auth auth.TokenProvider

	// ReqID is our half of the connection identity. Empty means random.
	ReqID string

	Settings   *Settings
	HTTPClient *http.Client

	// Logger for transport activity (default: stderr logger)
	Logger *log.Logger
}

func (c *Config) ours() protocol.Gestalt {
	if c.Gestalt.ID == "" {
		return protocol.NewGestalt(protocol.GestaltParams{})
	}
	return c.Gestalt
}

func (c *Config) logger() *log.Logger {
	if c.Logger == nil {
		return log.New(os.Stderr, "[transport] ", log.LstdFlags)
	}
	return c.Logger
}

// Negotiate PUTs a JSON reqGestalt to the gestalt endpoint and returns the
// server's validated gestalt.
func Negotiate(ctx context.Context, cfg *Config) (protocol.Gestalt, error) {
	base, err := parseBase(cfg.URL)
	if err != nil {
		return protocol.Gestalt{}, err
	}
	gestaltPath := cfg.GestaltPath
	if gestaltPath == "" {
		gestaltPath = protocol.DefaultHTTPEndpoint
	}
	gestaltURL, err := resolve(base, gestaltPath, false)
	if err != nil {
		return protocol.Gestalt{}, err
	}

	hc, err := NewHTTPConn([]string{gestaltURL}, protocol.JSON(), cfg.HTTPClient, cfg.Settings)
	if err != nil {
		return protocol.Gestalt{}, err
	}
	res, err := hc.Request(ctx, protocol.NewReqGestalt(cfg.ours()), RequestOpts{WaitFor: protocol.IsResGestalt})
	if err != nil {
		return protocol.Gestalt{}, fmt.Errorf("gestalt exchange failed: %w", err)
	}
	if err := res.Err(); err != nil {
		return protocol.Gestalt{}, fmt.Errorf("gestalt exchange failed: %w", err)
	}
	if res.Gestalt == nil {
		return protocol.Gestalt{}, fmt.Errorf("%w: resGestalt carries no gestalt", protocol.ErrInvalidGestalt)
	}
	if err := res.Gestalt.Validate(); err != nil {
		return protocol.Gestalt{}, err
	}
	return *res.Gestalt, nil
}

// Dial negotiates, builds the transport the server's gestalt calls for and
// starts it. A server that offers request/response but not streaming gets
// HTTP; every other server gets a WebSocket. The transport speaks the
// first of our encodings the server also lists.
func Dial(ctx context.Context, cfg *Config) (RawConn, protocol.Gestalt, error) {
	remote, err := Negotiate(ctx, cfg)
	if err != nil {
		return nil, protocol.Gestalt{}, err
	}
	raw, err := newRawConn(cfg, remote)
	if err != nil {
		return nil, remote, err
	}
	if err := raw.Start(ctx); err != nil {
		return nil, remote, fmt.Errorf("failed to start transport: %w", err)
	}
	return raw, remote, nil
}

// Connect dials and opens a session.
func Connect(ctx context.Context, cfg *Config) (*Session, protocol.Gestalt, error) {
	raw, remote, err := Dial(ctx, cfg)
	if err != nil {
		return nil, remote, err
	}
	s := NewSession(raw, cfg.Auth, cfg.ReqID, cfg.logger())
	if err := s.Open(ctx); err != nil {
		_ = raw.Close(ctx)
		return nil, remote, err
	}
	return s, remote, nil
}

// UseHTTP reports whether remote should be spoken to over HTTP.
func UseHTTP(ours, remote protocol.Gestalt) bool {
	if !remote.Supports(protocol.CapStream) || len(remote.WSEndpoints) == 0 {
		return true
	}
	return !ours.Supports(protocol.CapStream)
}

func newRawConn(cfg *Config, remote protocol.Gestalt) (RawConn, error) {
	ours := cfg.ours()
	codec, err := protocol.NegotiateCodec(ours.Encodings, remote.Encodings)
	if err != nil {
		return nil, err
	}
	base, err := parseBase(cfg.URL)
	if err != nil {
		return nil, err
	}

	if UseHTTP(ours, remote) {
		endpoints := make([]string, 0, len(remote.HTTPEndpoints))
		for _, ep := range remote.HTTPEndpoints {
			u, err := resolve(base, ep, false)
			if err != nil {
				return nil, err
			}
			endpoints = append(endpoints, u)
		}
		return NewHTTPConn(endpoints, codec, cfg.HTTPClient, cfg.Settings)
	}

	wsURL, err := resolve(base, remote.WSEndpoints[rand.IntN(len(remote.WSEndpoints))], true)
	if err != nil {
		return nil, err
	}
	return NewWSConn(wsURL, codec, cfg.HTTPClient, cfg.Settings, cfg.logger()), nil
}

func parseBase(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server url %q: scheme and host are required", raw)
	}
	return u, nil
}

// resolve makes endpoint absolute against base, switching http(s) to
// ws(s) when ws is set.
func resolve(base *url.URL, endpoint string, ws bool) (string, error) {
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	u := base.ResolveReference(ref)
	if ws {
		switch u.Scheme {
		case "http":
			u.Scheme = "ws"
		case "https":
			u.Scheme = "wss"
		}
	}
	return u.String(), nil
}
