package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/fpsync/fpsync/internal/protocol"
)

// socket is the server end of one WebSocket. It answers in the encoding of
// the last frame it received: text frames are JSON, binary frames CBOR.
type socket struct {
	ws           *websocket.Conn
	limiter      *rate.Limiter
	writeTimeout time.Duration

	mu    sync.Mutex
	codec protocol.Codec
}

func newSocket(ws *websocket.Conn, limiter *rate.Limiter, writeTimeout time.Duration) *socket {
	return &socket{
		ws:           ws,
		limiter:      limiter,
		writeTimeout: writeTimeout,
		codec:        protocol.JSON(),
	}
}

// decode picks the codec for the frame type and decodes data.
func (s *socket) decode(typ websocket.MessageType, data []byte) (*protocol.Msg, error) {
	codec := protocol.JSON()
	if typ == websocket.MessageBinary {
		codec = protocol.CBOR()
	}
	s.mu.Lock()
	s.codec = codec
	s.mu.Unlock()
	return codec.Decode(data)
}

// push writes m to the socket.
func (s *socket) push(ctx context.Context, m *protocol.Msg) error {
	s.mu.Lock()
	codec := s.codec
	s.mu.Unlock()

	data, err := codec.Encode(m)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", m.Type, err)
	}
	typ := websocket.MessageText
	if codec.Encoding() == protocol.EncodingCBOR {
		typ = websocket.MessageBinary
	}

	wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	if err := s.ws.Write(wctx, typ, data); err != nil {
		return fmt.Errorf("failed to write %s: %w", m.Type, err)
	}
	return nil
}

// allow reports whether the rate limiter admits one more message.
func (s *socket) allow() bool {
	return s.limiter == nil || s.limiter.Allow()
}
