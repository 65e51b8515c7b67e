package transport

import (
	"context"
	"io"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/fpsync/fpsync/internal/protocol"
)

// Stream receives every reply to one bind request: messages with the bind's
// tid, for the bind's connection, that pass its predicate. Error envelopes
// with the tid are always delivered.
//
// Delivery never blocks the transport's reader. Each stream queues up to
// its limit; a stream whose reader falls further behind ends with
// ErrBindOverflow. A stream also ends when it is cancelled or its transport
// closes. Next drains what is queued and then returns io.EOF, or
// ErrBindOverflow for an overflowed stream.
type Stream struct {
	id     string
	tid    string
	conn   protocol.QSId
	accept protocol.Predicate
	limit  int

	mu    sync.Mutex
	queue []*protocol.Msg
	err   error

	ready chan struct{}
	done  chan struct{}
	once  sync.Once

	onEnd func()
}

func newStream(tid string, conn protocol.QSId, accept protocol.Predicate, limit int) *Stream {
	if limit <= 0 {
		limit = 1
	}
	return &Stream{
		id:     ulid.Make().String(),
		tid:    tid,
		conn:   conn,
		accept: accept,
		limit:  limit,
		ready:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Tid is the correlation id of the bind request.
func (s *Stream) Tid() string { return s.tid }

// Next blocks until a message arrives, the stream ends or ctx is done.
func (s *Stream) Next(ctx context.Context) (*protocol.Msg, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			m := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return m, nil
		}
		err := s.err
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}

		select {
		case <-s.ready:
		case <-s.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Done is closed once the stream has ended.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err reports why the stream ended: nil while it is live, io.EOF after a
// cancel or transport close, ErrBindOverflow after an overflow.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancel ends the stream and detaches it from its transport. It is safe to
// call more than once.
func (s *Stream) Cancel() {
	s.end(io.EOF)
}

func (s *Stream) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		if s.onEnd != nil {
			s.onEnd()
		}
	})
}

func (s *Stream) matches(m *protocol.Msg) bool {
	if m.Tid != s.tid {
		return false
	}
	if !s.conn.IsZero() && m.Conn != nil && *m.Conn != s.conn {
		return false
	}
	return accepts(s.accept, m)
}

// deliver queues m without blocking. A full queue ends the stream with
// ErrBindOverflow.
func (s *Stream) deliver(m *protocol.Msg) bool {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return false
	}
	if len(s.queue) >= s.limit {
		s.mu.Unlock()
		s.end(ErrBindOverflow)
		return false
	}
	s.queue = append(s.queue, m)
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
	return true
}

// bindRegistry tracks the live streams of one transport.
type bindRegistry struct {
	mu      sync.Mutex
	streams map[string]*Stream
	closed  bool
}

func newBindRegistry() *bindRegistry {
	return &bindRegistry{streams: make(map[string]*Stream)}
}

// add registers s and arranges for Cancel to unregister it. It reports
// false if the registry is already closed.
func (r *bindRegistry) add(s *Stream) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.streams[s.id] = s
	s.onEnd = func() { r.remove(s.id) }
	return true
}

func (r *bindRegistry) remove(id string) {
	r.mu.Lock()
	delete(r.streams, id)
	r.mu.Unlock()
}

// dispatch hands m to every stream it matches.
func (r *bindRegistry) dispatch(m *protocol.Msg) int {
	r.mu.Lock()
	var targets []*Stream
	for _, s := range r.streams {
		if s.matches(m) {
			targets = append(targets, s)
		}
	}
	r.mu.Unlock()

	n := 0
	for _, s := range targets {
		if s.deliver(m) {
			n++
		}
	}
	return n
}

// closeAll ends every stream and rejects later adds.
func (r *bindRegistry) closeAll() {
	r.mu.Lock()
	r.closed = true
	streams := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		streams = append(streams, s)
	}
	r.mu.Unlock()

	for _, s := range streams {
		s.end(io.EOF)
	}
}

func (r *bindRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}
