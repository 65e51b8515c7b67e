package transport

import (
	"fmt"
	"sync"

	"github.com/fpsync/fpsync/internal/protocol"
)

type result struct {
	msg *protocol.Msg
	err error
}

type pendingReq struct {
	tid    string
	accept protocol.Predicate
	res    chan result
}

// pendingTable maps outstanding tids to their waiters.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingReq
	closed  error
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]*pendingReq)}
}

func (t *pendingTable) add(tid string, accept protocol.Predicate) (*pendingReq, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed != nil {
		return nil, t.closed
	}
	if _, ok := t.entries[tid]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTid, tid)
	}
	p := &pendingReq{tid: tid, accept: accept, res: make(chan result, 1)}
	t.entries[tid] = p
	return p, nil
}

// resolve hands m to the waiter for its tid if the waiter accepts it.
func (t *pendingTable) resolve(m *protocol.Msg) bool {
	t.mu.Lock()
	p, ok := t.entries[m.Tid]
	if !ok || !accepts(p.accept, m) {
		t.mu.Unlock()
		return false
	}
	delete(t.entries, m.Tid)
	t.mu.Unlock()

	p.res <- result{msg: m}
	return true
}

func (t *pendingTable) remove(tid string) {
	t.mu.Lock()
	delete(t.entries, tid)
	t.mu.Unlock()
}

// closeAll fails every waiter with err and rejects later adds.
func (t *pendingTable) closeAll(err error) {
	t.mu.Lock()
	if t.closed == nil {
		t.closed = err
	}
	entries := t.entries
	t.entries = make(map[string]*pendingReq)
	t.mu.Unlock()

	for _, p := range entries {
		p.res <- result{err: err}
	}
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
