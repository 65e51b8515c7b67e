package server

import (
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/fpsync/fpsync/internal/protocol"
)

// member is one open connection identity. HTTP members have no peer and
// never receive pushes.
type member struct {
	conn  protocol.QSId
	peer  *socket
	binds map[string]protocol.TenantLedger // bind tid -> tenant/ledger
}

// pushTarget is a snapshot of a member taken for broadcasting outside the
// room lock.
type pushTarget struct {
	conn  protocol.QSId
	peer  *socket
	binds map[string]protocol.TenantLedger
}

// room is the membership table of one server instance, keyed by reqId.
type room struct {
	mu      sync.RWMutex
	members map[string]*member
}

func newRoom() *room {
	return &room{members: make(map[string]*member)}
}

// open registers reqID, or reattaches it to peer if it is already a member,
// and returns the identity. A reused reqID keeps its resId.
func (r *room) open(reqID string, peer *socket) (protocol.QSId, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.members[reqID]; ok {
		if peer != nil {
			m.peer = peer
		}
		return m.conn, false
	}
	m := &member{
		conn:  protocol.QSId{ReqID: reqID, ResID: ulid.Make().String()},
		peer:  peer,
		binds: make(map[string]protocol.TenantLedger),
	}
	r.members[reqID] = m
	return m.conn, true
}

// close removes conn if it is the live identity for its reqId.
func (r *room) close(conn protocol.QSId) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[conn.ReqID]
	if !ok || m.conn != conn {
		return false
	}
	delete(r.members, conn.ReqID)
	return true
}

// isMember reports whether conn is the live identity for its reqId.
func (r *room) isMember(conn protocol.QSId) bool {
	if conn.ReqID == "" || conn.ResID == "" {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[conn.ReqID]
	return ok && m.conn == conn
}

// addBind records a streaming subscription for pushes. A bind lives until
// its member closes or its socket drops; the wire has no per-bind cancel, so
// a stream the client stopped reading still receives pushes and the rows
// pushed to it count as delivered to that identity.
func (r *room) addBind(conn protocol.QSId, tid string, tl protocol.TenantLedger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.members[conn.ReqID]; ok && m.conn == conn {
		m.binds[tid] = tl
	}
}

// others snapshots every member except conn that has a push-capable peer.
func (r *room) others(conn protocol.QSId) []pushTarget {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []pushTarget
	for _, m := range r.members {
		if m.conn == conn || m.peer == nil {
			continue
		}
		binds := make(map[string]protocol.TenantLedger, len(m.binds))
		for tid, tl := range m.binds {
			binds[tid] = tl
		}
		out = append(out, pushTarget{conn: m.conn, peer: m.peer, binds: binds})
	}
	return out
}

// dropPeer removes every member attached to peer and returns their
// identities.
func (r *room) dropPeer(peer *socket) []protocol.QSId {
	r.mu.Lock()
	defer r.mu.Unlock()

	var dropped []protocol.QSId
	for reqID, m := range r.members {
		if m.peer == peer {
			dropped = append(dropped, m.conn)
			delete(r.members, reqID)
		}
	}
	return dropped
}

func (r *room) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}
