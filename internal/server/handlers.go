package server

import (
	"context"
	"fmt"

	"github.com/fpsync/fpsync/internal/merger"
	"github.com/fpsync/fpsync/internal/protocol"
)

// catalog is the built-in route table. Only the gestalt exchange and open may
// arrive before a session exists.
func (s *Server) catalog(t protocol.MsgType) (Route, bool) {
	route := func(h HandlerFunc) (Route, bool) {
		return Route{Match: protocol.IsType(t), RequiresConnection: true, Handle: h}, true
	}

	switch t {
	case protocol.ReqGestalt:
		return Route{Match: protocol.IsType(t), Handle: s.handleGestalt}, true
	case protocol.ReqOpen:
		return Route{Match: protocol.IsType(t), Handle: s.handleOpen}, true
	case protocol.ReqClose:
		return route(s.handleClose)
	case protocol.ReqChat:
		return route(s.handleChat)
	case protocol.ReqGetData, protocol.ReqPutData, protocol.ReqDelData,
		protocol.ReqGetWAL, protocol.ReqPutWAL, protocol.ReqDelWAL:
		return route(s.handleSignedOp)
	case protocol.BindGetMeta:
		return route(s.handleBindGetMeta)
	case protocol.ReqPutMeta:
		return route(s.handlePutMeta)
	case protocol.ReqDelMeta:
		return route(s.handleDelMeta)
	}
	return Route{}, false
}

func (s *Server) handleGestalt(ctx context.Context, req *Request) (*protocol.Msg, error) {
	res := req.Msg.Reply(protocol.ResGestalt)
	g := s.gestalt
	res.Gestalt = &g
	return res, nil
}

func (s *Server) handleOpen(ctx context.Context, req *Request) (*protocol.Msg, error) {
	if req.Msg.Conn == nil || req.Msg.Conn.ReqID == "" {
		return nil, fmt.Errorf("%w: reqOpen requires conn.reqId", protocol.ErrMalformedMsg)
	}
	conn, created := s.room.open(req.Msg.Conn.ReqID, req.Peer)
	if created {
		s.metrics.Members.Inc()
		s.logger.Printf("Opened %s (members: %d)", conn, s.room.len())
	}

	res := req.Msg.Reply(protocol.ResOpen)
	res.Conn = &conn
	return res, nil
}

func (s *Server) handleClose(ctx context.Context, req *Request) (*protocol.Msg, error) {
	conn := req.Msg.ConnID()
	if s.room.close(conn) {
		s.metrics.Members.Dec()
		s.logger.Printf("Closed %s (members: %d)", conn, s.room.len())
	}
	return req.Msg.Reply(protocol.ResClose), nil
}

// handleChat acknowledges the sender and relays the text to every other
// member with a socket.
func (s *Server) handleChat(ctx context.Context, req *Request) (*protocol.Msg, error) {
	conn := req.Msg.ConnID()
	for _, target := range s.room.others(conn) {
		push := req.Msg.Reply(protocol.ResChat)
		push.Message = req.Msg.Message
		s.push(ctx, target, push)
	}

	res := req.Msg.Reply(protocol.ResChat)
	res.Message = req.Msg.Message
	return res, nil
}

func (s *Server) handleSignedOp(ctx context.Context, req *Request) (*protocol.Msg, error) {
	if s.bridge == nil {
		return nil, fmt.Errorf("%s is unavailable: no signer configured", req.Msg.Type)
	}
	return s.bridge.Sign(ctx, req.Msg), nil
}

// handleBindGetMeta delivers what this identity has not yet seen and, on a
// socket, keeps the bind for later pushes. A socket gets no reply when
// there is nothing new; HTTP always gets one.
func (s *Server) handleBindGetMeta(ctx context.Context, req *Request) (*protocol.Msg, error) {
	tl, err := tenantOf(req.Msg)
	if err != nil {
		return nil, err
	}
	conn := req.Msg.ConnID()
	if req.Peer != nil {
		s.room.addBind(conn, req.Msg.Tid, tl)
	}

	metas, err := s.merger.MetaToSend(ctx, merger.Sink{TenantLedger: tl, Conn: conn})
	if err != nil {
		return nil, err
	}
	s.metrics.MetaEntries.WithLabelValues("sent").Add(float64(len(metas)))

	if len(metas) == 0 && req.Peer != nil {
		return nil, nil
	}
	res := req.Msg.Reply(protocol.EventGetMeta)
	res.Tenant = &tl
	res.Metas = metas
	return res, nil
}

// handlePutMeta merges the batch, answers with what the putter has not yet
// seen and pushes news to every other member bound to the same ledger.
func (s *Server) handlePutMeta(ctx context.Context, req *Request) (*protocol.Msg, error) {
	tl, err := tenantOf(req.Msg)
	if err != nil {
		return nil, err
	}
	conn := req.Msg.ConnID()

	if err := s.merger.AddMeta(ctx, merger.AddMetaReq{TenantLedger: tl, Conn: conn, Metas: req.Msg.Metas}); err != nil {
		return nil, err
	}
	s.metrics.MetaEntries.WithLabelValues("received").Add(float64(len(req.Msg.Metas)))

	metas, err := s.merger.MetaToSend(ctx, merger.Sink{TenantLedger: tl, Conn: conn})
	if err != nil {
		return nil, err
	}
	s.metrics.MetaEntries.WithLabelValues("sent").Add(float64(len(metas)))

	s.pushMeta(ctx, conn, tl)

	res := req.Msg.Reply(protocol.ResPutMeta)
	res.Tenant = &tl
	res.Metas = metas
	return res, nil
}

func (s *Server) handleDelMeta(ctx context.Context, req *Request) (*protocol.Msg, error) {
	tl, err := tenantOf(req.Msg)
	if err != nil {
		return nil, err
	}
	err = s.merger.DelMeta(ctx, merger.DelMetaReq{TenantLedger: tl, Conn: req.Msg.ConnID(), CIDs: req.Msg.CIDs})
	if err != nil {
		return nil, err
	}
	s.metrics.MetaEntries.WithLabelValues("deleted").Add(float64(len(req.Msg.CIDs)))

	res := req.Msg.Reply(protocol.ResDelMeta)
	res.Tenant = &tl
	res.CIDs = req.Msg.CIDs
	return res, nil
}

// pushMeta sends each other member bound to tl the entries it has not yet
// seen, once per bind, under the bind's tid.
func (s *Server) pushMeta(ctx context.Context, from protocol.QSId, tl protocol.TenantLedger) {
	for _, target := range s.room.others(from) {
		var tids []string
		for tid, bound := range target.binds {
			if bound == tl {
				tids = append(tids, tid)
			}
		}
		if len(tids) == 0 {
			continue
		}

		metas, err := s.merger.MetaToSend(ctx, merger.Sink{TenantLedger: tl, Conn: target.conn})
		if err != nil {
			s.logger.Printf("WARNING: Failed to collect meta for %s: %v", target.conn, err)
			continue
		}
		if len(metas) == 0 {
			continue
		}
		s.metrics.MetaEntries.WithLabelValues("sent").Add(float64(len(metas)))

		for _, tid := range tids {
			ev := &protocol.Msg{
				Tid:     tid,
				Type:    protocol.EventGetMeta,
				Version: protocol.Version,
				Conn:    &target.conn,
				Tenant:  &tl,
				Metas:   metas,
			}
			s.push(ctx, target, ev)
		}
	}
}

func (s *Server) push(ctx context.Context, target pushTarget, m *protocol.Msg) {
	if err := target.peer.push(ctx, m); err != nil {
		s.metrics.Pushes.WithLabelValues(string(m.Type), "failed").Inc()
		s.logger.Printf("WARNING: Failed to push %s to %s: %v", m.Type, target.conn, err)
		return
	}
	s.metrics.Pushes.WithLabelValues(string(m.Type), "ok").Inc()
}

func tenantOf(m *protocol.Msg) (protocol.TenantLedger, error) {
	if m.Tenant == nil {
		return protocol.TenantLedger{}, fmt.Errorf("%s requires tenant and ledger", m.Type)
	}
	if err := m.Tenant.Validate(); err != nil {
		return protocol.TenantLedger{}, err
	}
	return *m.Tenant, nil
}
