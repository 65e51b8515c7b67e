package protocol

import (
	"github.com/oklog/ulid/v2"
)

// Msg is the wire envelope. Every message carries tid, type and version;
// the remaining fields are populated according to Type.
type Msg struct {
	Tid     string     `json:"tid"`
	Type    MsgType    `json:"type"`
	Version string     `json:"version"`
	Auth    *AuthToken `json:"auth,omitempty"`
	Conn    *QSId      `json:"conn,omitempty"`

	Gestalt   *Gestalt      `json:"gestalt,omitempty"`
	Tenant    *TenantLedger `json:"tenant,omitempty"`
	Op        *SignedOp     `json:"op,omitempty"`
	SignedURL string        `json:"signedUrl,omitempty"`
	Metas     []CRDTEntry   `json:"metas,omitempty"`
	CIDs      []string      `json:"cids,omitempty"`

	// Message is the chat text, or the failure text of an error envelope.
	Message string `json:"message,omitempty"`

	// Error envelope fields.
	Src   *Msg   `json:"src,omitempty"`
	Body  string `json:"body,omitempty"`
	Stack string `json:"stack,omitempty"`
}

// Predicate selects messages, e.g. the reply a request waits for.
type Predicate func(*Msg) bool

// NewTid returns a fresh correlation id.
func NewTid() string {
	return ulid.Make().String()
}

// New builds an envelope of the given type with a fresh tid.
func New(t MsgType) *Msg {
	return &Msg{
		Tid:     NewTid(),
		Type:    t,
		Version: Version,
	}
}

// Reply builds the response envelope for m: same tid, connection and
// tenant, the given type.
func (m *Msg) Reply(t MsgType) *Msg {
	r := &Msg{
		Tid:     m.Tid,
		Type:    t,
		Version: Version,
		Tenant:  m.Tenant,
	}
	if m.Conn != nil {
		c := *m.Conn
		r.Conn = &c
	}
	return r
}

// Clone returns a shallow copy whose pointer fields may be replaced
// without touching the original.
func (m *Msg) Clone() *Msg {
	c := *m
	return &c
}

// IsError reports whether m is an error envelope.
func (m *Msg) IsError() bool {
	return m != nil && m.Type == TypeError
}

// Err returns the remote failure carried by an error envelope, or nil.
func (m *Msg) Err() error {
	if !m.IsError() {
		return nil
	}
	return &RemoteError{Msg: m}
}

// ConnID returns the embedded connection identity or the zero value.
func (m *Msg) ConnID() QSId {
	if m.Conn == nil {
		return QSId{}
	}
	return *m.Conn
}

// IsType returns a predicate matching messages of type t.
func IsType(t MsgType) Predicate {
	return func(m *Msg) bool {
		return m != nil && m.Type == t
	}
}

// Predicates for the replies callers most commonly wait on.
var (
	IsResGestalt   = IsType(ResGestalt)
	IsResOpen      = IsType(ResOpen)
	IsResClose     = IsType(ResClose)
	IsResChat      = IsType(ResChat)
	IsEventGetMeta = IsType(EventGetMeta)
	IsResPutMeta   = IsType(ResPutMeta)
	IsResDelMeta   = IsType(ResDelMeta)
)

// NewReqGestalt asks the peer for its gestalt, advertising ours.
func NewReqGestalt(g Gestalt) *Msg {
	m := New(ReqGestalt)
	m.Gestalt = &g
	return m
}

// NewReqOpen proposes a connection identity.
func NewReqOpen(reqID string) *Msg {
	m := New(ReqOpen)
	m.Conn = &QSId{ReqID: reqID}
	return m
}

// NewReqClose ends the session identified by conn.
func NewReqClose(conn QSId) *Msg {
	m := New(ReqClose)
	m.Conn = &conn
	return m
}

// NewReqChat sends text to the other members of the room.
func NewReqChat(text string) *Msg {
	m := New(ReqChat)
	m.Message = text
	return m
}

// NewReqSignedOp builds one of the data/WAL requests.
func NewReqSignedOp(t MsgType, tl TenantLedger, op SignedOp) *Msg {
	m := New(t)
	m.Tenant = &tl
	m.Op = &op
	return m
}

// NewBindGetMeta subscribes to meta events for tl.
func NewBindGetMeta(tl TenantLedger) *Msg {
	m := New(BindGetMeta)
	m.Tenant = &tl
	return m
}

// NewReqPutMeta publishes new frontier entries for tl.
func NewReqPutMeta(tl TenantLedger, metas []CRDTEntry) *Msg {
	m := New(ReqPutMeta)
	m.Tenant = &tl
	m.Metas = metas
	return m
}

// NewReqDelMeta removes entries for tl; no cids means all of them.
func NewReqDelMeta(tl TenantLedger, cids []string) *Msg {
	m := New(ReqDelMeta)
	m.Tenant = &tl
	m.CIDs = cids
	return m
}

// SignedOpTypes maps data and WAL request types to the store and method
// they sign.
var SignedOpTypes = map[MsgType]SignedOp{
	ReqGetData: {Method: MethodGet, Store: StoreData},
	ReqPutData: {Method: MethodPut, Store: StoreData},
	ReqDelData: {Method: MethodDelete, Store: StoreData},
	ReqGetWAL:  {Method: MethodGet, Store: StoreWAL},
	ReqPutWAL:  {Method: MethodPut, Store: StoreWAL},
	ReqDelWAL:  {Method: MethodDelete, Store: StoreWAL},
}
