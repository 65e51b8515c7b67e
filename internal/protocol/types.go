package protocol

import (
	"fmt"
	"time"
)

// Version is stamped on every envelope this package builds.
const Version = "FP-MSG-1.0"

// MsgType is the discriminant of the message catalog.
type MsgType string

const (
	ReqGestalt MsgType = "reqGestalt"
	ResGestalt MsgType = "resGestalt"

	ReqOpen  MsgType = "reqOpen"
	ResOpen  MsgType = "resOpen"
	ReqClose MsgType = "reqClose"
	ResClose MsgType = "resClose"

	ReqChat MsgType = "reqChat"
	ResChat MsgType = "resChat"

	ReqGetData MsgType = "reqGetData"
	ResGetData MsgType = "resGetData"
	ReqPutData MsgType = "reqPutData"
	ResPutData MsgType = "resPutData"
	ReqDelData MsgType = "reqDelData"
	ResDelData MsgType = "resDelData"

	ReqGetWAL MsgType = "reqGetWAL"
	ResGetWAL MsgType = "resGetWAL"
	ReqPutWAL MsgType = "reqPutWAL"
	ResPutWAL MsgType = "resPutWAL"
	ReqDelWAL MsgType = "reqDelWAL"
	ResDelWAL MsgType = "resDelWAL"

	BindGetMeta  MsgType = "bindGetMeta"
	EventGetMeta MsgType = "eventGetMeta"
	ReqPutMeta   MsgType = "reqPutMeta"
	ResPutMeta   MsgType = "resPutMeta"
	ReqDelMeta   MsgType = "reqDelMeta"
	ResDelMeta   MsgType = "resDelMeta"

	TypeError MsgType = "error"
)

// ReqTypes lists every request type a server built from this package understands.
func ReqTypes() []MsgType {
	return []MsgType{
		ReqGestalt, ReqOpen, ReqClose, ReqChat,
		ReqGetData, ReqPutData, ReqDelData,
		ReqGetWAL, ReqPutWAL, ReqDelWAL,
		BindGetMeta, ReqPutMeta, ReqDelMeta,
	}
}

// ResTypes lists every one-shot response type.
func ResTypes() []MsgType {
	return []MsgType{
		ResGestalt, ResOpen, ResClose, ResChat,
		ResGetData, ResPutData, ResDelData,
		ResGetWAL, ResPutWAL, ResDelWAL,
		ResPutMeta, ResDelMeta,
	}
}

// EventTypes lists the types that may arrive repeatedly for one tid.
func EventTypes() []MsgType {
	return []MsgType{EventGetMeta}
}

// ResponseTypeFor maps a request type to the type of its reply.
func ResponseTypeFor(t MsgType) (MsgType, bool) {
	r, ok := responseTypes[t]
	return r, ok
}

var responseTypes = map[MsgType]MsgType{
	ReqGestalt:  ResGestalt,
	ReqOpen:     ResOpen,
	ReqClose:    ResClose,
	ReqChat:     ResChat,
	ReqGetData:  ResGetData,
	ReqPutData:  ResPutData,
	ReqDelData:  ResDelData,
	ReqGetWAL:   ResGetWAL,
	ReqPutWAL:   ResPutWAL,
	ReqDelWAL:   ResDelWAL,
	BindGetMeta: EventGetMeta,
	ReqPutMeta:  ResPutMeta,
	ReqDelMeta:  ResDelMeta,
}

// QSId identifies one logical connection independent of the socket carrying it.
// ReqID is proposed by the client; ResID is assigned by the server at handshake.
type QSId struct {
	ReqID string `json:"reqId"`
	ResID string `json:"resId,omitempty"`
}

// IsZero reports whether no identity has been assigned.
func (q QSId) IsZero() bool {
	return q.ReqID == "" && q.ResID == ""
}

func (q QSId) String() string {
	return q.ReqID + "/" + q.ResID
}

// TenantLedger is the replication namespace.
type TenantLedger struct {
	Tenant string `json:"tenant"`
	Ledger string `json:"ledger"`
}

// Validate checks that both halves of the key are present.
func (tl TenantLedger) Validate() error {
	if tl.Tenant == "" {
		return fmt.Errorf("tenant is required")
	}
	if tl.Ledger == "" {
		return fmt.Errorf("ledger is required")
	}
	return nil
}

func (tl TenantLedger) String() string {
	return tl.Tenant + "/" + tl.Ledger
}

// StoreType names the object store an operation targets.
type StoreType string

const (
	StoreData StoreType = "data"
	StoreMeta StoreType = "meta"
	StoreWAL  StoreType = "wal"
)

// HTTP methods used in signed-operation descriptors.
const (
	MethodGet    = "GET"
	MethodPut    = "PUT"
	MethodDelete = "DELETE"
)

// SignedOp describes one out-of-band object store operation.
type SignedOp struct {
	Method  string    `json:"method"`
	Store   StoreType `json:"store"`
	Key     string    `json:"key"`
	Path    string    `json:"path,omitempty"`
	Expires string    `json:"expires,omitempty"` // Go duration, e.g. "15m"
	Index   string    `json:"index,omitempty"`
}

// Validate checks the descriptor has enough to be signed.
func (op SignedOp) Validate() error {
	switch op.Method {
	case MethodGet, MethodPut, MethodDelete:
	default:
		return fmt.Errorf("unsupported method %q", op.Method)
	}
	switch op.Store {
	case StoreData, StoreMeta, StoreWAL:
	default:
		return fmt.Errorf("unsupported store %q", op.Store)
	}
	if op.Key == "" {
		return fmt.Errorf("key is required")
	}
	if op.Expires != "" {
		d, err := time.ParseDuration(op.Expires)
		if err != nil {
			return fmt.Errorf("invalid expires %q: %w", op.Expires, err)
		}
		if d <= 0 {
			return fmt.Errorf("expires must be positive (got %s)", op.Expires)
		}
	}
	return nil
}

// CRDTEntry is one node of the clock-advancement DAG.
type CRDTEntry struct {
	CID     string   `json:"cid"`
	Parents []string `json:"parents"`
	Data    string   `json:"data"`
}

// AuthToken is attached to every outgoing request. Its contents are opaque
// to the protocol layer.
type AuthToken struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}
