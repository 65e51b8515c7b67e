package protocol

import (
	"fmt"
	"slices"

	"github.com/oklog/ulid/v2"
)

// Capability is a transport style a peer can speak.
type Capability string

const (
	CapReqRes Capability = "reqRes"
	CapStream Capability = "stream"
)

// Encoding is a wire format a peer can decode.
type Encoding string

const (
	EncodingJSON Encoding = "JSON"
	EncodingCBOR Encoding = "CBOR"
)

// Gestalt is the capability descriptor each side advertises. Build it with
// NewGestalt and treat it as immutable afterwards.
type Gestalt struct {
	ID                   string       `json:"id" yaml:"id" toml:"id"`
	StoreTypes           []StoreType  `json:"storeTypes" yaml:"storeTypes" toml:"storeTypes"`
	ProtocolCapabilities []Capability `json:"protocolCapabilities" yaml:"protocolCapabilities" toml:"protocolCapabilities"`
	HTTPEndpoints        []string     `json:"httpEndpoints" yaml:"httpEndpoints" toml:"httpEndpoints"`
	WSEndpoints          []string     `json:"wsEndpoints" yaml:"wsEndpoints" toml:"wsEndpoints"`
	Encodings            []Encoding   `json:"encodings" yaml:"encodings" toml:"encodings"`
	AuthTypes            []string     `json:"authTypes" yaml:"authTypes" toml:"authTypes"`
	RequiresAuth         bool         `json:"requiresAuth" yaml:"requiresAuth" toml:"requiresAuth"`
	ReqTypes             []MsgType    `json:"reqTypes" yaml:"reqTypes" toml:"reqTypes"`
	ResTypes             []MsgType    `json:"resTypes" yaml:"resTypes" toml:"resTypes"`
	EventTypes           []MsgType    `json:"eventTypes" yaml:"eventTypes" toml:"eventTypes"`
}

// GestaltParams are the inputs NewGestalt fills defaults around.
type GestaltParams struct {
	ID            string
	Capabilities  []Capability
	HTTPEndpoints []string
	WSEndpoints   []string
	Encodings     []Encoding
	AuthTypes     []string
	RequiresAuth  bool
}

// Default endpoint paths served by internal/server.
const (
	DefaultHTTPEndpoint = "/fp"
	DefaultWSEndpoint   = "/ws"
)

// NewGestalt builds a gestalt. Empty params fall back to both transports,
// the default endpoints, JSON then CBOR, and the full message catalog.
func NewGestalt(p GestaltParams) Gestalt {
	g := Gestalt{
		ID:                   p.ID,
		StoreTypes:           []StoreType{StoreData, StoreMeta, StoreWAL},
		ProtocolCapabilities: slices.Clone(p.Capabilities),
		HTTPEndpoints:        slices.Clone(p.HTTPEndpoints),
		WSEndpoints:          slices.Clone(p.WSEndpoints),
		Encodings:            slices.Clone(p.Encodings),
		AuthTypes:            slices.Clone(p.AuthTypes),
		RequiresAuth:         p.RequiresAuth,
		ReqTypes:             ReqTypes(),
		ResTypes:             ResTypes(),
		EventTypes:           EventTypes(),
	}
	if g.ID == "" {
		g.ID = "fp-" + ulid.Make().String()
	}
	if len(g.ProtocolCapabilities) == 0 {
		g.ProtocolCapabilities = []Capability{CapReqRes, CapStream}
	}
	if len(g.HTTPEndpoints) == 0 && g.Supports(CapReqRes) {
		g.HTTPEndpoints = []string{DefaultHTTPEndpoint}
	}
	if len(g.WSEndpoints) == 0 && g.Supports(CapStream) {
		g.WSEndpoints = []string{DefaultWSEndpoint}
	}
	if len(g.Encodings) == 0 {
		g.Encodings = []Encoding{EncodingJSON, EncodingCBOR}
	}
	if g.AuthTypes == nil {
		g.AuthTypes = []string{}
	}
	return g
}

// Supports reports whether c is among the advertised capabilities.
func (g Gestalt) Supports(c Capability) bool {
	return slices.Contains(g.ProtocolCapabilities, c)
}

// Validate rejects descriptors that cannot drive negotiation.
func (g Gestalt) Validate() error {
	if g.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidGestalt)
	}
	if len(g.ProtocolCapabilities) == 0 {
		return fmt.Errorf("%w: no protocol capabilities", ErrInvalidGestalt)
	}
	for _, c := range g.ProtocolCapabilities {
		if c != CapReqRes && c != CapStream {
			return fmt.Errorf("%w: unknown capability %q", ErrInvalidGestalt, c)
		}
	}
	if g.Supports(CapReqRes) && len(g.HTTPEndpoints) == 0 {
		return fmt.Errorf("%w: reqRes advertised without http endpoints", ErrInvalidGestalt)
	}
	if g.Supports(CapStream) && len(g.WSEndpoints) == 0 {
		return fmt.Errorf("%w: stream advertised without ws endpoints", ErrInvalidGestalt)
	}
	if len(g.Encodings) == 0 {
		return fmt.Errorf("%w: no encodings", ErrInvalidGestalt)
	}
	for _, e := range g.Encodings {
		if _, err := CodecFor(e); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidGestalt, err)
		}
	}
	if len(g.StoreTypes) == 0 {
		return fmt.Errorf("%w: no store types", ErrInvalidGestalt)
	}
	if len(g.ReqTypes) == 0 {
		return fmt.Errorf("%w: no request types", ErrInvalidGestalt)
	}
	return nil
}

// Equal compares two descriptors field by field.
func (g Gestalt) Equal(o Gestalt) bool {
	return g.ID == o.ID &&
		g.RequiresAuth == o.RequiresAuth &&
		slices.Equal(g.StoreTypes, o.StoreTypes) &&
		slices.Equal(g.ProtocolCapabilities, o.ProtocolCapabilities) &&
		slices.Equal(g.HTTPEndpoints, o.HTTPEndpoints) &&
		slices.Equal(g.WSEndpoints, o.WSEndpoints) &&
		slices.Equal(g.Encodings, o.Encodings) &&
		slices.Equal(g.AuthTypes, o.AuthTypes) &&
		slices.Equal(g.ReqTypes, o.ReqTypes) &&
		slices.Equal(g.ResTypes, o.ResTypes) &&
		slices.Equal(g.EventTypes, o.EventTypes)
}
