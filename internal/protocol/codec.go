package protocol

import (
	"encoding/json"
	"fmt"
	"mime"
	"slices"

	"github.com/fxamacker/cbor/v2"
)

// Codec encodes and decodes envelopes in one wire format.
type Codec interface {
	Encoding() Encoding
	ContentType() string
	Encode(m *Msg) ([]byte, error)
	Decode(data []byte) (*Msg, error)
}

type jsonCodec struct{}

func (jsonCodec) Encoding() Encoding  { return EncodingJSON }
func (jsonCodec) ContentType() string { return "application/json" }

func (jsonCodec) Encode(m *Msg) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json message: %w", err)
	}
	return data, nil
}

func (jsonCodec) Decode(data []byte) (*Msg, error) {
	var m Msg
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode json message: %w", err)
	}
	return checkDecoded(&m)
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() cborCodec {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor encode options: %v", err))
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor decode options: %v", err))
	}
	return cborCodec{enc: enc, dec: dec}
}

func (cborCodec) Encoding() Encoding  { return EncodingCBOR }
func (cborCodec) ContentType() string { return "application/cbor" }

func (c cborCodec) Encode(m *Msg) ([]byte, error) {
	data, err := c.enc.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode cbor message: %w", err)
	}
	return data, nil
}

func (c cborCodec) Decode(data []byte) (*Msg, error) {
	var m Msg
	if err := c.dec.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode cbor message: %w", err)
	}
	return checkDecoded(&m)
}

func checkDecoded(m *Msg) (*Msg, error) {
	if m.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMsg)
	}
	if m.Tid == "" {
		return nil, fmt.Errorf("%w: missing tid", ErrMalformedMsg)
	}
	return m, nil
}

var (
	jsonC Codec = jsonCodec{}
	cborC Codec = newCBORCodec()
)

// JSON returns the JSON codec.
func JSON() Codec { return jsonC }

// CBOR returns the CBOR codec.
func CBOR() Codec { return cborC }

// CodecFor returns the codec for an advertised encoding.
func CodecFor(e Encoding) (Codec, error) {
	switch e {
	case EncodingJSON:
		return jsonC, nil
	case EncodingCBOR:
		return cborC, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, e)
}

// CodecForContentType maps an HTTP Content-Type header to a codec.
// An empty header means JSON.
func CodecForContentType(ct string) (Codec, error) {
	if ct == "" {
		return jsonC, nil
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedEncoding, err)
	}
	switch mt {
	case jsonC.ContentType():
		return jsonC, nil
	case cborC.ContentType():
		return cborC, nil
	}
	return nil, fmt.Errorf("%w: content type %q", ErrUnsupportedEncoding, mt)
}

// NegotiateCodec picks the first of our encodings the peer also lists.
func NegotiateCodec(ours, theirs []Encoding) (Codec, error) {
	for _, e := range ours {
		if slices.Contains(theirs, e) {
			return CodecFor(e)
		}
	}
	return nil, fmt.Errorf("%w: no common encoding between %v and %v", ErrUnsupportedEncoding, ours, theirs)
}
