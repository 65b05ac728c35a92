package wire

import (
	"errors"

	"google.golang.org/protobuf/encoding/protowire"
)

// Kind identifies which arm of the Instruction union is set.
type Kind int

const (
	KindUnset Kind = iota
	KindProvide
	KindFetch
	KindStatus
	KindShutdown
	KindDial
	KindProvideResponse
	KindFetchResponse
	KindStatusResponse
)

// Field numbers for the Instruction tagged union. 6, 7 and 8 are reserved
// and must never be written; a decoder that meets them treats them as
// unknown fields and skips them, same as any other protobuf consumer would.
const (
	fieldProvide         protowire.Number = 1
	fieldFetch           protowire.Number = 2
	fieldStatus          protowire.Number = 3
	fieldShutdown        protowire.Number = 4
	fieldDial            protowire.Number = 5
	fieldProvideResponse protowire.Number = 9
	fieldFetchResponse   protowire.Number = 10
	fieldStatusResponse  protowire.Number = 11
)

var (
	ErrEmptyInstruction   = errors.New("wire: instruction has no arm set")
	ErrMultipleArmsSet    = errors.New("wire: instruction has more than one arm set")
	ErrInvalidSnippet     = errors.New("wire: embedded snippet is invalid")
)

// StatusResponse reports live node counters.
type StatusResponse struct {
	PeerID             string
	PeerCount          uint32
	PendingConnections uint32
	Hosting            uint32
	RoutingTableSize   uint32
}

// ProvideResponse acknowledges a Provide request; Ok is false when the DHT
// announce failed or the snippet was rejected by validation, with Error
// carrying the reason.
type ProvideResponse struct {
	Hash  string
	Ok    bool
	Error string
}

// FetchResponse carries the resolved snippet, or Ok=false and an Error
// when the fetch timed out or every provider failed.
type FetchResponse struct {
	Snippet *Snippet
	Ok      bool
	Error   string
}

// Instruction is the tagged union crossing the IPC boundary in both
// directions: CLI-to-node requests and node-to-CLI responses share the same
// wire type, distinguished by which field number was written.
type Instruction struct {
	Kind Kind

	// Requests.
	Provide *Snippet
	Fetch   string // hash
	Dial    string // multiaddress

	// Responses.
	ProvideResponse *ProvideResponse
	FetchResponse   *FetchResponse
	StatusResponse  *StatusResponse
}

// Encode produces canonical protobuf wire bytes with exactly one arm set.
func Encode(i *Instruction) ([]byte, error) {
	var b []byte
	switch i.Kind {
	case KindProvide:
		if i.Provide == nil {
			return nil, ErrEmptyInstruction
		}
		b = protowire.AppendTag(b, fieldProvide, protowire.BytesType)
		b = protowire.AppendBytes(b, MarshalSnippet(i.Provide))
	case KindFetch:
		b = protowire.AppendTag(b, fieldFetch, protowire.BytesType)
		b = protowire.AppendString(b, i.Fetch)
	case KindStatus:
		b = protowire.AppendTag(b, fieldStatus, protowire.BytesType)
		b = protowire.AppendBytes(b, nil)
	case KindShutdown:
		b = protowire.AppendTag(b, fieldShutdown, protowire.BytesType)
		b = protowire.AppendBytes(b, nil)
	case KindDial:
		b = protowire.AppendTag(b, fieldDial, protowire.BytesType)
		b = protowire.AppendString(b, i.Dial)
	case KindProvideResponse:
		if i.ProvideResponse == nil {
			return nil, ErrEmptyInstruction
		}
		b = protowire.AppendTag(b, fieldProvideResponse, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalProvideResponse(i.ProvideResponse))
	case KindFetchResponse:
		if i.FetchResponse == nil {
			return nil, ErrEmptyInstruction
		}
		b = protowire.AppendTag(b, fieldFetchResponse, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalFetchResponse(i.FetchResponse))
	case KindStatusResponse:
		if i.StatusResponse == nil {
			return nil, ErrEmptyInstruction
		}
		b = protowire.AppendTag(b, fieldStatusResponse, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalStatusResponse(i.StatusResponse))
	default:
		return nil, ErrEmptyInstruction
	}
	return b, nil
}

// Decode parses canonical protobuf wire bytes into an Instruction, rejecting
// frames with zero or more than one arm set.
func Decode(b []byte) (*Instruction, error) {
	i := &Instruction{}
	seen := 0

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch num {
		case fieldProvide:
			raw, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			snip, err := UnmarshalSnippet(raw)
			if err != nil {
				return nil, err
			}
			i.Kind, i.Provide = KindProvide, snip
			b, seen = b[m:], seen+1
		case fieldFetch:
			v, m, err := consumeString(typ, b)
			if err != nil {
				return nil, err
			}
			i.Kind, i.Fetch = KindFetch, v
			b, seen = b[m:], seen+1
		case fieldStatus:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			i.Kind = KindStatus
			b, seen = b[m:], seen+1
		case fieldShutdown:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			i.Kind = KindShutdown
			b, seen = b[m:], seen+1
		case fieldDial:
			v, m, err := consumeString(typ, b)
			if err != nil {
				return nil, err
			}
			i.Kind, i.Dial = KindDial, v
			b, seen = b[m:], seen+1
		case fieldProvideResponse:
			raw, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			pr, err := unmarshalProvideResponse(raw)
			if err != nil {
				return nil, err
			}
			i.Kind, i.ProvideResponse = KindProvideResponse, pr
			b, seen = b[m:], seen+1
		case fieldFetchResponse:
			raw, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			fr, err := unmarshalFetchResponse(raw)
			if err != nil {
				return nil, err
			}
			i.Kind, i.FetchResponse = KindFetchResponse, fr
			b, seen = b[m:], seen+1
		case fieldStatusResponse:
			raw, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			sr, err := unmarshalStatusResponse(raw)
			if err != nil {
				return nil, err
			}
			i.Kind, i.StatusResponse = KindStatusResponse, sr
			b, seen = b[m:], seen+1
		default:
			// Reserved tags 6-8, or genuinely unknown fields: tolerated and
			// skipped, per canonical protobuf forward-compatibility rules.
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			b = b[m:]
		}
	}

	if seen == 0 {
		return nil, ErrEmptyInstruction
	}
	if seen > 1 {
		return nil, ErrMultipleArmsSet
	}
	return i, nil
}

const (
	prFieldHash  protowire.Number = 1
	prFieldOk    protowire.Number = 2
	prFieldError protowire.Number = 3

	frFieldSnippet protowire.Number = 1
	frFieldOk      protowire.Number = 2
	frFieldError   protowire.Number = 3

	srFieldPeerID             protowire.Number = 1
	srFieldPeerCount          protowire.Number = 2
	srFieldPendingConnections protowire.Number = 3
	srFieldHosting            protowire.Number = 4
	srFieldRoutingTableSize   protowire.Number = 5
)

func marshalProvideResponse(pr *ProvideResponse) []byte {
	var b []byte
	b = appendStringField(b, prFieldHash, pr.Hash)
	b = appendBoolField(b, prFieldOk, pr.Ok)
	b = appendStringField(b, prFieldError, pr.Error)
	return b
}

func unmarshalProvideResponse(b []byte) (*ProvideResponse, error) {
	pr := &ProvideResponse{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case prFieldHash:
			v, m, err := consumeString(typ, b)
			if err != nil {
				return nil, err
			}
			pr.Hash = v
			b = b[m:]
		case prFieldOk:
			v, m, err := consumeBool(typ, b)
			if err != nil {
				return nil, err
			}
			pr.Ok = v
			b = b[m:]
		case prFieldError:
			v, m, err := consumeString(typ, b)
			if err != nil {
				return nil, err
			}
			pr.Error = v
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			b = b[m:]
		}
	}
	return pr, nil
}

func marshalFetchResponse(fr *FetchResponse) []byte {
	var b []byte
	if fr.Snippet != nil {
		b = protowire.AppendTag(b, frFieldSnippet, protowire.BytesType)
		b = protowire.AppendBytes(b, MarshalSnippet(fr.Snippet))
	}
	b = appendBoolField(b, frFieldOk, fr.Ok)
	b = appendStringField(b, frFieldError, fr.Error)
	return b
}

func unmarshalFetchResponse(b []byte) (*FetchResponse, error) {
	fr := &FetchResponse{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case frFieldSnippet:
			raw, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			snip, err := UnmarshalSnippet(raw)
			if err != nil {
				return nil, err
			}
			fr.Snippet = snip
			b = b[m:]
		case frFieldOk:
			v, m, err := consumeBool(typ, b)
			if err != nil {
				return nil, err
			}
			fr.Ok = v
			b = b[m:]
		case frFieldError:
			v, m, err := consumeString(typ, b)
			if err != nil {
				return nil, err
			}
			fr.Error = v
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			b = b[m:]
		}
	}
	return fr, nil
}

func marshalStatusResponse(sr *StatusResponse) []byte {
	var b []byte
	b = appendStringField(b, srFieldPeerID, sr.PeerID)
	b = appendUint32Field(b, srFieldPeerCount, sr.PeerCount)
	b = appendUint32Field(b, srFieldPendingConnections, sr.PendingConnections)
	b = appendUint32Field(b, srFieldHosting, sr.Hosting)
	b = appendUint32Field(b, srFieldRoutingTableSize, sr.RoutingTableSize)
	return b
}

func unmarshalStatusResponse(b []byte) (*StatusResponse, error) {
	sr := &StatusResponse{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case srFieldPeerID:
			v, m, err := consumeString(typ, b)
			if err != nil {
				return nil, err
			}
			sr.PeerID = v
			b = b[m:]
		case srFieldPeerCount:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			sr.PeerCount = uint32(v)
			b = b[m:]
		case srFieldPendingConnections:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			sr.PendingConnections = uint32(v)
			b = b[m:]
		case srFieldHosting:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			sr.Hosting = uint32(v)
			b = b[m:]
		case srFieldRoutingTableSize:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			sr.RoutingTableSize = uint32(v)
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			b = b[m:]
		}
	}
	return sr, nil
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	b = protowire.AppendVarint(b, 1)
	return b
}

func appendUint32Field(b []byte, num protowire.Number, v uint32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(v))
	return b
}

func consumeBool(typ protowire.Type, b []byte) (bool, int, error) {
	if typ != protowire.VarintType {
		return false, 0, errors.New("wire: expected varint-typed field")
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return false, 0, protowire.ParseError(n)
	}
	return v != 0, n, nil
}
