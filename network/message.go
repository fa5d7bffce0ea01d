package network

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// RendezvousMessage union field numbers.
const (
	fieldRegisterPk         protowire.Number = 15
	fieldRegisterPkResponse protowire.Number = 16
	fieldRequestRelay       protowire.Number = 18
)

// RegisterPkResult is the outcome reported to a registering peer.
type RegisterPkResult int32

const (
	RegisterPkOK              RegisterPkResult = 0
	RegisterPkUUIDMismatch    RegisterPkResult = 2
	RegisterPkIDExists        RegisterPkResult = 3
	RegisterPkTooFrequent     RegisterPkResult = 4
	RegisterPkInvalidIDFormat RegisterPkResult = 5
	RegisterPkNotSupport      RegisterPkResult = 6
	RegisterPkServerError     RegisterPkResult = 7
)

func (r RegisterPkResult) String() string {
	switch r {
	case RegisterPkOK:
		return "OK"
	case RegisterPkUUIDMismatch:
		return "UUID_MISMATCH"
	case RegisterPkIDExists:
		return "ID_EXISTS"
	case RegisterPkTooFrequent:
		return "TOO_FREQUENT"
	case RegisterPkInvalidIDFormat:
		return "INVALID_ID_FORMAT"
	case RegisterPkNotSupport:
		return "NOT_SUPPORT"
	case RegisterPkServerError:
		return "SERVER_ERROR"
	default:
		return fmt.Sprintf("RegisterPkResult(%d)", int32(r))
	}
}

var (
	// ErrMalformedMessage indicates the payload is not a valid protobuf message.
	ErrMalformedMessage = errors.New("network: malformed rendezvous message")
	// ErrUnexpectedMessage indicates a well-formed message of the wrong variant.
	ErrUnexpectedMessage = errors.New("network: unexpected rendezvous message")
)

// RequestRelay asks the relay to pair this connection with the peer
// presenting the same UUID.
type RequestRelay struct {
	ID          string
	UUID        string
	SocketAddr  []byte
	RelayServer string
	Secure      bool
	LicenceKey  string
	ConnType    int32
	Token       string
}

// RegisterPk binds a peer ID to its public key.
type RegisterPk struct {
	ID    string
	UUID  []byte
	PK    []byte
	OldID string
}

// RegisterPkResponse answers a RegisterPk.
type RegisterPkResponse struct {
	Result    RegisterPkResult
	KeepAlive int32
}

// RendezvousMessage is the envelope exchanged with clients. At most one
// variant is set; the variants this server does not handle are skipped on
// decode.
type RendezvousMessage struct {
	RequestRelay       *RequestRelay
	RegisterPk         *RegisterPk
	RegisterPkResponse *RegisterPkResponse
}

// Marshal encodes the message in protobuf wire format.
func (m *RendezvousMessage) Marshal() []byte {
	var b []byte
	switch {
	case m.RequestRelay != nil:
		b = appendMessage(b, fieldRequestRelay, m.RequestRelay.marshal())
	case m.RegisterPk != nil:
		b = appendMessage(b, fieldRegisterPk, m.RegisterPk.marshal())
	case m.RegisterPkResponse != nil:
		b = appendMessage(b, fieldRegisterPkResponse, m.RegisterPkResponse.marshal())
	}
	return b
}

// ParseRendezvousMessage decodes a protobuf-encoded RendezvousMessage.
func ParseRendezvousMessage(b []byte) (*RendezvousMessage, error) {
	msg := &RendezvousMessage{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, v), nil
		}
		inner, n := protowire.ConsumeBytes(v)
		if n < 0 {
			return n, nil
		}
		switch num {
		case fieldRequestRelay:
			rr, err := parseRequestRelay(inner)
			if err != nil {
				return 0, err
			}
			*msg = RendezvousMessage{RequestRelay: rr}
		case fieldRegisterPk:
			rp, err := parseRegisterPk(inner)
			if err != nil {
				return 0, err
			}
			*msg = RendezvousMessage{RegisterPk: rp}
		case fieldRegisterPkResponse:
			resp, err := parseRegisterPkResponse(inner)
			if err != nil {
				return 0, err
			}
			*msg = RendezvousMessage{RegisterPkResponse: resp}
		}
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// ParseRequestRelay decodes b and returns its RequestRelay variant.
func ParseRequestRelay(b []byte) (*RequestRelay, error) {
	msg, err := ParseRendezvousMessage(b)
	if err != nil {
		return nil, err
	}
	if msg.RequestRelay == nil {
		return nil, ErrUnexpectedMessage
	}
	return msg.RequestRelay, nil
}

func (r *RequestRelay) marshal() []byte {
	var b []byte
	b = appendString(b, 1, r.ID)
	b = appendString(b, 2, r.UUID)
	b = appendBytes(b, 3, r.SocketAddr)
	b = appendString(b, 4, r.RelayServer)
	if r.Secure {
		b = protowire.AppendTag(b, 5, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	b = appendString(b, 6, r.LicenceKey)
	b = appendInt32(b, 7, r.ConnType)
	b = appendString(b, 8, r.Token)
	return b
}

func parseRequestRelay(b []byte) (*RequestRelay, error) {
	r := &RequestRelay{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch {
		case typ == protowire.BytesType && num >= 1 && num <= 8 && num != 5 && num != 7:
			val, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return n, nil
			}
			switch num {
			case 1:
				r.ID = string(val)
			case 2:
				r.UUID = string(val)
			case 3:
				r.SocketAddr = append([]byte(nil), val...)
			case 4:
				r.RelayServer = string(val)
			case 6:
				r.LicenceKey = string(val)
			case 8:
				r.Token = string(val)
			}
			return n, nil
		case typ == protowire.VarintType && (num == 5 || num == 7):
			val, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return n, nil
			}
			if num == 5 {
				r.Secure = protowire.DecodeBool(val)
			} else {
				r.ConnType = int32(val)
			}
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, v), nil
		}
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RegisterPk) marshal() []byte {
	var b []byte
	b = appendString(b, 1, r.ID)
	b = appendBytes(b, 2, r.UUID)
	b = appendBytes(b, 3, r.PK)
	b = appendString(b, 4, r.OldID)
	return b
}

func parseRegisterPk(b []byte) (*RegisterPk, error) {
	r := &RegisterPk{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if typ != protowire.BytesType || num < 1 || num > 4 {
			return protowire.ConsumeFieldValue(num, typ, v), nil
		}
		val, n := protowire.ConsumeBytes(v)
		if n < 0 {
			return n, nil
		}
		switch num {
		case 1:
			r.ID = string(val)
		case 2:
			r.UUID = append([]byte(nil), val...)
		case 3:
			r.PK = append([]byte(nil), val...)
		case 4:
			r.OldID = string(val)
		}
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RegisterPkResponse) marshal() []byte {
	var b []byte
	b = appendInt32(b, 1, int32(r.Result))
	b = appendInt32(b, 2, r.KeepAlive)
	return b
}

func parseRegisterPkResponse(b []byte) (*RegisterPkResponse, error) {
	r := &RegisterPkResponse{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if typ != protowire.VarintType || (num != 1 && num != 2) {
			return protowire.ConsumeFieldValue(num, typ, v), nil
		}
		val, n := protowire.ConsumeVarint(v)
		if n < 0 {
			return n, nil
		}
		if num == 1 {
			r.Result = RegisterPkResult(int32(val))
		} else {
			r.KeepAlive = int32(val)
		}
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// walkFields calls fn for each field in b. fn receives the bytes following
// the tag and returns how many of them the field value consumed.
func walkFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformedMessage, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func appendMessage(b []byte, num protowire.Number, inner []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendInt32(b []byte, num protowire.Number, v int32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(int64(v)))
}
