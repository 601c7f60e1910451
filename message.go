package lwm2m

// MsgType is the CoAP message type.
type MsgType int

const (
	MsgCON MsgType = iota
	MsgNON
	MsgACK
	MsgRST
)

// Method is the CoAP request method. DELETE/PUT/POST/GET only - the
// core never issues or expects other verbs.
type Method int

const (
	MethodGET Method = iota
	MethodPUT
	MethodPOST
	MethodDELETE
)

// CoAP option numbers the parser understands (RFC 7252 §5.10, RFC 7641 §2,
// RFC 7959 §2). Kept as plain numeric constants rather than aliases into a
// transport library so request.go has no compile-time dependency on the
// CoAP codec; stream.go is the only file that bridges to the real wire
// library (github.com/plgd-dev/go-coap/v2).
const (
	OptIfMatch       uint16 = 1
	OptURIHost       uint16 = 3
	OptETag          uint16 = 4
	OptIfNoneMatch   uint16 = 5
	OptObserve       uint16 = 6
	OptURIPort       uint16 = 7
	OptLocationPath  uint16 = 8
	OptURIPath       uint16 = 11
	OptContentFormat uint16 = 12
	OptMaxAge        uint16 = 14
	OptURIQuery      uint16 = 15
	OptAccept        uint16 = 17
	OptLocationQuery uint16 = 20
	OptBlock2        uint16 = 23
	OptBlock1        uint16 = 27
	OptSize2         uint16 = 28
	OptProxyURI      uint16 = 35
	OptProxyScheme   uint16 = 39
	OptSize1         uint16 = 60
)

func isCritical(optID uint16) bool { return optID%2 == 1 }

// RawOption is one decoded CoAP option; repeatable options (Uri-Path,
// Uri-Query) appear once per occurrence, in wire order.
type RawOption struct {
	ID    uint16
	Value []byte
}

// RawMessage is the transport-agnostic view of a single CoAP message that
// the Request Parser consumes. A Stream implementation (stream.go) is
// responsible for producing this from whatever wire library it uses.
type RawMessage struct {
	Type    MsgType
	Code    Method
	MsgID   uint16
	Token   []byte
	Options []RawOption
	Body    []byte
}

func (m RawMessage) optionStrings(id uint16) []string {
	var out []string
	for _, o := range m.Options {
		if o.ID == id {
			out = append(out, string(o.Value))
		}
	}
	return out
}

func (m RawMessage) firstOption(id uint16) (RawOption, bool) {
	for _, o := range m.Options {
		if o.ID == id {
			return o, true
		}
	}
	return RawOption{}, false
}
