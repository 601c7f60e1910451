package lwm2m

import (
	"bytes"
	"io"

	"github.com/plgd-dev/go-coap/v2/message"
	"github.com/plgd-dev/go-coap/v2/message/codes"
	"github.com/plgd-dev/go-coap/v2/mux"
	"github.com/plgd-dev/go-coap/v2/udp/message/pool"
)

// Stream is the narrow surface the notification machinery needs from a
// live CoAP connection, independent of whether it runs over plain UDP or
// DTLS. ConnectionManager implements it; connection.go is the only other
// file permitted to reach past this interface into the go-coap/pion wire
// types directly.
type Stream interface {
	SendNotify(ck ConnKey, entry *ObserveEntry, value Value, confirmable bool) error
}

// rawMessageFromCoAP converts an inbound go-coap message into the
// transport-agnostic RawMessage the Request Parser consumes. Repeatable
// options (Uri-Path, Uri-Query) are re-flattened into individual RawOptions
// so request.go never needs to know about message.Options' packed
// encoding.
func rawMessageFromCoAP(m *pool.Message) (RawMessage, error) {
	raw := RawMessage{
		Type:  msgTypeFromCoAP(m.Type()),
		Code:  methodFromCoAP(m.Code()),
		MsgID: uint16(m.MessageID()),
		Token: []byte(m.Token()),
	}

	if path, err := m.Options().Path(); err == nil && path != "" {
		for _, seg := range splitPath(path) {
			raw.Options = append(raw.Options, RawOption{ID: OptURIPath, Value: []byte(seg)})
		}
	}
	if queries, err := m.Options().Queries(); err == nil {
		for _, q := range queries {
			raw.Options = append(raw.Options, RawOption{ID: OptURIQuery, Value: []byte(q)})
		}
	}
	if cf, err := m.ContentFormat(); err == nil {
		raw.Options = append(raw.Options, RawOption{ID: OptContentFormat, Value: encodeUint(uint32(cf))})
	}
	if accept, err := m.Options().GetUint32(message.Accept); err == nil {
		raw.Options = append(raw.Options, RawOption{ID: OptAccept, Value: encodeUint(accept)})
	}
	if obs, err := m.Options().Observe(); err == nil {
		raw.Options = append(raw.Options, RawOption{ID: OptObserve, Value: encodeUint(obs)})
	}

	if body := m.Body(); body != nil {
		b, err := io.ReadAll(body)
		if err != nil {
			return RawMessage{}, errInternalWrap("reading request body", err)
		}
		raw.Body = b
	}
	return raw, nil
}

func splitPath(path string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i > start {
				out = append(out, path[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func encodeUint(v uint32) []byte {
	switch {
	case v == 0:
		return nil
	case v <= 0xFF:
		return []byte{byte(v)}
	case v <= 0xFFFF:
		return []byte{byte(v >> 8), byte(v)}
	case v <= 0xFFFFFF:
		return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

func msgTypeFromCoAP(t message.Type) MsgType {
	switch t {
	case message.Confirmable:
		return MsgCON
	case message.NonConfirmable:
		return MsgNON
	case message.Acknowledgement:
		return MsgACK
	default:
		return MsgRST
	}
}

func methodFromCoAP(c codes.Code) Method {
	switch c {
	case codes.PUT:
		return MethodPUT
	case codes.POST:
		return MethodPOST
	case codes.DELETE:
		return MethodDELETE
	default:
		return MethodGET
	}
}

func contentFormatWire(f ContentFormat) uint16 {
	if f == FormatNone {
		return uint16(FormatPlaintext)
	}
	return uint16(f)
}

// CoreHandler adapts Client's Dispatcher into a mux.HandlerFunc a go-coap/v2
// server can route to directly, for callers (cmd/lwm2mclient) that attach
// the library straight to a socket instead of decoding messages themselves.
func (c *Client) CoreHandler(connFor func(mux.Client) (uint16, ConnType)) mux.HandlerFunc {
	return coreMux(connFor, c.dispatcher)
}

// coreMux adapts a Dispatcher into a mux.HandlerFunc, grounded on
// matrix-org-lb's mux wiring in cmd/proxy/proxy.go: decode the inbound
// message, run it through Serve, and render whatever Response comes back.
func coreMux(connFor func(mux.Client) (uint16, ConnType), d *Dispatcher) mux.HandlerFunc {
	return func(w mux.ResponseWriter, r *mux.Message) {
		pm, err := pool.ConvertFrom(r.Message)
		if err != nil {
			return
		}
		raw, err := rawMessageFromCoAP(pm)
		if err != nil {
			return
		}
		ssid, connType := connFor(r.Client())
		req, err := ParseRequest(ssid, connType, raw)
		if err != nil {
			_ = w.SetResponse(errorResponseCode(err), message.TextPlain, nil)
			return
		}
		resp, _ := d.Serve(req)
		if resp == nil {
			return
		}
		var opts message.Options
		if resp.LocationPath != "" {
			for _, seg := range splitPath(resp.LocationPath) {
				opts = opts.Add(message.Option{ID: message.LocationPath, Value: []byte(seg)})
			}
		}
		body := bytes.NewReader(resp.Body)
		_ = w.SetResponse(resp.Code, message.MediaType(contentFormatWire(resp.Format)), body, opts...)
	}
}
