package lwm2m

import (
	"fmt"
	"math"
	"strconv"

	"github.com/plgd-dev/go-coap/v2/message/codes"
)

// ContentFormat is the CoAP Content-Format option value space this core
// understands. The codec that actually renders/parses TLV, JSON and
// link-format bodies is an external collaborator; this core only needs
// the format identifiers and a minimal default codec good enough to drive
// its own Read/Write/Create round trips without depending on one.
type ContentFormat uint16

const (
	FormatPlaintext  ContentFormat = 0
	FormatOpaque     ContentFormat = 42
	FormatLinkFormat ContentFormat = 40
	FormatTLV        ContentFormat = 11542
	FormatJSON       ContentFormat = 11543
	// FormatNone is the sentinel "no Accept/Content-Format option present".
	FormatNone ContentFormat = 0xFFFF
)

// Value is the decoded form of a single resource's content: Bytes always
// holds the canonical encoding in Format, and Numeric is a best-effort
// float64 view (NaN when the resource is not numeric), mirroring
// ResourceValue.numeric. Code is only meaningful for a value queued as a
// notification: zero means the ordinary 2.05 Content a successful read
// produces, non-zero marks an error report a failed trigger_observe
// evaluation inserted in its place.
type Value struct {
	Format  ContentFormat
	Bytes   []byte
	Numeric float64
	Code    codes.Code
}

func nonNumericValue(format ContentFormat, b []byte) Value {
	return Value{Format: format, Bytes: b, Numeric: math.NaN()}
}

func numericValue(format ContentFormat, b []byte, n float64) Value {
	return Value{Format: format, Bytes: b, Numeric: n}
}

// errorValue renders a failed trigger_observe evaluation as a ResourceValue
// error report, carrying the mapped CoAP error code and no body.
func errorValue(err error) Value {
	return Value{Format: FormatNone, Numeric: math.NaN(), Code: errorResponseCode(err)}
}

// EncodePlaintextInt renders an integer resource as Plain-text.
func EncodePlaintextInt(v int64) Value {
	b := []byte(strconv.FormatInt(v, 10))
	return numericValue(FormatPlaintext, b, float64(v))
}

// EncodePlaintextFloat renders a float resource as Plain-text.
func EncodePlaintextFloat(v float64) Value {
	b := []byte(strconv.FormatFloat(v, 'g', -1, 64))
	return numericValue(FormatPlaintext, b, v)
}

// EncodeOpaque renders a byte-string resource as the OPAQUE content format.
func EncodeOpaque(b []byte) Value {
	return nonNumericValue(FormatOpaque, b)
}

// EncodeString renders a string resource as Plain-text.
func EncodeString(s string) Value {
	return nonNumericValue(FormatPlaintext, []byte(s))
}

// DecodePlaintextInt parses a Plain-text integer payload.
func DecodePlaintextInt(b []byte) (int64, error) {
	return strconv.ParseInt(string(b), 10, 64)
}

// DecodePlaintextFloat parses a Plain-text float payload.
func DecodePlaintextFloat(b []byte) (float64, error) {
	return strconv.ParseFloat(string(b), 64)
}

// tlvKind is the "Type of Identifier" field of a TLV header byte.
type tlvKind uint8

const (
	tlvObjectInstance  tlvKind = 0
	tlvResourceInst    tlvKind = 1
	tlvMultipleRes     tlvKind = 2
	tlvResource        tlvKind = 3
)

// tlvRecord is one top-level decoded TLV item: enough to drive the RID
// match check Write and the ACL-map decode of accesscontrol.go.
type tlvRecord struct {
	Kind               tlvKind
	ID                 uint16
	ResourceInstanceID uint16
	Value              []byte
}

// decodeTLVRecords parses a flat sequence of LwM2M TLV items per the OMA
// TLV header encoding: byte 0 carries type (bits 7-6), identifier width
// (bit 5), length-field shape (bits 4-3) and, when that shape is "inline",
// the length itself (bits 2-0).
func decodeTLVRecords(b []byte) ([]tlvRecord, error) {
	var out []tlvRecord
	for len(b) > 0 {
		if len(b) < 1 {
			return nil, fmt.Errorf("tlv: truncated header")
		}
		hdr := b[0]
		kind := tlvKind((hdr >> 6) & 0x3)
		idLong := hdr&0x20 != 0
		lenType := (hdr >> 3) & 0x3
		pos := 1

		var id uint16
		if idLong {
			if len(b) < pos+2 {
				return nil, fmt.Errorf("tlv: truncated 16-bit id")
			}
			id = uint16(b[pos])<<8 | uint16(b[pos+1])
			pos += 2
		} else {
			if len(b) < pos+1 {
				return nil, fmt.Errorf("tlv: truncated 8-bit id")
			}
			id = uint16(b[pos])
			pos++
		}

		var length int
		switch lenType {
		case 0:
			length = int(hdr & 0x7)
		case 1:
			if len(b) < pos+1 {
				return nil, fmt.Errorf("tlv: truncated 8-bit length")
			}
			length = int(b[pos])
			pos++
		case 2:
			if len(b) < pos+2 {
				return nil, fmt.Errorf("tlv: truncated 16-bit length")
			}
			length = int(b[pos])<<8 | int(b[pos+1])
			pos += 2
		case 3:
			if len(b) < pos+3 {
				return nil, fmt.Errorf("tlv: truncated 24-bit length")
			}
			length = int(b[pos])<<16 | int(b[pos+1])<<8 | int(b[pos+2])
			pos += 3
		}
		if len(b) < pos+length {
			return nil, fmt.Errorf("tlv: truncated value")
		}
		out = append(out, tlvRecord{Kind: kind, ID: id, ResourceInstanceID: id, Value: b[pos : pos+length]})
		b = b[pos+length:]
	}
	return out, nil
}

// peekTLVTopRID returns the RID of the first top-level Resource record in a
// TLV payload, used by Write's RID-match guard.
func peekTLVTopRID(b []byte) (uint16, bool) {
	recs, err := decodeTLVRecords(b)
	if err != nil || len(recs) == 0 {
		return 0, false
	}
	if recs[0].Kind != tlvResource {
		return 0, false
	}
	return recs[0].ID, true
}

// EncodeTLVResource renders a single Resource TLV record (8-bit id, inline
// length when it fits in 3 bits, else an 8-bit length field).
func EncodeTLVResource(rid uint16, value []byte) []byte {
	return encodeTLVRecord(tlvResource, rid, value)
}

func encodeTLVRecord(kind tlvKind, id uint16, value []byte) []byte {
	out := make([]byte, 0, len(value)+4)
	hdr := byte(kind) << 6
	idLong := id > 0xFF
	if idLong {
		hdr |= 0x20
	}
	n := len(value)
	var lenBytes []byte
	switch {
	case n <= 7:
		hdr |= byte(n)
	case n <= 0xFF:
		hdr |= 1 << 3
		lenBytes = []byte{byte(n)}
	case n <= 0xFFFF:
		hdr |= 2 << 3
		lenBytes = []byte{byte(n >> 8), byte(n)}
	default:
		hdr |= 3 << 3
		lenBytes = []byte{byte(n >> 16), byte(n >> 8), byte(n)}
	}
	out = append(out, hdr)
	if idLong {
		out = append(out, byte(id>>8), byte(id))
	} else {
		out = append(out, byte(id))
	}
	out = append(out, lenBytes...)
	out = append(out, value...)
	return out
}
