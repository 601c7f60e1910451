package lwm2m

import (
	"bytes"
	"testing"
)

func TestTLVDecodeSingleResource(t *testing.T) {
	// \xc5\x05Hello: Resource (type 3), 8-bit id 5, inline length 5.
	recs, err := decodeTLVRecords([]byte("\xc5\x05Hello"))
	if err != nil {
		t.Fatalf("decodeTLVRecords: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if recs[0].Kind != tlvResource || recs[0].ID != 5 || string(recs[0].Value) != "Hello" {
		t.Errorf("record = %+v, want resource 5 %q", recs[0], "Hello")
	}
}

func TestTLVEncodeDecodeRoundTrip(t *testing.T) {
	long := bytes.Repeat([]byte{0xAB}, 300) // forces the 16-bit length shape
	cases := []struct {
		rid   uint16
		value []byte
	}{
		{4, []byte("514")},
		{300, []byte("wide id")}, // forces the 16-bit id shape
		{7, long},
		{0, nil},
	}
	for _, tc := range cases {
		enc := EncodeTLVResource(tc.rid, tc.value)
		recs, err := decodeTLVRecords(enc)
		if err != nil {
			t.Fatalf("rid %d: decode: %v", tc.rid, err)
		}
		if len(recs) != 1 || recs[0].ID != tc.rid || !bytes.Equal(recs[0].Value, tc.value) {
			t.Errorf("rid %d: round trip = %+v", tc.rid, recs)
		}
	}
}

func TestTLVTruncated(t *testing.T) {
	cases := [][]byte{
		{0xC5},             // header promising an id byte that is missing
		{0xC5, 0x05, 'H'},  // value shorter than inline length
		{0xE0, 0x01},       // 16-bit id cut short
	}
	for _, b := range cases {
		if _, err := decodeTLVRecords(b); err == nil {
			t.Errorf("decodeTLVRecords(% x) succeeded, want error", b)
		}
	}
}

func TestPeekTLVTopRID(t *testing.T) {
	rid, ok := peekTLVTopRID([]byte("\xc5\x05Hello"))
	if !ok || rid != 5 {
		t.Errorf("got (%d, %v), want (5, true)", rid, ok)
	}
	if _, ok := peekTLVTopRID([]byte("plain text")); ok {
		t.Error("non-TLV payload should not yield a RID")
	}
	if _, ok := peekTLVTopRID(nil); ok {
		t.Error("empty payload should not yield a RID")
	}
}

func TestPlaintextCodecs(t *testing.T) {
	v := EncodePlaintextInt(514)
	if string(v.Bytes) != "514" || v.Numeric != 514 || v.Format != FormatPlaintext {
		t.Errorf("EncodePlaintextInt = %+v", v)
	}
	n, err := DecodePlaintextInt(v.Bytes)
	if err != nil || n != 514 {
		t.Errorf("DecodePlaintextInt = (%d, %v)", n, err)
	}
	if f, err := DecodePlaintextFloat([]byte("2.5")); err != nil || f != 2.5 {
		t.Errorf("DecodePlaintextFloat = (%v, %v)", f, err)
	}
}
