package lwm2m

import (
	"errors"
	"testing"
)

func TestExecArgsEmpty(t *testing.T) {
	a := NewExecArgs(nil)
	if _, _, err := a.NextArg(); !errors.Is(err, ErrExecArgsDone) {
		t.Errorf("NextArg on empty payload: %v, want ErrExecArgsDone", err)
	}
}

func TestExecArgsParse(t *testing.T) {
	cases := []struct {
		payload string
		args    []uint8
		values  []string // "" means no value
	}{
		{"5", []uint8{5}, []string{""}},
		{"2='hello'", []uint8{2}, []string{"hello"}},
		{"0,1,2", []uint8{0, 1, 2}, []string{"", "", ""}},
		{"7='a b,c',3,9='x'", []uint8{7, 3, 9}, []string{"a b,c", "", "x"}},
		{"4=''", []uint8{4}, []string{""}},
	}
	for _, tc := range cases {
		a := NewExecArgs([]byte(tc.payload))
		for i, wantArg := range tc.args {
			arg, hasValue, err := a.NextArg()
			if err != nil {
				t.Fatalf("%q arg %d: NextArg: %v", tc.payload, i, err)
			}
			if arg != wantArg {
				t.Errorf("%q arg %d = %d, want %d", tc.payload, i, arg, wantArg)
			}
			if hasValue {
				var buf [64]byte
				var got []byte
				for {
					part, err := a.GetArgValue(buf[:])
					if err != nil {
						t.Fatalf("%q arg %d: GetArgValue: %v", tc.payload, i, err)
					}
					if len(part) == 0 {
						break
					}
					got = append(got, part...)
				}
				if string(got) != tc.values[i] {
					t.Errorf("%q arg %d value = %q, want %q", tc.payload, i, got, tc.values[i])
				}
			} else if tc.values[i] != "" {
				t.Errorf("%q arg %d reported no value, want %q", tc.payload, i, tc.values[i])
			}
		}
		if _, _, err := a.NextArg(); !errors.Is(err, ErrExecArgsDone) {
			t.Errorf("%q: trailing NextArg: %v, want ErrExecArgsDone", tc.payload, err)
		}
	}
}

func TestExecArgsStreamsThroughSmallBuffer(t *testing.T) {
	a := NewExecArgs([]byte("1='streaming value'"))
	if _, hasValue, err := a.NextArg(); err != nil || !hasValue {
		t.Fatalf("NextArg: hasValue=%v err=%v", hasValue, err)
	}
	var got []byte
	buf := make([]byte, 2) // minimum legal size: one byte per call
	for {
		part, err := a.GetArgValue(buf)
		if err != nil {
			t.Fatalf("GetArgValue: %v", err)
		}
		if len(part) == 0 {
			break
		}
		got = append(got, part...)
	}
	if string(got) != "streaming value" {
		t.Errorf("streamed %q, want %q", got, "streaming value")
	}
}

func TestExecArgsSkipsUnreadValue(t *testing.T) {
	a := NewExecArgs([]byte("1='ignored',8"))
	if _, _, err := a.NextArg(); err != nil {
		t.Fatalf("NextArg: %v", err)
	}
	arg, hasValue, err := a.NextArg()
	if err != nil {
		t.Fatalf("NextArg past unread value: %v", err)
	}
	if arg != 8 || hasValue {
		t.Errorf("got arg=%d hasValue=%v, want 8/false", arg, hasValue)
	}
}

func TestExecArgsMalformed(t *testing.T) {
	cases := []string{
		"a",       // not a digit
		"12",      // two digits
		"1=x",     // unquoted value
		"1='x",    // unterminated value
		"1='x',",  // trailing separator
		",1",      // leading separator
	}
	for _, payload := range cases {
		a := NewExecArgs([]byte(payload))
		bad := false
		for i := 0; i < 4; i++ {
			_, hasValue, err := a.NextArg()
			if errors.Is(err, ErrExecArgsDone) {
				break
			}
			if err != nil {
				bad = true
				break
			}
			if hasValue {
				if _, err := a.GetArgValue(make([]byte, 8)); err != nil {
					bad = true
					break
				}
			}
		}
		if !bad {
			t.Errorf("payload %q parsed without error, want BadRequest", payload)
		}
	}
}

func TestExecArgsBufferTooSmall(t *testing.T) {
	a := NewExecArgs([]byte("1='v'"))
	if _, _, err := a.NextArg(); err != nil {
		t.Fatalf("NextArg: %v", err)
	}
	if _, err := a.GetArgValue(make([]byte, 1)); err == nil {
		t.Error("GetArgValue with 1-byte buffer should fail")
	}
}
