package lwm2m

import (
	"math"
	"testing"
	"time"
)

func TestCheckRange(t *testing.T) {
	gt := func(v float64) EffectiveAttributes { return EffectiveAttributes{HasGt: true, Gt: v} }
	lt := func(v float64) EffectiveAttributes { return EffectiveAttributes{HasLt: true, Lt: v} }
	band := func(l, g float64) EffectiveAttributes {
		return EffectiveAttributes{HasLt: true, Lt: l, HasGt: true, Gt: g}
	}

	cases := []struct {
		name  string
		attrs EffectiveAttributes
		v     float64
		want  bool
	}{
		{"no bounds", EffectiveAttributes{}, 5, true},
		{"gt crossed", gt(10), 11, true},
		{"gt not crossed", gt(10), 10, false},
		{"lt crossed", lt(10), 9, true},
		{"lt not crossed", lt(10), 10, false},
		{"disjoint inside band", band(0, 10), 5, false},
		{"disjoint below", band(0, 10), -1, true},
		{"disjoint above", band(0, 10), 11, true},
		{"overlap needs both", band(10, 0), 5, true},   // 5 < 10 && 5 > 0
		{"overlap fails one", band(10, 0), 11, false},  // not < 10
	}
	for _, tc := range cases {
		if got := checkRange(tc.attrs, tc.v); got != tc.want {
			t.Errorf("%s: checkRange = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestAttrsAllowNotify(t *testing.T) {
	plain := func(s string, n float64) Value {
		return Value{Format: FormatPlaintext, Bytes: []byte(s), Numeric: n}
	}
	nan := math.NaN()

	cases := []struct {
		name  string
		attrs EffectiveAttributes
		last  Value
		cur   Value
		want  bool
	}{
		{"identical payload suppressed", EffectiveAttributes{}, plain("514", 514), plain("514", 514), false},
		{"changed bytes no attrs", EffectiveAttributes{}, plain("514", 514), plain("515", 515), true},
		{"non-numeric always qualifies", EffectiveAttributes{HasGt: true, Gt: 1000}, plain("514", 514), plain("Hello", nan), true},
		{"outside band suppressed", EffectiveAttributes{HasGt: true, Gt: 1000}, plain("514", 514), plain("600", 600), false},
		{"inside qualifying range", EffectiveAttributes{HasGt: true, Gt: 100}, plain("50", 50), plain("600", 600), true},
		{"step too small", EffectiveAttributes{HasSt: true, St: 10}, plain("514", 514), plain("515", 515), false},
		{"step large enough", EffectiveAttributes{HasSt: true, St: 10}, plain("514", 514), plain("530", 530), true},
		{"step with nan previous", EffectiveAttributes{HasSt: true, St: 10}, plain("x", nan), plain("515", 515), true},
	}
	for _, tc := range cases {
		if got := attrsAllowNotify(tc.attrs, tc.last, tc.cur); got != tc.want {
			t.Errorf("%s: attrsAllowNotify = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestDecideNotifyPminHoldsBack(t *testing.T) {
	now := time.Unix(2000, 0)
	entry := &ObserveEntry{
		Key:        testKey(14, 42, 69, 4),
		Attrs:      EffectiveAttributes{Pmin: 10, HasPmax: true, Pmax: 60},
		LastValue:  EncodePlaintextInt(514),
		LastSentAt: now.Add(-3 * time.Second),
	}
	d := decideNotify(entry, EncodePlaintextInt(999), now)
	if d.Send {
		t.Fatal("change inside pmin should not send immediately")
	}
	if d.Wait != 7*time.Second {
		t.Errorf("wait = %v, want the 7s left of pmin", d.Wait)
	}

	d = decideNotify(entry, EncodePlaintextInt(999), now.Add(8*time.Second))
	if !d.Send {
		t.Error("once pmin has elapsed the qualifying change should send")
	}
}

func TestDecideNotifyPmaxForces(t *testing.T) {
	now := time.Unix(2000, 0)
	entry := &ObserveEntry{
		Key:        testKey(14, 42, 69, 4),
		Attrs:      EffectiveAttributes{Pmin: 1, HasPmax: true, Pmax: 10},
		LastValue:  EncodePlaintextInt(514),
		LastSentAt: now.Add(-11 * time.Second),
	}
	// Unchanged payload would normally be suppressed; an elapsed pmax
	// forces it through anyway.
	d := decideNotify(entry, EncodePlaintextInt(514), now)
	if !d.Send {
		t.Error("elapsed pmax should force a notify even without a qualifying change")
	}
}

func TestDecideNotifyNeverAttrs(t *testing.T) {
	entry := &ObserveEntry{
		Key:   testKey(14, 42, 69, 4),
		Attrs: EffectiveAttributes{Pmin: 1, HasPmax: true, Pmax: -1},
	}
	if d := decideNotify(entry, EncodePlaintextInt(1), time.Unix(2000, 0)); d.Send || d.Wait != 0 {
		t.Errorf("pmax=-1 (never) should suppress everything, got %+v", d)
	}
}

func TestNeedsConfirmableEscalation(t *testing.T) {
	start := time.Unix(3000, 0)
	entry := &ObserveEntry{LastConfirmableAt: start}
	if needsConfirmable(entry, start.Add(23*time.Hour)) {
		t.Error("23h without a confirmable exchange should not escalate yet")
	}
	if !needsConfirmable(entry, start.Add(24*time.Hour)) {
		t.Error("24h without a confirmable exchange must escalate to CON")
	}
	if needsConfirmable(&ObserveEntry{}, start) {
		t.Error("an entry that never exchanged confirmably does not escalate")
	}
}

func TestUriFromObserveKey(t *testing.T) {
	cases := []struct {
		key  ObserveKey
		want UriPath
	}{
		{ObserveKey{OID: 42, IID: 69, RID: 4}, ResourcePath(42, 69, 4)},
		{ObserveKey{OID: 42, IID: 69, RID: WildcardRID}, InstancePath(42, 69)},
		{ObserveKey{OID: 42, IID: WildcardIID, RID: WildcardRID}, ObjectPath(42)},
	}
	for _, tc := range cases {
		if got := uriFromObserveKey(tc.key); got != tc.want {
			t.Errorf("uriFromObserveKey(%+v) = %+v, want %+v", tc.key, got, tc.want)
		}
	}
}
