package lwm2m

import (
	"testing"
)

func TestCombineFirstSetWins(t *testing.T) {
	a := RequestAttributes{HasPmin: true, Pmin: 5}
	b := RequestAttributes{HasPmin: true, Pmin: 99, HasPmax: true, Pmax: 60}

	got := combine(a, b)
	if got.Pmin != 5 {
		t.Errorf("pmin = %d, want the more specific 5", got.Pmin)
	}
	if !got.HasPmax || got.Pmax != 60 {
		t.Errorf("pmax = (%v, %d), want filled from the less specific level", got.HasPmax, got.Pmax)
	}
}

// Combining A then B must equal combining the union with first-set-wins,
// i.e. combine is monotonic under composition.
func TestCombineMonotonic(t *testing.T) {
	a := RequestAttributes{HasGt: true, Gt: 10}
	b := RequestAttributes{HasGt: true, Gt: 20, HasLt: true, Lt: 1}
	c := RequestAttributes{HasLt: true, Lt: 2, HasSt: true, St: 3}

	step := combine(combine(a, b), c)
	union := combine(a, combine(b, c))
	if step != union {
		t.Errorf("combine not associative: %+v vs %+v", step, union)
	}
	if step.Gt != 10 || step.Lt != 1 || step.St != 3 {
		t.Errorf("combined = %+v, want gt=10 lt=1 st=3", step)
	}
}

func TestToEffectivePminDefaults(t *testing.T) {
	e := toEffective(RequestAttributes{})
	if e.Pmin != 1 {
		t.Errorf("pmin = %d, want default 1", e.Pmin)
	}
	e = toEffective(RequestAttributes{HasPmin: true, Pmin: 30})
	if e.Pmin != 30 {
		t.Errorf("pmin = %d, want 30", e.Pmin)
	}
	if !toEffective(RequestAttributes{HasPmax: true, Pmax: -1}).Never() {
		t.Error("pmax=-1 should report Never")
	}
}

// testObject builds an ObjectDef whose attribute handlers return fixed
// records per level, for exercising the inheritance chain.
func attrTestObject(resource, instance, object RequestAttributes) *ObjectDef {
	return &ObjectDef{
		OID:           42,
		SupportedRIDs: []uint16{4},
		Handlers: ObjectHandlers{
			InstanceIt:      func(visit InstanceVisitor) int { return visit(69) },
			InstancePresent: func(iid uint16) int { return 1 },
			ResourcePresent: func(iid, rid uint16) int { return 1 },
			ResourceReadAttrs: func(iid, rid, ssid uint16) (RequestAttributes, error) {
				return resource, nil
			},
			InstanceReadDefaultAttrs: func(iid, ssid uint16) (RequestAttributes, error) {
				return instance, nil
			},
			ObjectReadDefaultAttrs: func(ssid uint16) (RequestAttributes, error) {
				return object, nil
			},
		},
	}
}

func TestResolveAttrsInheritanceChain(t *testing.T) {
	reg := NewRegistry()
	obj := attrTestObject(
		RequestAttributes{HasGt: true, Gt: 100},
		RequestAttributes{HasPmax: true, Pmax: 60},
		RequestAttributes{HasPmin: true, Pmin: 5, HasPmax: true, Pmax: 999},
	)
	if err := reg.Register(obj); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, err := ResolveAttrs(reg, AttrQuery{Obj: obj, IID: 69, HasIID: true, RID: 4, HasRID: true, SSID: 14})
	if err != nil {
		t.Fatalf("ResolveAttrs: %v", err)
	}
	if !got.HasGt || got.Gt != 100 {
		t.Errorf("gt = (%v, %v), want resource-level 100", got.HasGt, got.Gt)
	}
	if got.Pmax != 60 {
		t.Errorf("pmax = %d, want instance-level 60 shadowing object-level 999", got.Pmax)
	}
	if got.Pmin != 5 {
		t.Errorf("pmin = %d, want object-level 5", got.Pmin)
	}
}

func TestResolveAttrsServerDefaults(t *testing.T) {
	reg := NewRegistry()
	obj := attrTestObject(RequestAttributes{}, RequestAttributes{}, RequestAttributes{})
	if err := reg.Register(obj); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(serverObjectWithDefaults(14, 7, 120)); err != nil {
		t.Fatalf("Register server object: %v", err)
	}

	got, err := ResolveAttrs(reg, AttrQuery{Obj: obj, IID: 69, HasIID: true, RID: 4, HasRID: true, SSID: 14, IncludeServerDefaults: true})
	if err != nil {
		t.Fatalf("ResolveAttrs: %v", err)
	}
	if got.Pmin != 7 || got.Pmax != 120 {
		t.Errorf("got pmin=%d pmax=%d, want server defaults 7/120", got.Pmin, got.Pmax)
	}

	// A different SSID finds no matching Server instance and gets the
	// pmin=1 fallback.
	got, err = ResolveAttrs(reg, AttrQuery{Obj: obj, IID: 69, HasIID: true, RID: 4, HasRID: true, SSID: 15, IncludeServerDefaults: true})
	if err != nil {
		t.Fatalf("ResolveAttrs: %v", err)
	}
	if got.Pmin != 1 || got.HasPmax {
		t.Errorf("got pmin=%d hasPmax=%v, want 1/false for unknown ssid", got.Pmin, got.HasPmax)
	}
}

// serverObjectWithDefaults backs a Server Object (OID 1) instance exposing
// ShortID plus DefaultPmin/DefaultPmax.
func serverObjectWithDefaults(ssid uint16, pmin, pmax int64) *ObjectDef {
	return &ObjectDef{
		OID:           OIDServer,
		SupportedRIDs: []uint16{RIDServerShortID, RIDDefaultPmin, RIDDefaultPmax},
		Handlers: ObjectHandlers{
			InstanceIt:      func(visit InstanceVisitor) int { return visit(0) },
			InstancePresent: func(iid uint16) int { return boolPresent(iid == 0) },
			ResourcePresent: func(iid, rid uint16) int { return boolPresent(iid == 0) },
			ResourceRead: func(iid, rid uint16) (Value, error) {
				switch rid {
				case RIDServerShortID:
					return EncodePlaintextInt(int64(ssid)), nil
				case RIDDefaultPmin:
					return EncodePlaintextInt(pmin), nil
				case RIDDefaultPmax:
					return EncodePlaintextInt(pmax), nil
				}
				return Value{}, errNotFound("no such resource")
			},
		},
	}
}

func boolPresent(b bool) int {
	if b {
		return 1
	}
	return 0
}

func TestResourceAttrsValid(t *testing.T) {
	cases := []struct {
		name string
		a    RequestAttributes
		want bool
	}{
		{"empty", RequestAttributes{}, true},
		{"negative step", RequestAttributes{HasSt: true, St: -1}, false},
		{"band ok", RequestAttributes{HasLt: true, Lt: 0, HasGt: true, Gt: 10, HasSt: true, St: 2}, true},
		{"band violated", RequestAttributes{HasLt: true, Lt: 0, HasGt: true, Gt: 10, HasSt: true, St: 5}, false},
		{"bounds without step", RequestAttributes{HasLt: true, Lt: 5, HasGt: true, Gt: 1}, true},
	}
	for _, tc := range cases {
		if got := resourceAttrsValid(tc.a); got != tc.want {
			t.Errorf("%s: resourceAttrsValid = %v, want %v", tc.name, got, tc.want)
		}
	}
}
