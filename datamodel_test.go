package lwm2m

import "testing"

func minimalObject(oid uint16, rids ...uint16) *ObjectDef {
	return &ObjectDef{
		OID:           oid,
		SupportedRIDs: rids,
		Handlers: ObjectHandlers{
			InstanceIt:      func(visit InstanceVisitor) int { return 0 },
			InstancePresent: func(iid uint16) int { return 0 },
			ResourcePresent: func(iid, rid uint16) int { return 0 },
		},
	}
}

func TestRegistryRegisterRules(t *testing.T) {
	reg := NewRegistry()

	if err := reg.Register(minimalObject(3)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(minimalObject(3)); err == nil {
		t.Error("duplicate OID should fail")
	}
	if err := reg.Register(&ObjectDef{OID: 4}); err == nil {
		t.Error("object without required handlers should fail")
	}
	if err := reg.Register(minimalObject(5, 3, 2, 1)); err == nil {
		t.Error("non-ascending supported_rids should fail")
	}
	if err := reg.Register(minimalObject(6, 1, 1)); err == nil {
		t.Error("duplicate supported_rids should fail")
	}
}

func TestRegistrySortedByOID(t *testing.T) {
	reg := NewRegistry()
	for _, oid := range []uint16{42, 3, 7} {
		if err := reg.Register(minimalObject(oid)); err != nil {
			t.Fatalf("Register(%d): %v", oid, err)
		}
	}
	all := reg.All()
	for i := 1; i < len(all); i++ {
		if all[i-1].OID >= all[i].OID {
			t.Fatalf("registry not sorted: %d before %d", all[i-1].OID, all[i].OID)
		}
	}
	if reg.Find(7) == nil || reg.Find(8) != nil {
		t.Error("Find should locate registered OIDs and only those")
	}
}

func TestRegistryUnregisterByIdentity(t *testing.T) {
	reg := NewRegistry()
	a := minimalObject(3)
	b := minimalObject(3) // same OID, different pointer
	if err := reg.Register(a); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if reg.Unregister(b) {
		t.Error("unregister must match by pointer identity, not OID")
	}
	if !reg.Unregister(a) {
		t.Error("unregister of the registered pointer should succeed")
	}
	if reg.Find(3) != nil {
		t.Error("object should be gone")
	}
}

func TestForeachInstanceContract(t *testing.T) {
	f := newFakeObject(42, 4)
	f.set(1, 4, EncodePlaintextInt(1))
	f.set(2, 4, EncodePlaintextInt(2))
	f.set(3, 4, EncodePlaintextInt(3))
	reg := NewRegistry()

	var seen []uint16
	rc := reg.ForeachInstance(f.def, func(iid uint16) int {
		seen = append(seen, iid)
		if iid == 2 {
			return VisitBreak
		}
		return VisitContinue
	})
	if rc != 0 {
		t.Errorf("ForeachInstance = %d, want 0 after a break", rc)
	}
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Errorf("visited %v, want iteration stopped at the break", seen)
	}

	rc = reg.ForeachInstance(f.def, func(iid uint16) int { return -5 })
	if rc != -5 {
		t.Errorf("ForeachInstance = %d, want the visitor's error propagated", rc)
	}
}

func TestPresenceMapping(t *testing.T) {
	if pr, err := mapPresentResult(0); pr != PresenceMissing || err != nil {
		t.Errorf("mapPresentResult(0) = (%v, %v)", pr, err)
	}
	if pr, err := mapPresentResult(1); pr != PresencePresent || err != nil {
		t.Errorf("mapPresentResult(1) = (%v, %v)", pr, err)
	}
	if pr, err := mapPresentResult(-2); pr != PresenceError || err == nil {
		t.Errorf("mapPresentResult(-2) = (%v, %v), want an error", pr, err)
	}
}
