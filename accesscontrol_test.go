package lwm2m

import "testing"

// aclInstance is the test double for one Access-Control Object instance.
type aclInstance struct {
	targetOID uint16
	targetIID uint16
	owner     uint16
	acl       map[uint16]uint16 // ssid -> mask; key 0 is the default entry
}

func aclObject(instances ...aclInstance) *ObjectDef {
	encodeACL := func(m map[uint16]uint16) []byte {
		var out []byte
		for ssid, mask := range m {
			out = append(out, encodeTLVRecord(tlvResourceInst, ssid, []byte{byte(mask >> 8), byte(mask)})...)
		}
		return out
	}
	return &ObjectDef{
		OID:           OIDAccessControl,
		SupportedRIDs: []uint16{RIDACLObjectID, RIDACLObjectInstanceID, RIDACLACL, RIDACLOwner},
		Handlers: ObjectHandlers{
			InstanceIt: func(visit InstanceVisitor) int {
				for i := range instances {
					if rc := visit(uint16(i)); rc != VisitContinue {
						if rc == VisitBreak {
							return 0
						}
						return rc
					}
				}
				return 0
			},
			InstancePresent: func(iid uint16) int { return boolPresent(int(iid) < len(instances)) },
			ResourcePresent: func(iid, rid uint16) int {
				if int(iid) >= len(instances) {
					return 0
				}
				if rid == RIDACLACL {
					return boolPresent(len(instances[iid].acl) > 0)
				}
				return 1
			},
			ResourceRead: func(iid, rid uint16) (Value, error) {
				inst := instances[iid]
				switch rid {
				case RIDACLObjectID:
					return EncodePlaintextInt(int64(inst.targetOID)), nil
				case RIDACLObjectInstanceID:
					return EncodePlaintextInt(int64(inst.targetIID)), nil
				case RIDACLOwner:
					return EncodePlaintextInt(int64(inst.owner)), nil
				case RIDACLACL:
					return EncodeOpaque(encodeACL(inst.acl)), nil
				}
				return Value{}, errNotFound("no such resource")
			},
		},
	}
}

func TestActionAllowedSecurityObjectAlwaysDenied(t *testing.T) {
	reg := NewRegistry()
	if ActionAllowed(reg, 2, 14, OIDSecurity, 0, true, ActionRead) {
		t.Error("Security Object access must always be denied")
	}
}

func TestActionAllowedSingleServerBypass(t *testing.T) {
	reg := NewRegistry()
	// No AC object registered: allow.
	if !ActionAllowed(reg, 2, 14, 42, 0, true, ActionWrite) {
		t.Error("without an Access-Control Object every action is allowed")
	}
	// AC object present but only one server: allow.
	if err := reg.Register(aclObject()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !ActionAllowed(reg, 1, 14, 42, 0, true, ActionWrite) {
		t.Error("with <=1 non-bootstrap server every action is allowed")
	}
}

func TestActionAllowedACLMask(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(aclObject(aclInstance{
		targetOID: 42, targetIID: 0, owner: 99,
		acl: map[uint16]uint16{14: ACLRead | ACLWrite, 0: ACLRead},
	})); err != nil {
		t.Fatalf("Register: %v", err)
	}

	cases := []struct {
		name   string
		ssid   uint16
		action Action
		want   bool
	}{
		{"listed ssid read", 14, ActionRead, true},
		{"listed ssid write", 14, ActionWrite, true},
		{"listed ssid execute denied", 14, ActionExecute, false},
		{"unlisted ssid falls back to default read", 15, ActionRead, true},
		{"unlisted ssid default denies write", 15, ActionWrite, false},
		{"write-attributes always allowed", 15, ActionWriteAttributes, true},
	}
	for _, tc := range cases {
		if got := ActionAllowed(reg, 2, tc.ssid, 42, 0, true, tc.action); got != tc.want {
			t.Errorf("%s: ActionAllowed = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestActionAllowedOwnerFallback(t *testing.T) {
	reg := NewRegistry()
	// No ACL resource at all: the owner gets everything except Create.
	if err := reg.Register(aclObject(aclInstance{targetOID: 42, targetIID: 0, owner: 14})); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !ActionAllowed(reg, 2, 14, 42, 0, true, ActionDelete) {
		t.Error("owner should be granted delete")
	}
	if ActionAllowed(reg, 2, 15, 42, 0, true, ActionRead) {
		t.Error("non-owner with no matching ACL entry is denied")
	}
}

func TestActionAllowedNoMatchingInstance(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(aclObject(aclInstance{targetOID: 7, targetIID: 0, owner: 99})); err != nil {
		t.Fatalf("Register: %v", err)
	}
	// No AC instance covers /42/0: allow.
	if !ActionAllowed(reg, 2, 14, 42, 0, true, ActionWrite) {
		t.Error("a target with no Access-Control instance is unrestricted")
	}
}

func TestActionAllowedCreateWithoutInstance(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(aclObject(
		aclInstance{targetOID: 42, targetIID: 3, owner: 99, acl: map[uint16]uint16{14: ACLCreate}},
	)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !ActionAllowed(reg, 2, 14, 42, 0, false, ActionCreate) {
		t.Error("ssid with a Create bit on any instance of the object may create")
	}
	if ActionAllowed(reg, 2, 15, 42, 0, false, ActionCreate) {
		t.Error("ssid without a Create bit may not create")
	}
}

func TestActionAllowedOnAccessControlObject(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(aclObject(aclInstance{targetOID: 42, targetIID: 0, owner: 14})); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if !ActionAllowed(reg, 2, 15, OIDAccessControl, 0, true, ActionRead) {
		t.Error("reading the Access-Control Object is always allowed")
	}
	if ActionAllowed(reg, 2, 15, OIDAccessControl, 0, false, ActionCreate) {
		t.Error("creating Access-Control instances is denied")
	}
	if ActionAllowed(reg, 2, 15, OIDAccessControl, 0, true, ActionDelete) {
		t.Error("deleting Access-Control instances is denied")
	}
	if !ActionAllowed(reg, 2, 14, OIDAccessControl, 0, true, ActionWrite) {
		t.Error("the owner may write its Access-Control instance")
	}
	if ActionAllowed(reg, 2, 15, OIDAccessControl, 0, true, ActionWrite) {
		t.Error("a non-owner may not write the Access-Control instance")
	}
}
