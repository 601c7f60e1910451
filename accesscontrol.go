package lwm2m

// ACL bit layout.
const (
	ACLRead   uint16 = 1
	ACLWrite  uint16 = 2
	ACLExec   uint16 = 4
	ACLDelete uint16 = 8
	ACLCreate uint16 = 16
	ACLFull   uint16 = ACLRead | ACLWrite | ACLExec | ACLDelete | ACLCreate
)

// Action identifies the operation being access-checked and,
// elsewhere, the dispatcher's resolved DM action.
type Action int

const (
	ActionRead Action = iota
	ActionWrite
	ActionWriteUpdate
	ActionExecute
	ActionCreate
	ActionDelete
	ActionDiscover
	ActionWriteAttributes
	ActionCancelObserve
	ActionBootstrapFinish
)

func (a Action) aclBit() (uint16, bool) {
	switch a {
	case ActionRead, ActionDiscover:
		return ACLRead, true
	case ActionWrite, ActionWriteUpdate:
		return ACLWrite, true
	case ActionExecute:
		return ACLExec, true
	case ActionDelete:
		return ACLDelete, true
	case ActionCreate:
		return ACLCreate, true
	default:
		// Write-Attributes and Cancel-Observe are always allowed.
		return 0, false
	}
}

// aclEntry is one decoded Access-Control Object instance.
type aclEntry struct {
	iid        uint16
	targetOID  uint16
	targetIID  uint16
	owner      uint16
	perServer  map[uint16]uint16 // ssid -> mask; key 0 is the default entry
}

func readACLEntry(obj *ObjectDef, iid uint16) (aclEntry, error) {
	e := aclEntry{iid: iid, perServer: map[uint16]uint16{}}
	v, err := obj.Handlers.ResourceRead(iid, RIDACLObjectID)
	if err != nil {
		return e, err
	}
	e.targetOID = uint16(v.Numeric)
	v, err = obj.Handlers.ResourceRead(iid, RIDACLObjectInstanceID)
	if err != nil {
		return e, err
	}
	e.targetIID = uint16(v.Numeric)
	v, err = obj.Handlers.ResourceRead(iid, RIDACLOwner)
	if err != nil {
		return e, err
	}
	e.owner = uint16(v.Numeric)
	if pr, _ := mapPresentResult(obj.Handlers.ResourcePresent(iid, RIDACLACL)); pr == PresencePresent {
		if v, err := obj.Handlers.ResourceRead(iid, RIDACLACL); err == nil {
			e.perServer = decodeACLMap(v.Bytes)
		}
	}
	return e, nil
}

// ActionAllowed implements the Access-Control Evaluator's action_allowed
// rule. reg is the Data-Model Facade; it is consulted for the count of
// non-bootstrap servers and for the Access-Control Object's instances.
func ActionAllowed(reg *Registry, activeNonBootstrapServers int, ssid uint16, oid, iid uint16, hasIID bool, action Action) bool {
	if oid == OIDSecurity {
		return false
	}
	acObj := reg.Find(OIDAccessControl)
	if acObj == nil || activeNonBootstrapServers <= 1 {
		return true
	}
	if oid == OIDAccessControl {
		switch action {
		case ActionRead:
			return true
		case ActionCreate, ActionDelete:
			return false
		case ActionWrite, ActionWriteUpdate, ActionExecute:
			if !hasIID {
				return false
			}
			e, err := readACLEntry(acObj, iid)
			if err != nil {
				return false
			}
			return e.owner == ssid
		default:
			return true
		}
	}

	bit, checked := action.aclBit()
	if !checked {
		return true
	}

	if action == ActionCreate && !hasIID {
		return isBootstrapAllowed(acObj, ssid, oid)
	}

	entry, found := findACLEntry(acObj, oid, iid)
	if !found {
		return true
	}
	if mask, ok := entry.perServer[ssid]; ok {
		return mask&bit != 0
	}
	if mask, ok := entry.perServer[0]; ok {
		return mask&bit != 0
	}
	if entry.owner == ssid {
		return (ACLFull &^ ACLCreate) & bit != 0
	}
	return false
}

// findACLEntry enumerates Access-Control instances looking for one whose
// (ObjectId, ObjectInstanceId) matches the target; ties are broken by data
// model iteration order.
func findACLEntry(acObj *ObjectDef, oid, iid uint16) (aclEntry, bool) {
	var found aclEntry
	ok := false
	acObj.Handlers.InstanceIt(func(acIID uint16) int {
		e, err := readACLEntry(acObj, acIID)
		if err != nil {
			return VisitContinue
		}
		if e.targetOID == oid && e.targetIID == iid {
			found = e
			ok = true
			return VisitBreak
		}
		return VisitContinue
	})
	return found, ok
}

// isBootstrapAllowed implements the Create-without-instance special case:
// allow iff any Access-Control instance for this object grants the
// caller's SSID the Create bit.
func isBootstrapAllowed(acObj *ObjectDef, ssid uint16, oid uint16) bool {
	allowed := false
	acObj.Handlers.InstanceIt(func(acIID uint16) int {
		e, err := readACLEntry(acObj, acIID)
		if err != nil || e.targetOID != oid {
			return VisitContinue
		}
		if mask, ok := e.perServer[ssid]; ok && mask&ACLCreate != 0 {
			allowed = true
			return VisitBreak
		}
		return VisitContinue
	})
	return allowed
}

// decodeACLMap decodes the TLV-encoded multiple-resource ACL value into
// ssid -> mask. The wire format owned by the codec module is out of scope;
// this decodes the minimal Resource-Instance TLV shape Access-Control
// instances actually use (one 16-bit mask per server-id resource instance).
func decodeACLMap(b []byte) map[uint16]uint16 {
	out := map[uint16]uint16{}
	recs, err := decodeTLVRecords(b)
	if err != nil {
		return out
	}
	for _, r := range recs {
		if len(r.Value) < 2 {
			continue
		}
		out[r.ResourceInstanceID] = uint16(r.Value[0])<<8 | uint16(r.Value[1])
	}
	return out
}
