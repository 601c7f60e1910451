package lwm2m

import "sort"

// Enumeration results for ObjectHandlers.InstanceIt.
const (
	VisitContinue = 0
	VisitBreak    = 1
)

// InstanceVisitor is called once per present instance by ForeachInstance.
// A return of VisitContinue keeps iterating, VisitBreak stops it
// (ForeachInstance itself then returns 0), and any negative value aborts
// iteration and propagates as an error.
type InstanceVisitor func(iid uint16) int

// OpMask is the bitmask of operations permitted on a resource, mirroring the
// Access-Control ACL bit layout (Read=1, Write=2, Execute=4).
type OpMask uint8

const (
	OpRead    OpMask = 1 << 0
	OpWrite   OpMask = 1 << 1
	OpExecute OpMask = 1 << 2
)

// ObjectHandlers is the capability interface a collaborator (Security,
// Server, Access-Control, Firmware-Update, or any user object) implements.
// Every field is optional except the presence/read/write/execute core; an
// absent optional method degrades to the fixed behaviour documented on it.
type ObjectHandlers struct {
	InstanceIt               func(visit InstanceVisitor) int
	InstancePresent          func(iid uint16) int
	InstanceCreate           func(proposedIID uint16, hasProposed bool) (uint16, error)
	InstanceRemove           func(iid uint16) error
	InstanceReset            func(iid uint16) error
	InstanceReadDefaultAttrs func(iid uint16, ssid uint16) (RequestAttributes, error)
	InstanceWriteDefaultAttrs func(iid uint16, ssid uint16, attrs RequestAttributes) error
	ObjectReadDefaultAttrs   func(ssid uint16) (RequestAttributes, error)
	ObjectWriteDefaultAttrs  func(ssid uint16, attrs RequestAttributes) error

	// ResourcePresent is required. ResourceSupported is optional: when nil,
	// every RID in ObjectDef.SupportedRIDs is considered supported.
	ResourcePresent    func(iid, rid uint16) int
	ResourceSupported  func(rid uint16) bool
	// ResourceOperations is optional: when nil, all operations are permitted.
	ResourceOperations func(rid uint16) OpMask
	ResourceRead       func(iid, rid uint16) (Value, error)
	ResourceWrite      func(iid, rid uint16, v Value) error
	ResourceExecute    func(iid, rid uint16, args *ExecArgs) error
	// ResourceDim is optional; absent means "unknown", and Discover omits
	// the dim attribute for that resource.
	ResourceDim        func(iid, rid uint16) (int, bool)
	ResourceReadAttrs  func(iid, rid, ssid uint16) (RequestAttributes, error)
	ResourceWriteAttrs func(iid, rid, ssid uint16, attrs RequestAttributes) error
}

// ObjectDef is a registered object: its OID, the ascending-unique set of
// resource IDs it supports, and its handler vtable.
type ObjectDef struct {
	OID           uint16
	SupportedRIDs []uint16
	Handlers      ObjectHandlers
}

func ridsAscendingUnique(rids []uint16) bool {
	for i := 1; i < len(rids); i++ {
		if rids[i] <= rids[i-1] {
			return false
		}
	}
	return true
}

func (o *ObjectDef) supportsRID(rid uint16) bool {
	if o.Handlers.ResourceSupported != nil {
		return o.Handlers.ResourceSupported(rid)
	}
	i := sort.Search(len(o.SupportedRIDs), func(i int) bool { return o.SupportedRIDs[i] >= rid })
	return i < len(o.SupportedRIDs) && o.SupportedRIDs[i] == rid
}

func (o *ObjectDef) resourceOps(rid uint16) OpMask {
	if o.Handlers.ResourceOperations == nil {
		return OpRead | OpWrite | OpExecute
	}
	return o.Handlers.ResourceOperations(rid)
}

// Registry is the Data-Model Facade: a thin, ordered indirection
// over registered objects.
type Registry struct {
	objects []*ObjectDef
}

// NewRegistry makes an empty object registry.
func NewRegistry() *Registry { return &Registry{} }

// Register inserts obj into the sorted-by-OID registry. Duplicate OIDs and
// malformed objects (no handlers, non-ascending/null RID set) are rejected.
func (r *Registry) Register(obj *ObjectDef) error {
	if obj == nil || obj.Handlers.ResourcePresent == nil || obj.Handlers.InstanceIt == nil || obj.Handlers.InstancePresent == nil {
		return errBadRequest("register_object: BadObject - missing required handlers")
	}
	if len(obj.SupportedRIDs) > 0 && !ridsAscendingUnique(obj.SupportedRIDs) {
		return errBadRequest("register_object: BadObject - supported_rids not ascending/unique")
	}
	i := sort.Search(len(r.objects), func(i int) bool { return r.objects[i].OID >= obj.OID })
	if i < len(r.objects) && r.objects[i].OID == obj.OID {
		return errBadRequest("register_object: AlreadyRegistered")
	}
	r.objects = append(r.objects, nil)
	copy(r.objects[i+1:], r.objects[i:])
	r.objects[i] = obj
	return nil
}

// Unregister removes obj (matched by pointer identity) from the registry.
func (r *Registry) Unregister(obj *ObjectDef) bool {
	for i, o := range r.objects {
		if o == obj {
			r.objects = append(r.objects[:i], r.objects[i+1:]...)
			return true
		}
	}
	return false
}

// Find looks up a registered object by OID, or nil.
func (r *Registry) Find(oid uint16) *ObjectDef {
	i := sort.Search(len(r.objects), func(i int) bool { return r.objects[i].OID >= oid })
	if i < len(r.objects) && r.objects[i].OID == oid {
		return r.objects[i]
	}
	return nil
}

// All returns the registry in OID order; callers must not mutate the slice.
func (r *Registry) All() []*ObjectDef { return r.objects }

// ForeachInstance drives obj.Handlers.InstanceIt, normalising its
// CONTINUE/BREAK/error contract.
func (r *Registry) ForeachInstance(obj *ObjectDef, visit InstanceVisitor) int {
	return obj.Handlers.InstanceIt(visit)
}

// PresenceResult is the tri-state result of a presence probe.
type PresenceResult int

const (
	PresenceMissing PresenceResult = iota
	PresencePresent
	PresenceError
)

func mapPresentResult(raw int) (PresenceResult, error) {
	switch {
	case raw == 0:
		return PresenceMissing, nil
	case raw > 0:
		return PresencePresent, nil
	default:
		return PresenceError, errInternal("presence probe returned negative result")
	}
}

// InstancePresent probes instance presence via the object's handler.
func (r *Registry) InstancePresent(obj *ObjectDef, iid uint16) (PresenceResult, error) {
	return mapPresentResult(obj.Handlers.InstancePresent(iid))
}

// ResourcePresent probes resource presence via the object's handler.
func (r *Registry) ResourcePresent(obj *ObjectDef, iid, rid uint16) (PresenceResult, error) {
	return mapPresentResult(obj.Handlers.ResourcePresent(iid, rid))
}

// ensureInstancePresent returns errNotFound unless the instance is present.
func ensureInstancePresent(obj *ObjectDef, iid uint16) error {
	pr, err := mapPresentResult(obj.Handlers.InstancePresent(iid))
	if err != nil {
		return err
	}
	if pr != PresencePresent {
		return errNotFound("instance not present")
	}
	return nil
}

// ensureSupportedAndPresent is the Read contract's precondition:
// the RID must both be declared supported on the object and be currently
// present on the instance.
func ensureSupportedAndPresent(obj *ObjectDef, iid, rid uint16) error {
	if !obj.supportsRID(rid) {
		return errNotFound("resource not supported")
	}
	pr, err := mapPresentResult(obj.Handlers.ResourcePresent(iid, rid))
	if err != nil {
		return err
	}
	if pr != PresencePresent {
		return errNotFound("resource not present")
	}
	return nil
}
