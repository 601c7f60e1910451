package lwm2m

import "math"

// RequestAttributes is the attribute set as it appears on the wire (via
// Write-Attributes Uri-Query options) or as stored per level: each field is
// a present/value pair, with NaN/negative sentinels meaning "unset".
type RequestAttributes struct {
	HasPmin bool
	Pmin    int32
	HasPmax bool
	Pmax    int32 // -1 means "never" once resolved
	HasGt   bool
	Gt      float64
	HasLt   bool
	Lt      float64
	HasSt   bool
	St      float64
}

// Valid checks the cross-field invariant:
// isnan(lt) || isnan(gt) || isnan(st) || lt + 2*st < gt
func (a RequestAttributes) Valid() bool {
	if !a.HasLt || !a.HasGt || !a.HasSt {
		return true
	}
	if math.IsNaN(a.Lt) || math.IsNaN(a.Gt) || math.IsNaN(a.St) {
		return true
	}
	if a.St < 0 {
		return false
	}
	return a.Lt+2*a.St < a.Gt
}

// combine fills any unset field of dst from src, leaving already-set fields
// of dst untouched ("combine unset fields").
func combine(dst, src RequestAttributes) RequestAttributes {
	out := dst
	if !out.HasPmin && src.HasPmin {
		out.HasPmin, out.Pmin = true, src.Pmin
	}
	if !out.HasPmax && src.HasPmax {
		out.HasPmax, out.Pmax = true, src.Pmax
	}
	if !out.HasGt && src.HasGt {
		out.HasGt, out.Gt = true, src.Gt
	}
	if !out.HasLt && src.HasLt {
		out.HasLt, out.Lt = true, src.Lt
	}
	if !out.HasSt && src.HasSt {
		out.HasSt, out.St = true, src.St
	}
	return out
}

// EffectiveAttributes is the result of resolving the Resource -> Instance ->
// Object -> Server inheritance chain. Unlike RequestAttributes, Pmin
// always ends up set (defaulting to 1).
type EffectiveAttributes struct {
	Pmin   int32
	HasPmax bool
	Pmax   int32
	HasGt  bool
	Gt     float64
	HasLt  bool
	Lt     float64
	HasSt  bool
	St     float64
}

func toEffective(a RequestAttributes) EffectiveAttributes {
	e := EffectiveAttributes{
		HasPmax: a.HasPmax, Pmax: a.Pmax,
		HasGt: a.HasGt, Gt: a.Gt,
		HasLt: a.HasLt, Lt: a.Lt,
		HasSt: a.HasSt, St: a.St,
	}
	if a.HasPmin {
		e.Pmin = a.Pmin
	} else {
		e.Pmin = 1
	}
	return e
}

// Never reports whether pmax is "-1" (never periodic).
func (e EffectiveAttributes) Never() bool {
	return e.HasPmax && e.Pmax < 0
}

// AttrQuery describes a target for effective-attribute resolution.
type AttrQuery struct {
	Obj                   *ObjectDef
	IID                   uint16
	HasIID                bool
	RID                   uint16
	HasRID                bool
	SSID                  uint16
	IncludeServerDefaults bool
}

// ResolveAttrs implements the effective_attrs algorithm: Resource,
// Instance, Object and (optionally) Server-default attributes are combined
// first-set-wins, narrowest scope first, and pmin defaults to 1 if it is
// still unset at the end.
func ResolveAttrs(reg *Registry, q AttrQuery) (EffectiveAttributes, error) {
	var acc RequestAttributes

	if q.HasRID {
		if q.Obj.Handlers.ResourceReadAttrs != nil {
			a, err := q.Obj.Handlers.ResourceReadAttrs(q.IID, q.RID, q.SSID)
			if err != nil {
				return EffectiveAttributes{}, err
			}
			acc = combine(acc, a)
		}
	}
	if q.HasIID && q.IID != InvalidIID {
		if q.Obj.Handlers.InstanceReadDefaultAttrs != nil {
			a, err := q.Obj.Handlers.InstanceReadDefaultAttrs(q.IID, q.SSID)
			if err != nil {
				return EffectiveAttributes{}, err
			}
			acc = combine(acc, a)
		}
	}
	if q.Obj.Handlers.ObjectReadDefaultAttrs != nil {
		a, err := q.Obj.Handlers.ObjectReadDefaultAttrs(q.SSID)
		if err != nil {
			return EffectiveAttributes{}, err
		}
		acc = combine(acc, a)
	}
	if q.IncludeServerDefaults {
		a, err := serverDefaultAttrs(reg, q.SSID)
		if err != nil {
			return EffectiveAttributes{}, err
		}
		acc = combine(acc, a)
	}
	return toEffective(acc), nil
}

// serverDefaultAttrs locates the Server Object (OID 1) instance matching
// ssid and reads its DefaultPmin (resource 2) / DefaultPmax (resource 3).
func serverDefaultAttrs(reg *Registry, ssid uint16) (RequestAttributes, error) {
	var out RequestAttributes
	obj := reg.Find(OIDServer)
	if obj == nil {
		return out, nil
	}
	var foundIID uint16
	found := false
	rc := obj.Handlers.InstanceIt(func(iid uint16) int {
		v, err := obj.Handlers.ResourceRead(iid, RIDServerShortID)
		if err != nil {
			return VisitContinue
		}
		if int64(v.Numeric) == int64(ssid) {
			foundIID = iid
			found = true
			return VisitBreak
		}
		return VisitContinue
	})
	if rc < 0 {
		return out, errInternal("server default attrs: instance iteration failed")
	}
	if !found {
		return out, nil
	}
	if pr, _ := mapPresentResult(obj.Handlers.ResourcePresent(foundIID, RIDDefaultPmin)); pr == PresencePresent {
		v, err := obj.Handlers.ResourceRead(foundIID, RIDDefaultPmin)
		if err == nil {
			out.HasPmin, out.Pmin = true, int32(v.Numeric)
		}
	}
	if pr, _ := mapPresentResult(obj.Handlers.ResourcePresent(foundIID, RIDDefaultPmax)); pr == PresencePresent {
		v, err := obj.Handlers.ResourceRead(foundIID, RIDDefaultPmax)
		if err == nil {
			out.HasPmax, out.Pmax = true, int32(v.Numeric)
		}
	}
	return out, nil
}

// Well-known OIDs/RIDs referenced by the core itself.
const (
	OIDSecurity      uint16 = 0
	OIDServer        uint16 = 1
	OIDAccessControl uint16 = 2

	RIDServerShortID uint16 = 0
	RIDDefaultPmin   uint16 = 2
	RIDDefaultPmax   uint16 = 3

	RIDACLObjectID         uint16 = 0
	RIDACLObjectInstanceID uint16 = 1
	RIDACLACL              uint16 = 2
	RIDACLOwner            uint16 = 3
)

// resourceAttrsValid implements the WriteAttributes validation step: the
// step attribute must be non-negative and, when both bounds are set,
// lt + 2*step < gt.
func resourceAttrsValid(a RequestAttributes) bool {
	if a.HasSt && a.St < 0 {
		return false
	}
	return a.Valid()
}
