package lwm2m

import (
	"fmt"
	"strconv"
)

// ObserveDirective is the side effect a request's Observe option asks for,
// independent of the resolved Action: a GET that happens to carry
// Observe:0 is still a Read whose successful response also registers an
// observation.
type ObserveDirective int

const (
	ObserveNone ObserveDirective = iota
	ObserveRegister
	ObserveDeregister
)

// AttrFieldUpdate is one Write-Attributes query parameter: either absent
// (leave the stored attribute alone), present with a value, or present with
// the literal "null" value, which explicitly clears the attribute.
type AttrFieldUpdate struct {
	Mentioned bool
	Clear     bool
	Value     float64
}

// AttrUpdate is the parsed Uri-Query set for a Write-Attributes request.
type AttrUpdate struct {
	Pmin AttrFieldUpdate
	Pmax AttrFieldUpdate
	Gt   AttrFieldUpdate
	Lt   AttrFieldUpdate
	St   AttrFieldUpdate
}

// empty reports whether the update mentions no attribute at all; such a
// Write-Attributes request is a success no-op.
func (u AttrUpdate) empty() bool {
	return !u.Pmin.Mentioned && !u.Pmax.Mentioned && !u.Gt.Mentioned && !u.Lt.Mentioned && !u.St.Mentioned
}

// hasResourceSpecific reports whether any of the resource-only attributes
// (gt, lt, st) is mentioned; those are rejected on instance and object
// paths.
func (u AttrUpdate) hasResourceSpecific() bool {
	return u.Gt.Mentioned || u.Lt.Mentioned || u.St.Mentioned
}

// validatePeriods rejects negative pmin/pmax values with BadOption.
func (u AttrUpdate) validatePeriods() error {
	if u.Pmin.Mentioned && !u.Pmin.Clear && u.Pmin.Value < 0 {
		return errBadOption("pmin must not be negative")
	}
	if u.Pmax.Mentioned && !u.Pmax.Clear && u.Pmax.Value < 0 {
		return errBadOption("pmax must not be negative")
	}
	return nil
}

// RequestIdentity carries the fields needed to match a later RST/ACK back
// to the message that produced an observation.
type RequestIdentity struct {
	MsgID uint16
	Token []byte
}

// Request is the dispatcher's parsed view of one incoming CoAP message:
// a UriPath, a resolved Action, and whatever side information that
// action's handler needs.
type Request struct {
	SSID            uint16
	ConnType        ConnType
	MsgType         MsgType
	Method          Method
	Identity        RequestIdentity
	URI             UriPath
	BootstrapURI    bool
	Action          Action
	ContentFormat   ContentFormat
	RequestedFormat ContentFormat
	Observe         ObserveDirective
	Attrs           AttrUpdate
	Body            []byte
}

// allowedCriticalOptions lists, per method, the critical options the
// dispatcher accepts; any other critical option fails the request
// with 4.02 Bad Option before it ever reaches an action handler.
func allowedCriticalOptions(m Method) map[uint16]bool {
	switch m {
	case MethodGET:
		return map[uint16]bool{OptURIPath: true, OptAccept: true, OptObserve: true}
	case MethodPUT, MethodPOST:
		return map[uint16]bool{OptURIPath: true, OptURIQuery: true}
	case MethodDELETE:
		return map[uint16]bool{OptURIPath: true}
	default:
		return nil
	}
}

// ParseRequest derives a Request from a raw CoAP
// message, resolving its Action from (msg_type, code, requested_format,
// uri-shape, content-format-presence).
func ParseRequest(ssid uint16, connType ConnType, raw RawMessage) (*Request, error) {
	req := &Request{
		SSID:     ssid,
		ConnType: connType,
		MsgType:  raw.Type,
		Method:   raw.Code,
		Identity: RequestIdentity{MsgID: raw.MsgID, Token: raw.Token},
	}

	if raw.Type == MsgRST {
		req.Action = ActionCancelObserve
		return req, nil
	}

	allowed := allowedCriticalOptions(raw.Code)
	for _, o := range raw.Options {
		if isCritical(o.ID) && !allowed[o.ID] {
			return nil, errBadOption(fmt.Sprintf("unrecognized critical option %d for method %d", o.ID, raw.Code))
		}
	}

	req.RequestedFormat = FormatNone
	if o, ok := raw.firstOption(OptAccept); ok {
		req.RequestedFormat = ContentFormat(decodeUint(o.Value))
	}

	if o, ok := raw.firstOption(OptContentFormat); ok {
		req.ContentFormat = ContentFormat(decodeUint(o.Value))
	} else {
		req.ContentFormat = FormatNone
	}
	hasContentFormat := func() bool {
		_, ok := raw.firstOption(OptContentFormat)
		return ok
	}()

	if o, ok := raw.firstOption(OptObserve); ok {
		switch decodeUint(o.Value) {
		case 0:
			req.Observe = ObserveRegister
		case 1:
			req.Observe = ObserveDeregister
		default:
			return nil, errBadRequest("observe option must be 0 or 1")
		}
	}

	uri, bootstrap, err := parseUriPath(raw.optionStrings(OptURIPath))
	if err != nil {
		return nil, err
	}
	req.URI = uri
	req.BootstrapURI = bootstrap

	attrs, err := parseQueryAttrs(raw.optionStrings(OptURIQuery))
	if err != nil {
		return nil, err
	}
	req.Attrs = attrs

	req.Body = raw.Body

	action, err := resolveAction(raw.Code, req.RequestedFormat, uri, bootstrap, hasContentFormat)
	if err != nil {
		return nil, err
	}
	req.Action = action
	return req, nil
}

func decodeUint(b []byte) uint32 {
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v
}

// resolveAction maps (msg_type, code, requested_format, uri, has_content_format)
// onto the resolved Action.
func resolveAction(method Method, requestedFormat ContentFormat, uri UriPath, bootstrapURI bool, hasContentFormat bool) (Action, error) {
	switch method {
	case MethodGET:
		if requestedFormat == FormatLinkFormat {
			return ActionDiscover, nil
		}
		return ActionRead, nil
	case MethodPUT:
		if hasContentFormat {
			return ActionWrite, nil
		}
		return ActionWriteAttributes, nil
	case MethodPOST:
		if bootstrapURI {
			return ActionBootstrapFinish, nil
		}
		if uri.HasRID() {
			return ActionExecute, nil
		}
		if uri.HasIID() {
			return ActionWriteUpdate, nil
		}
		return ActionCreate, nil
	case MethodDELETE:
		return ActionDelete, nil
	default:
		return 0, errBadRequest("unsupported method")
	}
}

// parseUriPath handles the two recognized shapes: the single-segment
// bootstrap URI "bs", or up to three numeric segments forming OID/IID/RID.
func parseUriPath(segments []string) (UriPath, bool, error) {
	if len(segments) == 1 && segments[0] == "bs" {
		return RootPath(), true, nil
	}
	if len(segments) == 0 {
		return RootPath(), false, nil
	}
	if len(segments) > 3 {
		return UriPath{}, false, errBadRequest("uri-path has too many segments")
	}

	nums := make([]int64, len(segments))
	for i, s := range segments {
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil || n < 0 {
			return UriPath{}, false, errBadRequest(fmt.Sprintf("uri-path segment %q is not a valid id", s))
		}
		nums[i] = n
	}
	if nums[0] > 65535 {
		return UriPath{}, false, errBadRequest("object id out of range")
	}
	oid := uint16(nums[0])
	if len(segments) == 1 {
		return ObjectPath(oid), false, nil
	}
	if nums[1] >= 65535 {
		return UriPath{}, false, errBadRequest("object instance id out of range")
	}
	iid := uint16(nums[1])
	if len(segments) == 2 {
		return InstancePath(oid, iid), false, nil
	}
	if nums[2] > 65535 {
		return UriPath{}, false, errBadRequest("resource id out of range")
	}
	rid := uint16(nums[2])
	return ResourcePath(oid, iid, rid), false, nil
}

// parseQueryAttrs parses the Uri-Query options: each one is a
// key=value pair; "null" explicitly clears the attribute, any other key is
// rejected.
func parseQueryAttrs(queries []string) (AttrUpdate, error) {
	var out AttrUpdate
	for _, q := range queries {
		key, value, err := splitQuery(q)
		if err != nil {
			return out, err
		}
		var field *AttrFieldUpdate
		switch key {
		case "pmin":
			field = &out.Pmin
		case "pmax":
			field = &out.Pmax
		case "gt":
			field = &out.Gt
		case "lt":
			field = &out.Lt
		case "st":
			field = &out.St
		default:
			return out, errBadRequest(fmt.Sprintf("unrecognized write-attributes query %q", key))
		}
		field.Mentioned = true
		if value == "null" {
			field.Clear = true
			continue
		}
		n, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return out, errBadRequest(fmt.Sprintf("write-attributes query %q has a non-numeric value", key))
		}
		field.Value = n
	}
	return out, nil
}

func splitQuery(q string) (key, value string, err error) {
	for i := 0; i < len(q); i++ {
		if q[i] == '=' {
			return q[:i], q[i+1:], nil
		}
	}
	return "", "", errBadRequest(fmt.Sprintf("write-attributes query %q is missing '='", q))
}

// ApplyAttrUpdate folds an AttrUpdate onto a stored RequestAttributes,
// implementing the Write-Attributes semantics: a mentioned field
// overwrites the stored value, a "null" value clears it, and an unmentioned
// field is left untouched.
func ApplyAttrUpdate(stored RequestAttributes, u AttrUpdate) RequestAttributes {
	out := stored
	applyInt := func(has *bool, val *int32, f AttrFieldUpdate) {
		if !f.Mentioned {
			return
		}
		if f.Clear {
			*has = false
			return
		}
		*has, *val = true, int32(f.Value)
	}
	applyFloat := func(has *bool, val *float64, f AttrFieldUpdate) {
		if !f.Mentioned {
			return
		}
		if f.Clear {
			*has = false
			return
		}
		*has, *val = true, f.Value
	}
	applyInt(&out.HasPmin, &out.Pmin, u.Pmin)
	applyInt(&out.HasPmax, &out.Pmax, u.Pmax)
	applyFloat(&out.HasGt, &out.Gt, u.Gt)
	applyFloat(&out.HasLt, &out.Lt, u.Lt)
	applyFloat(&out.HasSt, &out.St, u.St)
	return out
}
