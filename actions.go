package lwm2m

// doRead implements Read handling. Resource reads go straight
// to the handler; Instance/Object reads fold every present, supported,
// readable resource into a flat TLV body. requested is the Accept option's
// format preference: a non-Resource path can only be rendered as TLV or
// JSON, so any other explicit preference fails with NotAcceptable before a
// single handler runs.
func doRead(reg *Registry, uri UriPath, requested ContentFormat) (Value, error) {
	if uri.Kind != PathResource && requested != FormatNone && requested != FormatTLV && requested != FormatJSON {
		return Value{}, errFormatMismatch("non-resource path cannot be rendered in the requested format")
	}
	switch uri.Kind {
	case PathResource:
		obj := reg.Find(uri.OID)
		if obj == nil {
			return Value{}, errNotFound("object not registered")
		}
		if err := ensureInstancePresent(obj, uri.IID); err != nil {
			return Value{}, err
		}
		if err := ensureSupportedAndPresent(obj, uri.IID, uri.RID); err != nil {
			return Value{}, err
		}
		if obj.resourceOps(uri.RID)&OpRead == 0 {
			return Value{}, errMethodNotAllowed("resource is not readable")
		}
		v, err := obj.Handlers.ResourceRead(uri.IID, uri.RID)
		if err != nil {
			return Value{}, err
		}
		return convertResourceValue(v, requested, uri.RID)
	case PathInstance:
		obj := reg.Find(uri.OID)
		if obj == nil {
			return Value{}, errNotFound("object not registered")
		}
		if err := ensureInstancePresent(obj, uri.IID); err != nil {
			return Value{}, err
		}
		return readInstanceTLV(obj, uri.IID)
	case PathObject:
		obj := reg.Find(uri.OID)
		if obj == nil {
			return Value{}, errNotFound("object not registered")
		}
		return readObjectTLV(obj)
	default:
		return Value{}, errNotImplemented("root read not supported")
	}
}

// convertResourceValue renders a handler-produced value in the requested
// format. The real TLV/JSON/plaintext codecs are an external collaborator;
// the core only performs the conversions its own round trips need (wrapping
// a bare value into a single-resource TLV record) and rejects the rest.
func convertResourceValue(v Value, requested ContentFormat, rid uint16) (Value, error) {
	switch {
	case requested == FormatNone || requested == v.Format:
		return v, nil
	case requested == FormatTLV:
		out := v
		out.Format = FormatTLV
		out.Bytes = EncodeTLVResource(rid, v.Bytes)
		return out, nil
	case requested == FormatOpaque && v.Format != FormatOpaque:
		return Value{}, errFormatMismatch("resource is not bytes-typed")
	default:
		return Value{}, errFormatMismatch("resource cannot be rendered in the requested format")
	}
}

func readInstanceTLV(obj *ObjectDef, iid uint16) (Value, error) {
	var body []byte
	for _, rid := range obj.SupportedRIDs {
		pr, err := mapPresentResult(obj.Handlers.ResourcePresent(iid, rid))
		if err != nil {
			return Value{}, err
		}
		if pr != PresencePresent || obj.resourceOps(rid)&OpRead == 0 {
			continue
		}
		v, err := obj.Handlers.ResourceRead(iid, rid)
		if err != nil {
			return Value{}, err
		}
		body = append(body, EncodeTLVResource(rid, v.Bytes)...)
	}
	return nonNumericValue(FormatTLV, body), nil
}

func readObjectTLV(obj *ObjectDef) (Value, error) {
	var body []byte
	rc := obj.Handlers.InstanceIt(func(iid uint16) int {
		v, err := readInstanceTLV(obj, iid)
		if err != nil {
			return -1
		}
		body = append(body, encodeTLVRecord(tlvObjectInstance, iid, v.Bytes)...)
		return VisitContinue
	})
	if rc < 0 {
		return Value{}, errInternal("object read: instance iteration failed")
	}
	return nonNumericValue(FormatTLV, body), nil
}

// doWrite implements the Write/Write-Update contracts. replace is
// true for PUT (Write): when the object supports InstanceReset, the
// instance is reset before the new values are applied so resources absent
// from body end up at their default. replace is false for POST
// (Write-Update): unlisted resources are left untouched. format is the
// request's Content-Format; a resource-path TLV body must carry the
// Uri-Path's RID as its top-level record id.
func doWrite(reg *Registry, uri UriPath, format ContentFormat, body []byte, replace bool) error {
	obj := reg.Find(uri.OID)
	if obj == nil {
		return errNotFound("object not registered")
	}
	if !uri.HasIID() {
		return errBadRequest("write requires an instance or resource path")
	}
	if err := ensureInstancePresent(obj, uri.IID); err != nil {
		return err
	}

	if uri.Kind == PathResource {
		if !obj.supportsRID(uri.RID) {
			return errNotFound("resource not supported")
		}
		if obj.resourceOps(uri.RID)&OpWrite == 0 {
			return errMethodNotAllowed("resource is not writable")
		}
		if format == FormatTLV {
			rid, ok := peekTLVTopRID(body)
			if !ok {
				return errBadRequest("malformed tlv payload")
			}
			if rid != uri.RID {
				return errBadRequest("tlv resource id does not match uri")
			}
		}
		return obj.Handlers.ResourceWrite(uri.IID, uri.RID, writeValue(format, body))
	}

	if replace && obj.Handlers.InstanceReset != nil {
		if err := obj.Handlers.InstanceReset(uri.IID); err != nil {
			return err
		}
	}
	recs, err := decodeTLVRecords(body)
	if err != nil {
		return errBadRequest("malformed tlv payload")
	}
	for _, r := range recs {
		if r.Kind != tlvResource {
			continue
		}
		if !obj.supportsRID(r.ID) {
			return errNotFound("resource not supported")
		}
		if obj.resourceOps(r.ID)&OpWrite == 0 {
			return errMethodNotAllowed("resource is not writable")
		}
		if err := obj.Handlers.ResourceWrite(uri.IID, r.ID, writeValue(FormatTLV, r.Value)); err != nil {
			return err
		}
	}
	return nil
}

// writeValue builds the Value handed to a resource write handler,
// recovering the numeric view for plaintext payloads so the observation
// delta filter can compare against it.
func writeValue(format ContentFormat, body []byte) Value {
	if format == FormatNone {
		format = FormatPlaintext
	}
	if format == FormatPlaintext {
		if n, err := DecodePlaintextFloat(body); err == nil {
			return numericValue(format, body, n)
		}
	}
	return nonNumericValue(format, body)
}

// doCreate implements the Create contract: the body is either a
// single ObjectInstance TLV record (its id, if any, is the proposed IID) or
// a flat list of Resource records for an instance the object assigns.
func doCreate(reg *Registry, oid uint16, body []byte) (uint16, error) {
	obj := reg.Find(oid)
	if obj == nil {
		return 0, errNotFound("object not registered")
	}
	recs, err := decodeTLVRecords(body)
	if err != nil {
		return 0, errBadRequest("malformed tlv payload")
	}

	var resourceRecs []tlvRecord
	var proposedIID uint16
	hasProposed := false
	if len(recs) > 0 && recs[0].Kind == tlvObjectInstance {
		proposedIID, hasProposed = recs[0].ID, true
		resourceRecs, err = decodeTLVRecords(recs[0].Value)
		if err != nil {
			return 0, errBadRequest("malformed tlv payload")
		}
	} else {
		resourceRecs = recs
	}

	iid, err := obj.Handlers.InstanceCreate(proposedIID, hasProposed)
	if err != nil {
		return 0, err
	}
	if hasProposed && proposedIID != InvalidIID && iid != proposedIID {
		if obj.Handlers.InstanceRemove != nil {
			_ = obj.Handlers.InstanceRemove(iid)
		}
		return 0, errInternal("create: object assigned a different iid than proposed")
	}
	for _, r := range resourceRecs {
		if r.Kind != tlvResource || !obj.supportsRID(r.ID) {
			continue
		}
		if err := obj.Handlers.ResourceWrite(iid, r.ID, writeValue(FormatTLV, r.Value)); err != nil {
			return iid, err
		}
	}
	return iid, nil
}

// doDelete implements the Delete contract, including the
// Bootstrap-only bare-root shape that removes every instance of every
// registered object.
func doDelete(reg *Registry, uri UriPath) error {
	switch uri.Kind {
	case PathRoot:
		for _, obj := range reg.All() {
			if obj.Handlers.InstanceRemove == nil {
				continue
			}
			removeAllInstances(obj)
		}
		return nil
	case PathObject:
		obj := reg.Find(uri.OID)
		if obj == nil {
			return errNotFound("object not registered")
		}
		if obj.Handlers.InstanceRemove == nil {
			return errMethodNotAllowed("object does not support delete")
		}
		removeAllInstances(obj)
		return nil
	case PathInstance:
		obj := reg.Find(uri.OID)
		if obj == nil {
			return errNotFound("object not registered")
		}
		if err := ensureInstancePresent(obj, uri.IID); err != nil {
			return err
		}
		if obj.Handlers.InstanceRemove == nil {
			return errMethodNotAllowed("object does not support delete")
		}
		return obj.Handlers.InstanceRemove(uri.IID)
	default:
		return errBadRequest("delete requires at least an object path")
	}
}

func removeAllInstances(obj *ObjectDef) {
	var iids []uint16
	obj.Handlers.InstanceIt(func(iid uint16) int {
		iids = append(iids, iid)
		return VisitContinue
	})
	for _, iid := range iids {
		_ = obj.Handlers.InstanceRemove(iid)
	}
}

// doExecute implements the Execute contract.
func doExecute(reg *Registry, uri UriPath, args *ExecArgs) error {
	if uri.Kind != PathResource {
		return errBadRequest("execute requires a resource path")
	}
	obj := reg.Find(uri.OID)
	if obj == nil {
		return errNotFound("object not registered")
	}
	if err := ensureInstancePresent(obj, uri.IID); err != nil {
		return err
	}
	if err := ensureSupportedAndPresent(obj, uri.IID, uri.RID); err != nil {
		return err
	}
	if obj.resourceOps(uri.RID)&OpExecute == 0 {
		return errMethodNotAllowed("resource is not executable")
	}
	return obj.Handlers.ResourceExecute(uri.IID, uri.RID, args)
}

// doWriteAttributes implements the Write-Attributes contract: the
// update is folded onto the stored attributes at the addressed level and
// validated before being written back.
func doWriteAttributes(reg *Registry, uri UriPath, ssid uint16, update AttrUpdate) error {
	if update.empty() {
		return nil
	}
	if err := update.validatePeriods(); err != nil {
		return err
	}
	if uri.Kind != PathResource && update.hasResourceSpecific() {
		return errBadRequest("gt/lt/st attributes only apply to resource paths")
	}
	obj := reg.Find(uri.OID)
	if obj == nil {
		return errNotFound("object not registered")
	}
	switch uri.Kind {
	case PathResource:
		if err := ensureInstancePresent(obj, uri.IID); err != nil {
			return err
		}
		if err := ensureSupportedAndPresent(obj, uri.IID, uri.RID); err != nil {
			return err
		}
		if obj.Handlers.ResourceReadAttrs == nil || obj.Handlers.ResourceWriteAttrs == nil {
			return errNotImplemented("object does not support resource attributes")
		}
		cur, err := obj.Handlers.ResourceReadAttrs(uri.IID, uri.RID, ssid)
		if err != nil {
			return err
		}
		merged := ApplyAttrUpdate(cur, update)
		if !resourceAttrsValid(merged) {
			return errInvalidAttribute("attribute combination invalid")
		}
		return obj.Handlers.ResourceWriteAttrs(uri.IID, uri.RID, ssid, merged)
	case PathInstance:
		if err := ensureInstancePresent(obj, uri.IID); err != nil {
			return err
		}
		if obj.Handlers.InstanceReadDefaultAttrs == nil || obj.Handlers.InstanceWriteDefaultAttrs == nil {
			return errNotImplemented("object does not support instance default attributes")
		}
		cur, err := obj.Handlers.InstanceReadDefaultAttrs(uri.IID, ssid)
		if err != nil {
			return err
		}
		merged := ApplyAttrUpdate(cur, update)
		if !resourceAttrsValid(merged) {
			return errInvalidAttribute("attribute combination invalid")
		}
		return obj.Handlers.InstanceWriteDefaultAttrs(uri.IID, ssid, merged)
	case PathObject:
		if obj.Handlers.ObjectReadDefaultAttrs == nil || obj.Handlers.ObjectWriteDefaultAttrs == nil {
			return errNotImplemented("object does not support object default attributes")
		}
		cur, err := obj.Handlers.ObjectReadDefaultAttrs(ssid)
		if err != nil {
			return err
		}
		merged := ApplyAttrUpdate(cur, update)
		if !resourceAttrsValid(merged) {
			return errInvalidAttribute("attribute combination invalid")
		}
		return obj.Handlers.ObjectWriteDefaultAttrs(ssid, merged)
	default:
		return errBadRequest("write-attributes requires at least an object path")
	}
}

// doDiscover implements the Discover contract, rendering the
// addressed subtree as a CoRE Link-Format document (linkformat.go).
func doDiscover(reg *Registry, uri UriPath, ssid uint16) ([]byte, error) {
	return renderDiscover(reg, uri, ssid)
}
