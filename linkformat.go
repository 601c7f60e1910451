package lwm2m

import (
	"fmt"
	"strconv"
	"strings"
)

// renderDiscover walks the addressed subtree and renders it as a CoRE
// Link-Format document: one link per object, instance or resource below
// uri. The object link carries the object-level attributes combined with
// the server defaults, the instance link its instance-level defaults, and
// each resource link its resource-level attributes plus ";dim=N" when
// ResourceDim knows one; an attribute appears only if it is set at that
// level.
func renderDiscover(reg *Registry, uri UriPath, ssid uint16) ([]byte, error) {
	var links []string

	switch uri.Kind {
	case PathRoot:
		for _, obj := range reg.All() {
			objLinks, err := discoverObject(reg, obj, ssid)
			if err != nil {
				return nil, err
			}
			links = append(links, objLinks...)
		}
	case PathObject:
		obj := reg.Find(uri.OID)
		if obj == nil {
			return nil, errNotFound("object not registered")
		}
		objLinks, err := discoverObject(reg, obj, ssid)
		if err != nil {
			return nil, err
		}
		links = append(links, objLinks...)
	case PathInstance:
		obj := reg.Find(uri.OID)
		if obj == nil {
			return nil, errNotFound("object not registered")
		}
		if err := ensureInstancePresent(obj, uri.IID); err != nil {
			return nil, err
		}
		instLinks, err := discoverInstance(obj, uri.IID, ssid)
		if err != nil {
			return nil, err
		}
		links = append(links, instLinks...)
	case PathResource:
		obj := reg.Find(uri.OID)
		if obj == nil {
			return nil, errNotFound("object not registered")
		}
		if err := ensureSupportedAndPresent(obj, uri.IID, uri.RID); err != nil {
			return nil, err
		}
		links = append(links, resourceLink(obj, uri.IID, uri.RID, ssid))
	}

	return []byte(strings.Join(links, ",")), nil
}

func discoverObject(reg *Registry, obj *ObjectDef, ssid uint16) ([]string, error) {
	var objAttrs RequestAttributes
	if obj.Handlers.ObjectReadDefaultAttrs != nil {
		a, err := obj.Handlers.ObjectReadDefaultAttrs(ssid)
		if err != nil {
			return nil, err
		}
		objAttrs = a
	}
	if ssid != SSIDAny {
		server, err := serverDefaultAttrs(reg, ssid)
		if err != nil {
			return nil, err
		}
		objAttrs = combine(objAttrs, server)
	}
	links := []string{fmt.Sprintf("</%d>", obj.OID) + attrSuffix(objAttrs)}
	rc := obj.Handlers.InstanceIt(func(iid uint16) int {
		instLinks, err := discoverInstance(obj, iid, ssid)
		if err != nil {
			return -1
		}
		links = append(links, instLinks...)
		return VisitContinue
	})
	if rc < 0 {
		return nil, errInternal("discover: instance iteration failed")
	}
	return links, nil
}

func discoverInstance(obj *ObjectDef, iid uint16, ssid uint16) ([]string, error) {
	var instAttrs RequestAttributes
	if obj.Handlers.InstanceReadDefaultAttrs != nil {
		a, err := obj.Handlers.InstanceReadDefaultAttrs(iid, ssid)
		if err != nil {
			return nil, err
		}
		instAttrs = a
	}
	links := []string{fmt.Sprintf("</%d/%d>", obj.OID, iid) + attrSuffix(instAttrs)}
	for _, rid := range obj.SupportedRIDs {
		pr, err := mapPresentResult(obj.Handlers.ResourcePresent(iid, rid))
		if err != nil {
			return nil, err
		}
		if pr != PresencePresent {
			continue
		}
		links = append(links, resourceLink(obj, iid, rid, ssid))
	}
	return links, nil
}

func resourceLink(obj *ObjectDef, iid, rid uint16, ssid uint16) string {
	link := fmt.Sprintf("</%d/%d/%d>", obj.OID, iid, rid)
	if obj.Handlers.ResourceDim != nil {
		if dim, ok := obj.Handlers.ResourceDim(iid, rid); ok {
			link += ";dim=" + strconv.Itoa(dim)
		}
	}
	if obj.Handlers.ResourceReadAttrs != nil {
		if a, err := obj.Handlers.ResourceReadAttrs(iid, rid, ssid); err == nil {
			link += attrSuffix(a)
		}
	}
	return link
}

// attrSuffix renders the set fields of an attribute record as link-format
// parameters, in the pmin/pmax/lt/gt/st order servers expect.
func attrSuffix(a RequestAttributes) string {
	var b strings.Builder
	if a.HasPmin {
		fmt.Fprintf(&b, ";pmin=%d", a.Pmin)
	}
	if a.HasPmax {
		fmt.Fprintf(&b, ";pmax=%d", a.Pmax)
	}
	if a.HasLt {
		fmt.Fprintf(&b, ";lt=%s", formatAttrFloat(a.Lt))
	}
	if a.HasGt {
		fmt.Fprintf(&b, ";gt=%s", formatAttrFloat(a.Gt))
	}
	if a.HasSt {
		fmt.Fprintf(&b, ";st=%s", formatAttrFloat(a.St))
	}
	return b.String()
}

func formatAttrFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
