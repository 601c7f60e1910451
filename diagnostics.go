package lwm2m

import (
	jsoniter "github.com/json-iterator/go"
)

var diagJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// ObjectSnapshot is one registered object's present instances and resources,
// rendered for cmd/lwm2mctl's diagnostics dump.
type ObjectSnapshot struct {
	OID       uint16                     `json:"oid"`
	Instances []InstanceSnapshot         `json:"instances"`
}

// InstanceSnapshot is one present instance's readable resources.
type InstanceSnapshot struct {
	IID       uint16            `json:"iid"`
	Resources map[uint16]string `json:"resources"`
}

// Snapshot renders every registered object's present instances and
// currently-readable resources as a JSON-ready structure, encoded with
// jsoniter for cmd/lwm2mctl's fast-path diagnostics dump.
func (c *Client) Snapshot() ([]byte, error) {
	var objs []ObjectSnapshot
	for _, obj := range c.reg.All() {
		snap := ObjectSnapshot{OID: obj.OID}
		obj.Handlers.InstanceIt(func(iid uint16) int {
			inst := InstanceSnapshot{IID: iid, Resources: map[uint16]string{}}
			for _, rid := range obj.SupportedRIDs {
				if obj.resourceOps(rid)&OpRead == 0 {
					continue
				}
				pr, err := mapPresentResult(obj.Handlers.ResourcePresent(iid, rid))
				if err != nil || pr != PresencePresent {
					continue
				}
				v, err := obj.Handlers.ResourceRead(iid, rid)
				if err != nil {
					continue
				}
				inst.Resources[rid] = string(v.Bytes)
			}
			snap.Instances = append(snap.Instances, inst)
			return VisitContinue
		})
		objs = append(objs, snap)
	}
	return diagJSON.Marshal(objs)
}
