package lwm2m

import (
	"fmt"
	"time"

	"github.com/plgd-dev/go-coap/v2/message/codes"
)

// Response is the dispatcher's answer to a parsed Request: a CoAP response
// code plus, for success responses that carry one, a body and its format
// or a Create response's Location-Path.
type Response struct {
	Code         codes.Code
	Format       ContentFormat
	Body         []byte
	LocationPath string
}

// Dispatcher is the single-threaded request router: it resolves a
// parsed Request against the Registry, enforces access control, runs the
// matching DM action, and maintains the Observation Store side effect of a
// GET's Observe option.
type Dispatcher struct {
	reg                 *Registry
	store               *ObservationStore
	sched               *Scheduler
	queue               *NotifyQueue
	activeNonBootstrapServers func() int
	logger              Logger
}

// NewDispatcher wires a Dispatcher to its collaborators. activeServers
// reports the current count of registered (non-bootstrap) servers, which
// the Access-Control Evaluator needs to decide whether ACL checks apply at
// all.
func NewDispatcher(reg *Registry, store *ObservationStore, sched *Scheduler, queue *NotifyQueue, activeServers func() int, logger Logger) *Dispatcher {
	return &Dispatcher{reg: reg, store: store, sched: sched, queue: queue, activeNonBootstrapServers: activeServers, logger: logger}
}

// Serve implements the end-to-end handling of one parsed Request. A RST
// (Action == ActionCancelObserve) never produces a response. Every other
// request produces exactly one Response, even on error (errorResponseCode
// supplies its Code).
func (d *Dispatcher) Serve(req *Request) (*Response, error) {
	if req.Action == ActionCancelObserve {
		d.store.RemoveByMsgID(d.sched, ConnKey{SSID: req.SSID, ConnType: req.ConnType}, req.Identity.MsgID)
		return nil, nil
	}

	if !ActionAllowed(d.reg, d.activeNonBootstrapServers(), req.SSID, req.URI.OID, req.URI.IID, req.URI.HasIID(), req.Action) {
		err := errUnauthorized("access denied")
		logf(d.logger, "dispatch: %s %v denied for ssid=%d", actionName(req.Action), req.URI, req.SSID)
		return &Response{Code: errorResponseCode(err)}, err
	}

	resp, value, err := d.runAction(req)
	if err != nil {
		logf(d.logger, "dispatch: %s %v failed: %v", actionName(req.Action), req.URI, err)
		return &Response{Code: errorResponseCode(err)}, err
	}

	d.applyObserveSideEffect(req, value)
	return resp, nil
}

func (d *Dispatcher) runAction(req *Request) (*Response, Value, error) {
	switch req.Action {
	case ActionRead:
		v, err := doRead(d.reg, req.URI, req.RequestedFormat)
		if err != nil {
			return nil, Value{}, err
		}
		return &Response{Code: codes.Content, Format: v.Format, Body: v.Bytes}, v, nil
	case ActionDiscover:
		b, err := doDiscover(d.reg, req.URI, req.SSID)
		if err != nil {
			return nil, Value{}, err
		}
		return &Response{Code: codes.Content, Format: FormatLinkFormat, Body: b}, Value{}, nil
	case ActionWrite:
		if err := doWrite(d.reg, req.URI, req.ContentFormat, req.Body, true); err != nil {
			return nil, Value{}, err
		}
		return &Response{Code: codes.Changed}, Value{}, nil
	case ActionWriteUpdate:
		if err := doWrite(d.reg, req.URI, req.ContentFormat, req.Body, false); err != nil {
			return nil, Value{}, err
		}
		return &Response{Code: codes.Changed}, Value{}, nil
	case ActionCreate:
		iid, err := doCreate(d.reg, req.URI.OID, req.Body)
		if err != nil {
			return nil, Value{}, err
		}
		return &Response{Code: codes.Created, LocationPath: fmt.Sprintf("/%d/%d", req.URI.OID, iid)}, Value{}, nil
	case ActionDelete:
		if err := doDelete(d.reg, req.URI); err != nil {
			return nil, Value{}, err
		}
		return &Response{Code: codes.Deleted}, Value{}, nil
	case ActionExecute:
		if err := doExecute(d.reg, req.URI, NewExecArgs(req.Body)); err != nil {
			return nil, Value{}, err
		}
		return &Response{Code: codes.Changed}, Value{}, nil
	case ActionWriteAttributes:
		if err := doWriteAttributes(d.reg, req.URI, req.SSID, req.Attrs); err != nil {
			return nil, Value{}, err
		}
		d.reevaluateObservation(req)
		return &Response{Code: codes.Changed}, Value{}, nil
	case ActionBootstrapFinish:
		return &Response{Code: codes.Changed}, Value{}, nil
	default:
		return nil, Value{}, errBadRequest("unresolved action")
	}
}

// applyObserveSideEffect implements the "a successful Read/Observe-GET also
// registers/deregisters an observation" part: it never fails the
// request itself even if the attribute resolution errors, since the data
// response has already been produced.
func (d *Dispatcher) applyObserveSideEffect(req *Request, value Value) {
	key := ObserveKey{
		SSID:     req.SSID,
		ConnType: req.ConnType,
		OID:      req.URI.OID,
		IID:      observeIID(req.URI),
		RID:      observeRID(req.URI),
		Format:   value.Format,
	}
	switch req.Observe {
	case ObserveRegister:
		obj := d.reg.Find(req.URI.OID)
		if obj == nil {
			return
		}
		attrs, err := ResolveAttrs(d.reg, AttrQuery{
			Obj: obj, IID: req.URI.IID, HasIID: req.URI.HasIID(),
			RID: req.URI.RID, HasRID: req.URI.HasRID(),
			SSID: req.SSID, IncludeServerDefaults: true,
		})
		if err != nil {
			logf(d.logger, "dispatch: observe register on %v: resolve attrs failed: %v", req.URI, err)
			return
		}
		now := time.Now()
		entry := &ObserveEntry{
			Key: key, MsgID: req.Identity.MsgID, Token: req.Identity.Token,
			Attrs: attrs, LastValue: value, LastSentAt: now, LastConfirmableAt: now,
		}
		d.store.Put(d.sched, entry)
		scheduleTrigger(d.reg, d.store, d.sched, d.queue, ConnKey{SSID: req.SSID, ConnType: req.ConnType}, entry)
	case ObserveDeregister:
		d.store.Remove(d.sched, key)
	}
}

// reevaluateObservation implements the WriteAttributes side effect: a
// change to an attribute set re-resolves and re-arms the pmax heartbeat of
// whatever active observation covers req's target, so a narrower pmax takes
// effect immediately instead of waiting for the stale one to fire first.
func (d *Dispatcher) reevaluateObservation(req *Request) {
	ck := ConnKey{SSID: req.SSID, ConnType: req.ConnType}
	obj := d.reg.Find(req.URI.OID)
	if obj == nil {
		return
	}
	for _, entry := range d.store.Match(ck, req.URI.OID, req.URI.IID, req.URI.RID) {
		attrs, err := ResolveAttrs(d.reg, AttrQuery{
			Obj: obj, IID: req.URI.IID, HasIID: req.URI.HasIID(),
			RID: req.URI.RID, HasRID: req.URI.HasRID(),
			SSID: req.SSID, IncludeServerDefaults: true,
		})
		if err != nil {
			logf(d.logger, "dispatch: write-attributes on %v: resolve attrs failed: %v", req.URI, err)
			return
		}
		d.sched.Del(entry.NotifyTask)
		entry.Attrs = attrs
		scheduleTrigger(d.reg, d.store, d.sched, d.queue, ck, entry)
	}
}

// observeIID/observeRID widen a request's URI into the Observation Store's
// wildcard-capable key shape: an Object- or Root-level GET observes
// every instance/resource beneath it.
func observeIID(uri UriPath) uint16 {
	if uri.HasIID() {
		return uri.IID
	}
	return WildcardIID
}

func observeRID(uri UriPath) int32 {
	if uri.HasRID() {
		return int32(uri.RID)
	}
	return WildcardRID
}

func actionName(a Action) string {
	switch a {
	case ActionRead:
		return "read"
	case ActionWrite:
		return "write"
	case ActionWriteUpdate:
		return "write-update"
	case ActionExecute:
		return "execute"
	case ActionCreate:
		return "create"
	case ActionDelete:
		return "delete"
	case ActionDiscover:
		return "discover"
	case ActionWriteAttributes:
		return "write-attributes"
	case ActionCancelObserve:
		return "cancel-observe"
	case ActionBootstrapFinish:
		return "bootstrap-finish"
	default:
		return "unknown"
	}
}
