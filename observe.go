package lwm2m

import "time"

// ObserveEntry is one active observation: the key that routes
// resource changes to it, the negotiated attributes, and the bookkeeping
// notify() needs to decide whether a change is worth sending. MsgID starts
// as the registering message's id and is replaced by the id of each
// outgoing notification, so a RST quoting the newest notification's id
// cancels this entry.
type ObserveEntry struct {
	Key        ObserveKey
	MsgID      uint16
	Token      []byte
	Attrs      EffectiveAttributes
	LastValue  Value
	LastSentAt time.Time
	// LastConfirmableAt tracks the confirmable-escalation cadence,
	// separate from LastSentAt which every notify (CON or NON) updates. A RST
	// reply to a CON notify never arrives here - the caller removes the
	// entry instead.
	LastConfirmableAt time.Time
	// NotifyTask is the entry's single live scheduled evaluation: the pmax
	// heartbeat, a change-triggered re-read, or a pmin re-check, whichever
	// is due next. Re-arming always cancels the previous one first, so an
	// entry never has two timers in flight.
	NotifyTask *SchedHandle
	// Errored marks that LastValue is an error report rather than real
	// resource content; the pmax heartbeat stops re-evaluating an errored
	// entry so it never overwrites the error with a fresher one.
	Errored bool
}

// recordSent updates the bookkeeping decideNotify and needsConfirmable rely
// on after a notify (of either kind) is actually sent.
func (e *ObserveEntry) recordSent(value Value, at time.Time, confirmable bool) {
	e.LastValue = value
	e.LastSentAt = at
	if confirmable {
		e.LastConfirmableAt = at
	}
}

// ObserveConnection indexes a single server connection's active entries
// both by exact key (registration/deregistration, msg-id cancellation) and
// by OID for wildcard-capable change lookup.
type ObserveConnection struct {
	Key   ConnKey
	byKey map[ObserveKey]*ObserveEntry
	byOID map[uint16][]*ObserveEntry
}

func newObserveConnection(ck ConnKey) *ObserveConnection {
	return &ObserveConnection{Key: ck, byKey: map[ObserveKey]*ObserveEntry{}, byOID: map[uint16][]*ObserveEntry{}}
}

func (c *ObserveConnection) put(e *ObserveEntry) {
	if old, ok := c.byKey[e.Key]; ok {
		bucket := c.byOID[e.Key.OID]
		for i, existing := range bucket {
			if existing == old {
				bucket[i] = e
				break
			}
		}
	} else {
		c.byOID[e.Key.OID] = append(c.byOID[e.Key.OID], e)
	}
	c.byKey[e.Key] = e
}

func (c *ObserveConnection) remove(key ObserveKey) {
	e, ok := c.byKey[key]
	if !ok {
		return
	}
	delete(c.byKey, key)
	bucket := c.byOID[key.OID]
	for i, existing := range bucket {
		if existing == e {
			c.byOID[key.OID] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
}

// match implements the wildcard-correct notify-candidate lookup:
// a changed (oid, iid, rid) is observed by any entry whose key matches
// exactly, or whose IID and/or RID are the wildcard sentinel (an
// instance-level or object-level observation).
func (c *ObserveConnection) match(oid, iid uint16, rid uint16) []*ObserveEntry {
	var out []*ObserveEntry
	for _, e := range c.byOID[oid] {
		if e.Key.IID != WildcardIID && e.Key.IID != iid {
			continue
		}
		if e.Key.RID != WildcardRID && e.Key.RID != int32(rid) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// ObservationStore is the Observation Subsystem: a directory of
// ObserveConnections, one per (ssid, conn_type) pair a server is reachable
// over.
type ObservationStore struct {
	conns map[ConnKey]*ObserveConnection
}

// NewObservationStore makes an empty observation store.
func NewObservationStore() *ObservationStore {
	return &ObservationStore{conns: map[ConnKey]*ObserveConnection{}}
}

func (s *ObservationStore) connFor(ck ConnKey) *ObserveConnection {
	c, ok := s.conns[ck]
	if !ok {
		c = newObserveConnection(ck)
		s.conns[ck] = c
	}
	return c
}

// Put registers or replaces an observation entry, discarding whatever
// pmax heartbeat the entry it replaces had scheduled.
func (s *ObservationStore) Put(sched *Scheduler, e *ObserveEntry) {
	ck := ConnKey{SSID: e.Key.SSID, ConnType: e.Key.ConnType}
	c := s.connFor(ck)
	if old, ok := c.byKey[e.Key]; ok {
		sched.Del(old.NotifyTask)
	}
	c.put(e)
}

// Remove deregisters one observation by its full key, cancelling its
// pending pmax heartbeat if any.
func (s *ObservationStore) Remove(sched *Scheduler, key ObserveKey) {
	ck := ConnKey{SSID: key.SSID, ConnType: key.ConnType}
	c, ok := s.conns[ck]
	if !ok {
		return
	}
	if e, ok := c.byKey[key]; ok {
		sched.Del(e.NotifyTask)
	}
	c.remove(key)
	if len(c.byKey) == 0 {
		delete(s.conns, ck)
	}
}

// RemoveByMsgID cancels whichever entry on ck was registered with msgID.
func (s *ObservationStore) RemoveByMsgID(sched *Scheduler, ck ConnKey, msgID uint16) {
	c, ok := s.conns[ck]
	if !ok {
		return
	}
	for key, e := range c.byKey {
		if e.MsgID == msgID {
			sched.Del(e.NotifyTask)
			c.remove(key)
			if len(c.byKey) == 0 {
				delete(s.conns, ck)
			}
			return
		}
	}
}

// DropConnection discards every observation on ck, cancelling every
// entry's pmax heartbeat: connection torn down, server deregistered, or
// the connection reconnected.
func (s *ObservationStore) DropConnection(sched *Scheduler, ck ConnKey) {
	if c, ok := s.conns[ck]; ok {
		for _, e := range c.byKey {
			sched.Del(e.NotifyTask)
		}
	}
	delete(s.conns, ck)
}

// GC destroys every connection whose SSID is no longer in activeSSIDs,
// cancelling all of its entries' heartbeats. Called when the active-server
// list shrinks, so observations from a removed server do not keep firing.
func (s *ObservationStore) GC(sched *Scheduler, activeSSIDs map[uint16]bool) {
	var stale []ConnKey
	for ck := range s.conns {
		if !activeSSIDs[ck.SSID] {
			stale = append(stale, ck)
		}
	}
	for _, ck := range stale {
		s.DropConnection(sched, ck)
	}
}

// Match finds every entry on ck that observes the changed (oid, iid, rid)
// resource, wildcard-inclusive.
func (s *ObservationStore) Match(ck ConnKey, oid, iid, rid uint16) []*ObserveEntry {
	c, ok := s.conns[ck]
	if !ok {
		return nil
	}
	return c.match(oid, iid, rid)
}

// Get looks up a single entry by its full key.
func (s *ObservationStore) Get(key ObserveKey) (*ObserveEntry, bool) {
	c, ok := s.conns[ConnKey{SSID: key.SSID, ConnType: key.ConnType}]
	if !ok {
		return nil, false
	}
	e, ok := c.byKey[key]
	return e, ok
}

// All returns every active entry on ck, in no particular order.
func (s *ObservationStore) All(ck ConnKey) []*ObserveEntry {
	c, ok := s.conns[ck]
	if !ok {
		return nil
	}
	out := make([]*ObserveEntry, 0, len(c.byKey))
	for _, e := range c.byKey {
		out = append(out, e)
	}
	return out
}
