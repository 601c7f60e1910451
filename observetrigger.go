package lwm2m

import (
	"bytes"
	"math"
	"time"
)

// confirmableEscalationAge is how long an observation can go without a
// confirmable exchange before the next notify is forced to CON, so a
// silently-dead peer is eventually detected via the RST/timeout path
// instead of being notified into the void forever.
const confirmableEscalationAge = 24 * time.Hour

// NotifyDecision is the result of evaluating one entry against a changed
// value: whether to send now, how long to wait before re-evaluating if the
// change qualifies but pmin hasn't elapsed, and whether the send (if any)
// must be confirmable.
type NotifyDecision struct {
	Send        bool
	Wait        time.Duration
	Confirmable bool
}

// attrsAllowNotify implements the should_update predicate. A value whose
// bytes and format both equal the previous send is never worth notifying.
// Past that, a non-numeric value or an entry with no numeric attributes at
// all always qualifies; a numeric one must land in the configured gt/lt
// band and then clear the st minimum-change bar.
func attrsAllowNotify(attrs EffectiveAttributes, last, cur Value) bool {
	if cur.Format == last.Format && bytes.Equal(cur.Bytes, last.Bytes) {
		return false
	}
	if math.IsNaN(cur.Numeric) {
		return true
	}
	if !attrs.HasGt && !attrs.HasLt && !attrs.HasSt {
		return true
	}
	if !checkRange(attrs, cur.Numeric) {
		return false
	}
	if attrs.HasSt && !math.IsNaN(last.Numeric) {
		return math.Abs(cur.Numeric-last.Numeric) >= attrs.St
	}
	return true
}

// checkRange is the gt/lt band predicate. With both bounds set and lt < gt
// the bounds describe a disjoint exterior (notify when the value escapes
// the [lt, gt] band); with lt >= gt they overlap and both conditions must
// hold at once.
func checkRange(attrs EffectiveAttributes, v float64) bool {
	switch {
	case attrs.HasGt && attrs.HasLt:
		if attrs.Lt < attrs.Gt {
			return v < attrs.Lt || v > attrs.Gt
		}
		return v < attrs.Lt && v > attrs.Gt
	case attrs.HasGt:
		return v > attrs.Gt
	case attrs.HasLt:
		return v < attrs.Lt
	default:
		return true
	}
}

// decideNotify implements the trigger_observe predicate: a pmax-forced
// notify always fires; otherwise a qualifying change fires immediately once
// pmin has elapsed since the last send, or schedules a re-check for when it
// will.
func decideNotify(entry *ObserveEntry, newValue Value, now time.Time) NotifyDecision {
	if entry.Attrs.Never() {
		return NotifyDecision{}
	}

	pmaxDue := entry.Attrs.HasPmax && !entry.Attrs.Never() && !entry.LastSentAt.IsZero() &&
		now.Sub(entry.LastSentAt) >= time.Duration(entry.Attrs.Pmax)*time.Second

	if entry.LastSentAt.IsZero() {
		return NotifyDecision{Send: true, Confirmable: needsConfirmable(entry, now)}
	}

	if !pmaxDue && !attrsAllowNotify(entry.Attrs, entry.LastValue, newValue) {
		return NotifyDecision{}
	}

	elapsed := now.Sub(entry.LastSentAt)
	pmin := time.Duration(entry.Attrs.Pmin) * time.Second
	if elapsed < pmin {
		return NotifyDecision{Wait: pmin - elapsed}
	}
	return NotifyDecision{Send: true, Confirmable: needsConfirmable(entry, now)}
}

// needsConfirmable applies the confirmable escalation: once 24h have
// elapsed since the entry's last confirmable exchange, the next notify
// goes out as CON instead of NON.
func needsConfirmable(entry *ObserveEntry, now time.Time) bool {
	if entry.LastConfirmableAt.IsZero() {
		return false
	}
	return now.Sub(entry.LastConfirmableAt) >= confirmableEscalationAge
}

// uriFromObserveKey widens an observation key back into the UriPath its
// pmax heartbeat re-reads: a wildcard IID observes the whole object, a
// wildcard RID observes the whole instance.
func uriFromObserveKey(key ObserveKey) UriPath {
	if key.IID == WildcardIID {
		return ObjectPath(key.OID)
	}
	if key.RID == WildcardRID {
		return InstancePath(key.OID, key.IID)
	}
	return ResourcePath(key.OID, key.IID, uint16(key.RID))
}

// scheduleTrigger arms entry's pmax heartbeat: a task that re-reads the
// observed target, decides whether the elapsed pmax (or a qualifying
// change missed by the event-driven path) warrants a notify, and re-arms
// itself. An EffectiveAttributes with pmax unset or "never" (-1) gets no
// heartbeat at all; the entry is then only driven by NotifyChanged.
func scheduleTrigger(reg *Registry, store *ObservationStore, sched *Scheduler, queue *NotifyQueue, ck ConnKey, entry *ObserveEntry) {
	if !entry.Attrs.HasPmax || entry.Attrs.Never() {
		return
	}
	scheduleTriggerAt(reg, store, sched, queue, ck, entry, time.Duration(entry.Attrs.Pmax)*time.Second)
}

// scheduleTriggerAt replaces entry's notify task with a trigger at an
// explicit delay: zero for a change event, the remaining pmin for a held-
// back notify. Cancelling the previous task first is what keeps the
// one-live-task-per-entry invariant.
func scheduleTriggerAt(reg *Registry, store *ObservationStore, sched *Scheduler, queue *NotifyQueue, ck ConnKey, entry *ObserveEntry, delay time.Duration) {
	sched.Del(entry.NotifyTask)
	key := entry.Key
	entry.NotifyTask = sched.Sched(delay, func() {
		triggerObserve(reg, store, sched, queue, ck, key)
	})
}

// triggerObserve is the notify task's body, shared by the pmax heartbeat
// and the change-triggered path: re-read the observed target's current
// value, enqueue a notify if decideNotify says so, and re-arm the next
// evaluation - the pmax heartbeat normally, or a pmin re-check when a
// qualifying change is being held back.
func triggerObserve(reg *Registry, store *ObservationStore, sched *Scheduler, queue *NotifyQueue, ck ConnKey, key ObserveKey) {
	entry, ok := store.Get(key)
	if !ok {
		return
	}
	if entry.Errored {
		return
	}

	obj := reg.Find(key.OID)
	var val Value
	var err error
	if obj == nil {
		err = errNotFound("object not registered")
	} else {
		val, err = doRead(reg, uriFromObserveKey(key), key.Format)
	}
	now := time.Now()
	if err != nil {
		ev := errorValue(err)
		queue.Enqueue(ck, entry, ev, true)
		entry.Errored = true
		entry.recordSent(ev, now, true)
		return
	}

	d := decideNotify(entry, val, now)
	switch {
	case d.Send:
		queue.Enqueue(ck, entry, val, d.Confirmable)
		scheduleTrigger(reg, store, sched, queue, ck, entry)
	case d.Wait > 0:
		scheduleTriggerAt(reg, store, sched, queue, ck, entry, d.Wait)
	default:
		scheduleTrigger(reg, store, sched, queue, ck, entry)
	}
}
