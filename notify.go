package lwm2m

import "time"

// NotifySender is the Connection Manager collaborator that actually puts a
// notify on the wire; connection.go implements it.
type NotifySender interface {
	SendNotify(ck ConnKey, entry *ObserveEntry, value Value, confirmable bool) error
}

// ServerStateFunc reports a server's current delivery state: whether it is
// active (registered, not sitting in a Register backoff) and whether its
// "Notification Storing When Disabled or Offline" resource asks for unsent
// notifications to be kept while it is not.
type ServerStateFunc func(ck ConnKey) (active, storing bool)

type pendingNotify struct {
	ck          ConnKey
	entry       *ObserveEntry
	value       Value
	confirmable bool
}

// NotifyQueue batches the notifies decideNotify produces across a single
// scheduler tick so that several resources changing together collapse into
// one flush instead of one socket write per change.
type NotifyQueue struct {
	sched       *Scheduler
	sender      NotifySender
	serverState ServerStateFunc
	store       *ObservationStore
	items       []pendingNotify
	flushTask   *SchedHandle
}

// NewNotifyQueue builds an empty queue bound to sched for coalescing and
// sender for delivery. serverState may be nil, in which case every server
// is treated as active with storing enabled. store, when set, lets the
// flush retire an entry whose queued value is an error report.
func NewNotifyQueue(sched *Scheduler, sender NotifySender, serverState ServerStateFunc, store *ObservationStore) *NotifyQueue {
	return &NotifyQueue{sched: sched, sender: sender, serverState: serverState, store: store}
}

// Enqueue stages a notify and, if nothing is flushing yet, schedules one for
// the next Run (sched_flush): a zero-delay task so everything queued in the
// current call stack goes out together on the next scheduler pass.
func (q *NotifyQueue) Enqueue(ck ConnKey, entry *ObserveEntry, value Value, confirmable bool) {
	q.items = append(q.items, pendingNotify{ck: ck, entry: entry, value: value, confirmable: confirmable})
	if q.flushTask == nil {
		q.flushTask = q.sched.Sched(0, func() {
			q.flushTask = nil
			q.flush()
		})
	}
}

// flush implements flush_send_queue. Per connection: an inactive server
// with storing enabled keeps its items queued for the next flush; with
// storing disabled they are dropped on the floor. A send error likewise
// drops the remainder of that connection's queue unless storing is enabled.
// An entry whose sent value was an error report is removed after the send.
func (q *NotifyQueue) flush() {
	items := q.items
	q.items = nil
	now := time.Now()
	dropped := map[ConnKey]bool{}
	for _, p := range items {
		if dropped[p.ck] {
			continue
		}
		active, storing := true, true
		if q.serverState != nil {
			active, storing = q.serverState(p.ck)
		}
		if !active {
			if storing {
				q.items = append(q.items, p)
			}
			continue
		}
		if err := q.sender.SendNotify(p.ck, p.entry, p.value, p.confirmable); err != nil {
			if !storing {
				dropped[p.ck] = true
			}
			continue
		}
		p.entry.recordSent(p.value, now, p.confirmable)
		if p.entry.Errored && q.store != nil {
			q.store.Remove(q.sched, p.entry.Key)
		}
	}
}

// Len reports the number of staged, not-yet-flushed notifies.
func (q *NotifyQueue) Len() int { return len(q.items) }

// NotifyChanged implements the change-triggered path: every observe
// entry (across every server connection) that matches (oid, iid, rid) has
// its notify task cancelled and re-armed to fire immediately. The trigger
// re-reads the resource's current value at fire time, so several changes
// inside one pmin window collapse into a single evaluation that sees the
// live value, never a stale snapshot captured at the change event.
func NotifyChanged(reg *Registry, store *ObservationStore, sched *Scheduler, queue *NotifyQueue, oid, iid, rid uint16) {
	for ck, conn := range store.conns {
		for _, entry := range conn.match(oid, iid, rid) {
			scheduleTriggerAt(reg, store, sched, queue, ck, entry, 0)
		}
	}
}
