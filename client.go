package lwm2m

import (
	"context"
	"time"

	piondtls "github.com/pion/dtls/v2"
)

// Version is what GetVersion reports.
const Version = "0.1.0"

// GetVersion returns the library's version string.
func GetVersion() string { return Version }

// DTLSVersion enumerates the DTLS protocol versions a Config may request.
// The core only ever negotiates 1.2 today; the enum exists so a future
// pion/dtls upgrade to 1.3 support is a Config value, not an API break.
type DTLSVersion int

const (
	DTLSVersionAuto DTLSVersion = iota
	DTLSVersion1_2
)

// Config is the argument to New: everything needed to stand the library up
// before a single object is registered.
type Config struct {
	// EndpointName is the LwM2M Endpoint Client Name; required, non-empty.
	EndpointName string
	// UDPListenPort is the local port to bind; 0 lets the OS assign one.
	UDPListenPort uint16
	InBufferSize  int
	OutBufferSize int
	DTLSVersion   DTLSVersion
}

// Client is the library root: it owns the single Scheduler, the Data-Model
// Facade, the active-server list, and the Observation Store root, and is
// the handle every other public operation is called against. Not safe for
// concurrent use: every method must run on the same goroutine that drives
// Serve and SchedRun.
type Client struct {
	config     Config
	logger     Logger
	reg        *Registry
	sched      *Scheduler
	store      *ObservationStore
	queue      *NotifyQueue
	connMgr    *ConnectionManager
	dispatcher *Dispatcher
	regDriver  *RegistrationDriver
	servers    map[uint16]*ServerInfo
}

// New builds a Client from config. logger may be nil.
func New(config Config, logger Logger) (*Client, error) {
	if config.EndpointName == "" {
		return nil, errBadRequest("new: endpoint_name must be non-empty")
	}
	c := &Client{
		config:  config,
		logger:  logger,
		reg:     NewRegistry(),
		sched:   NewScheduler(time.Now),
		store:   NewObservationStore(),
		servers: map[uint16]*ServerInfo{},
	}
	c.connMgr = NewConnectionManager(logger)
	c.connMgr.sched = c.sched
	c.queue = NewNotifyQueue(c.sched, c.connMgr, c.serverState, c.store)
	c.dispatcher = NewDispatcher(c.reg, c.store, c.sched, c.queue, c.activeNonBootstrapServers, logger)
	c.regDriver = NewRegistrationDriver(c.sched, c.reg, c.connMgr, config.EndpointName, logger)
	return c, nil
}

// Close tears down every server connection and scheduled task. The Client
// must not be used afterwards.
func (c *Client) Close() {
	for ssid, si := range c.servers {
		c.regDriver.Deregister(si)
		c.store.DropConnection(c.sched, si.connKey())
		// Keep the session cache so a caller that serialized the
		// nontransient state before Close can resume after a restart.
		c.connMgr.Close(si.connKey(), true)
		delete(c.servers, ssid)
	}
}

// RegisterObject adds obj to the Data-Model Facade, notifies object-level
// observers of the instance-set change, and schedules a Registration
// Update so every server learns the new object link.
func (c *Client) RegisterObject(obj *ObjectDef) error {
	if err := c.reg.Register(obj); err != nil {
		return err
	}
	c.NotifyInstancesChanged(obj.OID)
	c.scheduleAllRegistrationUpdates()
	return nil
}

// UnregisterObject removes obj from the Data-Model Facade, drops every
// observation targeting its OID, and schedules a Registration Update so
// servers stop addressing it.
func (c *Client) UnregisterObject(obj *ObjectDef) bool {
	if !c.reg.Unregister(obj) {
		return false
	}
	var stale []ObserveKey
	for _, conn := range c.store.conns {
		for _, entry := range conn.byOID[obj.OID] {
			stale = append(stale, entry.Key)
		}
	}
	for _, key := range stale {
		c.store.Remove(c.sched, key)
	}
	c.NotifyInstancesChanged(obj.OID)
	c.scheduleAllRegistrationUpdates()
	return true
}

func (c *Client) scheduleAllRegistrationUpdates() {
	for ssid := range c.servers {
		if ssid != SSIDBootstrap {
			c.ScheduleRegistrationUpdate(ssid)
		}
	}
}

// SetQueueMode switches ssid's connection between Online and Queue mode.
func (c *Client) SetQueueMode(ssid uint16, enabled bool) {
	si, ok := c.servers[ssid]
	if !ok {
		return
	}
	si.QueueMode = enabled
	c.connMgr.SetQueueMode(si.connKey(), enabled)
}

// AddServer dials ssid's connection and starts the Registration Driver's
// Register/Update cycle against it. dtlsCfg is nil for plain UDP.
func (c *Client) AddServer(ctx context.Context, ssid uint16, address string, connType ConnType, dtlsCfg *piondtls.Config, lifetimeS int64, binding string) (*ServerInfo, error) {
	ck := ConnKey{SSID: ssid, ConnType: connType}
	if _, err := c.connMgr.Dial(ctx, ck, address, dtlsCfg); err != nil {
		return nil, err
	}
	si := &ServerInfo{
		SSID:                ssid,
		ConnType:            connType,
		RegistrationInfo:    RegistrationInfo{LifetimeS: lifetimeS},
		Binding:             binding,
		NotificationStoring: true,
	}
	c.servers[ssid] = si
	if ssid != SSIDBootstrap {
		c.regDriver.Start(si)
	}
	return si, nil
}

// RemoveServer deregisters ssid (best-effort), drops its connection and
// every observation on it, and forgets the server entirely.
func (c *Client) RemoveServer(ssid uint16) {
	si, ok := c.servers[ssid]
	if !ok {
		return
	}
	c.regDriver.Deregister(si)
	c.store.DropConnection(c.sched, si.connKey())
	c.connMgr.Close(si.connKey(), false)
	delete(c.servers, ssid)
}

// serverState implements the Notification Sender's delivery-policy query:
// a server is active while it is known and not deactivated by a failed
// Register, and its storing flag mirrors the Server Object's "Notification
// Storing When Disabled or Offline" resource.
func (c *Client) serverState(ck ConnKey) (active, storing bool) {
	si, ok := c.servers[ck.SSID]
	if !ok {
		return false, false
	}
	return !si.deactivated, si.NotificationStoring
}

func (c *Client) activeNonBootstrapServers() int {
	n := 0
	for ssid, si := range c.servers {
		if ssid != SSIDBootstrap && !si.deactivated {
			n++
		}
	}
	return n
}

// Serve runs one already-parsed CoAP message through the Request Parser &
// Dispatcher. Socket-attached callers (cmd/lwm2mclient) go through
// stream.go's coreMux instead, which decodes the wire message first.
func (c *Client) Serve(ssid uint16, connType ConnType, raw RawMessage) (*Response, error) {
	req, err := ParseRequest(ssid, connType, raw)
	if err != nil {
		return &Response{Code: errorResponseCode(err)}, err
	}
	return c.dispatcher.Serve(req)
}

// SchedRun runs every scheduler task whose deadline has passed.
func (c *Client) SchedRun() (int64, error) {
	return c.sched.Run()
}

// SchedTimeToNext returns the delay until the earliest pending task.
func (c *Client) SchedTimeToNext() (time.Duration, error) {
	return c.sched.TimeToNext()
}

// SchedCalculateWaitTimeMS is the poll-loop-friendly wrapper over
// SchedTimeToNext: milliseconds to block for, capped at limitMs.
func (c *Client) SchedCalculateWaitTimeMS(limitMs int32) int32 {
	return c.sched.CalculateWaitTimeMS(limitMs)
}

// NotifyChanged implements the event-driven path: the resource at
// (oid, iid, rid) changed; every matching observation across every server
// has its notify task re-armed to re-read and evaluate the current value.
func (c *Client) NotifyChanged(oid, iid, rid uint16) {
	NotifyChanged(c.reg, c.store, c.sched, c.queue, oid, iid, rid)
}

// NotifyInstancesChanged implements notify_instances_changed: an object's
// instance list changed (Create/Delete), so every observation at the
// object level (wildcard IID) for oid is re-evaluated immediately rather
// than waiting for its next pmax heartbeat. Re-arming through
// scheduleTriggerAt cancels the pending heartbeat first, so the entry
// keeps exactly one live task.
func (c *Client) NotifyInstancesChanged(oid uint16) {
	for ck, conn := range c.store.conns {
		for _, entry := range conn.byOID[oid] {
			if entry.Key.IID != WildcardIID {
				continue
			}
			scheduleTriggerAt(c.reg, c.store, c.sched, c.queue, ck, entry, 0)
		}
	}
}

// ScheduleRegistrationUpdate forces ssid's next Update to run on the next
// SchedRun instead of waiting for its normal lifetime/2 interval.
func (c *Client) ScheduleRegistrationUpdate(ssid uint16) {
	si, ok := c.servers[ssid]
	if !ok {
		return
	}
	c.sched.Del(si.SchedUpdateHandle)
	si.SchedUpdateHandle = c.sched.Sched(0, func() {
		c.regDriver.runUpdate(si)
	})
}

// ScheduleReconnect resumes every suspended connection and, for any server
// whose Register backoff is currently running, forces an immediate retry.
func (c *Client) ScheduleReconnect(ctx context.Context) {
	for ssid, si := range c.servers {
		si := si
		if si.deactivated {
			c.sched.Del(si.backoffHandle)
			si.backoffHandle = c.sched.Sched(0, func() {
				c.regDriver.register(si)
			})
			continue
		}
		if c.connMgr.IsSuspended(si.connKey()) {
			if err := c.connMgr.Resume(ctx, si.connKey()); err != nil {
				logf(c.logger, "client: reconnect ssid=%d failed: %v", ssid, err)
			}
		}
	}
}

// IsOffline reports whether every configured non-bootstrap server is
// currently deactivated (its Register backoff is running).
func (c *Client) IsOffline() bool {
	any := false
	for ssid, si := range c.servers {
		if ssid == SSIDBootstrap {
			continue
		}
		any = true
		if !si.deactivated {
			return false
		}
	}
	return any
}
