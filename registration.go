package lwm2m

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/plgd-dev/go-coap/v2/message"
	"github.com/plgd-dev/go-coap/v2/message/codes"
	"github.com/plgd-dev/go-coap/v2/udp/message/pool"
)

// RegistrationInfo is the Registration Driver's view of a server's current
// lease: the Lifetime resource value and when the next Update is due.
type RegistrationInfo struct {
	LifetimeS      int64
	NextUpdateTime time.Time
}

// registrationSnapshot is what the driver last sent a server, used to diff
// a pending Update so it only carries what actually changed.
type registrationSnapshot struct {
	lifetimeS int64
	binding   string
	links     string
}

// ServerInfo is one active server: its connection identity, registration
// lease, and the Registration Driver's own bookkeeping.
type ServerInfo struct {
	SSID              uint16
	ConnType          ConnType
	RegistrationInfo  RegistrationInfo
	SchedUpdateHandle *SchedHandle
	Location          string
	Binding           string
	// NotificationStoring mirrors the Server Object's "Notification Storing
	// When Disabled or Offline" resource: while the server is inactive,
	// unsent notifications are kept queued when true and dropped when false.
	NotificationStoring bool
	// QueueMode keeps the server's socket closed between exchanges; the
	// Connection Manager reopens it on demand and schedules a suspend
	// max_transmit_wait after the last exchange.
	QueueMode bool

	lastRegistered registrationSnapshot
	backoffHandle  *SchedHandle
	deactivated    bool
}

func (si *ServerInfo) connKey() ConnKey {
	return ConnKey{SSID: si.SSID, ConnType: si.ConnType}
}

// RegistrationDriver owns the per-server Register/Update/Deregister timing
// (§4.9): one scheduled update per active server, lifetime/2-spaced and
// clamped to >= 1s, with an exponential backoff (1s, 120s) when Register
// itself fails. bootstrapReconnect, if set, is called instead of the usual
// Update path when the Bootstrap server's entry comes due, since the
// Bootstrap interface's actual semantics are an external collaborator.
type RegistrationDriver struct {
	sched              *Scheduler
	reg                *Registry
	connMgr            *ConnectionManager
	logger             Logger
	endpointName       string
	bootstrapReconnect func(*ServerInfo)
}

// NewRegistrationDriver wires a driver to its collaborators. endpointName
// is the LwM2M Endpoint Client Name carried in every Register's ep= query.
func NewRegistrationDriver(sched *Scheduler, reg *Registry, connMgr *ConnectionManager, endpointName string, logger Logger) *RegistrationDriver {
	return &RegistrationDriver{sched: sched, reg: reg, connMgr: connMgr, endpointName: endpointName, logger: logger}
}

// updateInterval implements "update interval = lifetime / 2, clamped to >= 1s".
func updateInterval(lifetimeS int64) time.Duration {
	iv := time.Duration(lifetimeS/2) * time.Second
	if iv < time.Second {
		iv = time.Second
	}
	return iv
}

// Start performs the initial Register for si and, on success, arms its
// first scheduled Update.
func (d *RegistrationDriver) Start(si *ServerInfo) {
	d.register(si)
}

// ScheduleUpdate arms si's next Update at lifetime/2 from now, cancelling
// whatever update or backoff retry was previously pending.
func (d *RegistrationDriver) ScheduleUpdate(si *ServerInfo) {
	d.sched.Del(si.SchedUpdateHandle)
	d.sched.Del(si.backoffHandle)
	iv := updateInterval(si.RegistrationInfo.LifetimeS)
	si.RegistrationInfo.NextUpdateTime = time.Now().Add(iv)
	si.SchedUpdateHandle = d.sched.Sched(iv, func() {
		d.runUpdate(si)
	})
}

func (d *RegistrationDriver) runUpdate(si *ServerInfo) {
	if si.SSID == SSIDBootstrap {
		if d.bootstrapReconnect != nil {
			d.bootstrapReconnect(si)
		}
		return
	}
	if err := d.update(si); err != nil {
		logf(d.logger, "registration: update ssid=%d failed, re-registering: %v", si.SSID, err)
		d.register(si)
		return
	}
	d.ScheduleUpdate(si)
}

// register performs a full Register exchange. Failure deactivates the
// server and retries with a (1s, 120s) exponential backoff until it
// succeeds.
func (d *RegistrationDriver) register(si *ServerInfo) {
	d.sched.Del(si.backoffHandle)
	si.backoffHandle = d.sched.SchedRetryable(time.Second, Backoff{Initial: time.Second, Max: 120 * time.Second}, func() error {
		if err := d.doRegister(si); err != nil {
			si.deactivated = true
			logf(d.logger, "registration: register ssid=%d failed: %v", si.SSID, err)
			return err
		}
		si.deactivated = false
		d.ScheduleUpdate(si)
		return nil
	})
}

func (d *RegistrationDriver) doRegister(si *ServerInfo) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	links := buildRegistrationLinks(d.reg)
	req := pool.AcquireMessage(ctx)
	defer pool.ReleaseMessage(req)
	req.SetCode(codes.POST)
	req.SetType(message.Confirmable)
	req.SetToken(d.connMgr.idGen.nextToken())
	req.SetContentFormat(message.AppLinkFormat)
	req.SetBody(bytes.NewReader(links))
	if err := req.SetPath("/rd"); err != nil {
		return err
	}
	req.AddQuery(fmt.Sprintf("ep=%s", d.endpointName))
	req.AddQuery(fmt.Sprintf("lt=%d", si.RegistrationInfo.LifetimeS))
	if si.Binding != "" {
		req.AddQuery(fmt.Sprintf("b=%s", si.Binding))
	}

	resp, err := d.connMgr.Do(ctx, si.connKey(), req)
	if err != nil {
		return err
	}
	if resp.Code() != codes.Created {
		return fmt.Errorf("registration: register ssid=%d rejected: %v", si.SSID, resp.Code())
	}
	if path, err := resp.Options().Path(); err == nil {
		si.Location = path
	}
	si.lastRegistered = registrationSnapshot{lifetimeS: si.RegistrationInfo.LifetimeS, binding: si.Binding, links: string(links)}
	return nil
}

// update performs a diffing Update exchange: only the fields that changed
// since lastRegistered are sent. A rejected Update (4.04) is reported back
// to the caller so runUpdate can promote to a full Register.
func (d *RegistrationDriver) update(si *ServerInfo) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	links := buildRegistrationLinks(d.reg)
	changedLinks := string(links) != si.lastRegistered.links
	changedLifetime := si.RegistrationInfo.LifetimeS != si.lastRegistered.lifetimeS
	changedBinding := si.Binding != si.lastRegistered.binding

	req := pool.AcquireMessage(ctx)
	defer pool.ReleaseMessage(req)
	req.SetCode(codes.POST)
	req.SetType(message.Confirmable)
	req.SetToken(d.connMgr.idGen.nextToken())
	if err := req.SetPath(si.Location); err != nil {
		return err
	}
	if changedLifetime {
		req.AddQuery(fmt.Sprintf("lt=%d", si.RegistrationInfo.LifetimeS))
	}
	if changedBinding {
		req.AddQuery(fmt.Sprintf("b=%s", si.Binding))
	}
	if changedLinks {
		req.SetContentFormat(message.AppLinkFormat)
		req.SetBody(bytes.NewReader(links))
	}

	resp, err := d.connMgr.Do(ctx, si.connKey(), req)
	if err != nil {
		return err
	}
	if resp.Code() == codes.NotFound {
		return fmt.Errorf("registration: update ssid=%d: server no longer recognizes registration", si.SSID)
	}
	if resp.Code() != codes.Changed {
		return fmt.Errorf("registration: update ssid=%d rejected: %v", si.SSID, resp.Code())
	}
	si.lastRegistered = registrationSnapshot{lifetimeS: si.RegistrationInfo.LifetimeS, binding: si.Binding, links: string(links)}
	return nil
}

// Deregister sends a best-effort DELETE of si's registration and tears down
// its scheduled update; failures are logged, never returned, since the
// caller is already unregistering the server regardless.
func (d *RegistrationDriver) Deregister(si *ServerInfo) {
	d.sched.Del(si.SchedUpdateHandle)
	d.sched.Del(si.backoffHandle)
	if si.Location == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req := pool.AcquireMessage(ctx)
	defer pool.ReleaseMessage(req)
	req.SetCode(codes.DELETE)
	req.SetType(message.Confirmable)
	req.SetToken(d.connMgr.idGen.nextToken())
	if err := req.SetPath(si.Location); err != nil {
		logf(d.logger, "registration: deregister ssid=%d: %v", si.SSID, err)
		return
	}
	if _, err := d.connMgr.Do(ctx, si.connKey(), req); err != nil {
		logf(d.logger, "registration: deregister ssid=%d: %v", si.SSID, err)
	}
}

// buildRegistrationLinks renders the "short object-link listing" of §4.9:
// every registered object and its present instances, reusing the same
// Link-Format rendering Discover uses.
func buildRegistrationLinks(reg *Registry) []byte {
	b, err := renderDiscover(reg, RootPath(), SSIDAny)
	if err != nil {
		return nil
	}
	return b
}
