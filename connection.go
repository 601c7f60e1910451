package lwm2m

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"net"
	"time"

	piondtls "github.com/pion/dtls/v2"
	"github.com/plgd-dev/go-coap/v2/dtls"
	"github.com/plgd-dev/go-coap/v2/message"
	"github.com/plgd-dev/go-coap/v2/message/codes"
	"github.com/plgd-dev/go-coap/v2/udp"
	"github.com/plgd-dev/go-coap/v2/udp/client"
	"github.com/plgd-dev/go-coap/v2/udp/message/pool"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// TxParams are the CoAP transmission parameters (RFC 7252 §4.8) the
// Connection Manager derives its Queue Mode timing from.
type TxParams struct {
	AckTimeout      time.Duration
	MaxRetransmit   int
	AckRandomFactor float64
}

// DefaultTxParams are the RFC 7252 defaults.
var DefaultTxParams = TxParams{
	AckTimeout:      2 * time.Second,
	MaxRetransmit:   4,
	AckRandomFactor: 1.5,
}

// MaxTransmitWait is how long a confirmable exchange can possibly stay in
// flight: ack_timeout * (2^(max_retransmit+1) - 1) * ack_random_factor. A
// Queue Mode socket is suspended this long after its last exchange, since
// by then no retransmission of anything it sent can still arrive.
func (p TxParams) MaxTransmitWait() time.Duration {
	spans := math.Pow(2, float64(p.MaxRetransmit+1)) - 1
	return time.Duration(float64(p.AckTimeout) * spans * p.AckRandomFactor)
}

// NontransientState is the part of a connection that survives suspension
// and, if the caller serializes it, reboots: the DTLS session blob the
// library's session cache produced (an opaque byte string owned by
// pion/dtls) and the last bound local port, so a resumed socket presents
// the same 5-tuple to a NAT'd server.
type NontransientState struct {
	DTLSSessionBlob []byte
	LastLocalPort   int
}

// sessionCache adapts NontransientState to pion/dtls's SessionStore so a
// redial can offer the previous session for resumption. It also records
// whether the handshake actually hit the cache, which is the
// "session_resumed" flag the Connection Manager reports.
type sessionCache struct {
	session piondtls.Session
	hit     bool
}

func (c *sessionCache) Set(key []byte, s piondtls.Session) error {
	c.session = s
	return nil
}

func (c *sessionCache) Get(key []byte) (piondtls.Session, error) {
	if len(c.session.ID) > 0 {
		c.hit = true
	}
	return c.session, nil
}

func (c *sessionCache) Del(key []byte) error {
	c.session = piondtls.Session{}
	return nil
}

// blob renders the cached session as the opaque persistable byte string of
// NontransientState: a length-prefixed ID followed by the secret.
func (c *sessionCache) blob() []byte {
	if len(c.session.ID) == 0 {
		return nil
	}
	out := make([]byte, 0, 2+len(c.session.ID)+len(c.session.Secret))
	out = append(out, byte(len(c.session.ID)>>8), byte(len(c.session.ID)))
	out = append(out, c.session.ID...)
	out = append(out, c.session.Secret...)
	return out
}

func sessionFromBlob(b []byte) (piondtls.Session, bool) {
	if len(b) < 2 {
		return piondtls.Session{}, false
	}
	n := int(b[0])<<8 | int(b[1])
	if len(b) < 2+n {
		return piondtls.Session{}, false
	}
	return piondtls.Session{ID: b[2 : 2+n], Secret: b[2+n:]}, true
}

// ConnMode is a connection's operating mode.
type ConnMode int

const (
	ModeDisabled ConnMode = iota
	ModeOnline
	ModeQueue
)

// ServerConn is one live socket to a registered LwM2M Server, UDP or DTLS.
// Queue Mode suspends it between exchanges instead of tearing it down, so
// Resume only needs to redial.
type ServerConn struct {
	Key          ConnKey
	Address      string
	Mode         ConnMode
	Nontransient NontransientState

	dtlsCfg        *piondtls.Config // nil for plain UDP
	cc             *client.ClientConn
	cache          sessionCache
	suspended      bool
	sessionResumed bool
	suspendTask    *SchedHandle
}

// ConnectionManager owns every server's socket: dial/suspend/resume,
// DTLS handshakes via pion/dtls, Queue Mode suspension timing, and the
// address-family nuance golang.org/x/net's ipv4/ipv6 packages exist for
// (setting socket options on whichever family the remote endpoint
// actually resolves to, instead of trusting an IPv4-mapped-IPv6 view).
type ConnectionManager struct {
	conns    map[ConnKey]*ServerConn
	idGen    *idGenerator
	logger   Logger
	sched    *Scheduler
	txParams TxParams
}

// NewConnectionManager builds an empty manager.
func NewConnectionManager(logger Logger) *ConnectionManager {
	return &ConnectionManager{
		conns:    map[ConnKey]*ServerConn{},
		idGen:    newIDGenerator(),
		logger:   logger,
		txParams: DefaultTxParams,
	}
}

// Dial opens (or re-dials) the socket for ck, performing a DTLS handshake
// when dtlsCfg is non-nil. A previously cached DTLS session is offered for
// resumption; SessionResumed reports whether the server took it.
func (m *ConnectionManager) Dial(ctx context.Context, ck ConnKey, address string, dtlsCfg *piondtls.Config) (*ServerConn, error) {
	sc, ok := m.conns[ck]
	if !ok {
		sc = &ServerConn{Key: ck, Address: address, Mode: ModeOnline}
		m.conns[ck] = sc
	}
	sc.Address = address
	sc.dtlsCfg = dtlsCfg
	sc.cache.hit = false

	var cc *client.ClientConn
	var err error
	if dtlsCfg != nil {
		cfg := *dtlsCfg
		cfg.SessionStore = &sc.cache
		if s, ok := sessionFromBlob(sc.Nontransient.DTLSSessionBlob); ok && len(sc.cache.session.ID) == 0 {
			sc.cache.session = s
		}
		cc, err = dtls.Dial(address, &cfg)
	} else {
		cc, err = udp.Dial(address)
	}
	if err != nil {
		return nil, errInternalWrap(fmt.Sprintf("dial %s", address), err)
	}
	setFamilySocketOptions(cc)
	sc.cc = cc
	sc.suspended = false
	sc.sessionResumed = dtlsCfg != nil && sc.cache.hit
	sc.Nontransient.DTLSSessionBlob = sc.cache.blob()
	if la, ok := cc.NetConn().LocalAddr().(*net.UDPAddr); ok {
		sc.Nontransient.LastLocalPort = la.Port
	}
	logf(m.logger, "connection: dialed %s (ssid=%d conn_type=%d resumed=%v)", address, ck.SSID, ck.ConnType, sc.sessionResumed)
	return sc, nil
}

// setFamilySocketOptions applies socket options through golang.org/x/net's
// family-specific wrappers, choosing ipv4 vs ipv6 from the remote
// endpoint's real address family rather than an IPv4-mapped view.
// Best-effort: not every platform honours these, and a failure is not a
// reason to fail the dial.
func setFamilySocketOptions(cc *client.ClientConn) {
	pc, ok := cc.NetConn().(*net.UDPConn)
	if !ok {
		return
	}
	ra, ok := pc.RemoteAddr().(*net.UDPAddr)
	if !ok {
		return
	}
	if ra.IP.To4() != nil {
		_ = ipv4.NewConn(pc).SetTOS(0)
		return
	}
	_ = ipv6.NewConn(pc).SetTrafficClass(0)
}

// SetQueueMode switches ck between Online and Queue mode. Entering Queue
// mode arms the suspend timer immediately; leaving it cancels any pending
// suspension.
func (m *ConnectionManager) SetQueueMode(ck ConnKey, enabled bool) {
	sc, ok := m.conns[ck]
	if !ok {
		return
	}
	if enabled {
		sc.Mode = ModeQueue
		m.armSuspend(sc)
		return
	}
	sc.Mode = ModeOnline
	if m.sched != nil {
		m.sched.Del(sc.suspendTask)
	}
}

// armSuspend (re)schedules ck's Queue Mode suspension for max_transmit_wait
// from now. Called after every exchange so the socket only closes once the
// connection has been idle that long.
func (m *ConnectionManager) armSuspend(sc *ServerConn) {
	if sc.Mode != ModeQueue || m.sched == nil {
		return
	}
	m.sched.Del(sc.suspendTask)
	ck := sc.Key
	sc.suspendTask = m.sched.Sched(m.txParams.MaxTransmitWait(), func() {
		m.Suspend(ck)
	})
}

// Suspend implements Queue Mode's idle behaviour: the connection is
// closed but kept addressable, so a later Resume just redials.
func (m *ConnectionManager) Suspend(ck ConnKey) {
	sc, ok := m.conns[ck]
	if !ok || sc.suspended {
		return
	}
	if m.sched != nil {
		m.sched.Del(sc.suspendTask)
	}
	if sc.cc != nil {
		_ = sc.cc.Close()
		sc.cc = nil
	}
	sc.suspended = true
	logf(m.logger, "connection: suspended ssid=%d", ck.SSID)
}

// Resume re-dials a suspended connection, offering the cached DTLS session
// for resumption.
func (m *ConnectionManager) Resume(ctx context.Context, ck ConnKey) error {
	sc, ok := m.conns[ck]
	if !ok {
		return errNotFound("no connection registered for server")
	}
	if !sc.suspended {
		return nil
	}
	_, err := m.Dial(ctx, ck, sc.Address, sc.dtlsCfg)
	if err == nil {
		m.armSuspend(sc)
	}
	return err
}

// Close shuts ck's socket down. With keepSession the connection stays
// registered with its DTLS session cache and nontransient state intact, so
// a later Dial or Resume offers the old session for resumption; without it
// the connection is dropped from the manager entirely, cached session
// included (server deregistered, or reconnecting with a fresh identity).
func (m *ConnectionManager) Close(ck ConnKey, keepSession bool) {
	sc, ok := m.conns[ck]
	if !ok {
		return
	}
	if m.sched != nil {
		m.sched.Del(sc.suspendTask)
	}
	if sc.cc != nil {
		_ = sc.cc.Close()
		sc.cc = nil
	}
	if keepSession {
		sc.suspended = true
		return
	}
	delete(m.conns, ck)
}

// IsSuspended reports whether ck is currently in Queue Mode suspension.
func (m *ConnectionManager) IsSuspended(ck ConnKey) bool {
	sc, ok := m.conns[ck]
	return ok && sc.suspended
}

// SessionResumed reports whether ck's most recent DTLS handshake resumed a
// cached session instead of running a full one.
func (m *ConnectionManager) SessionResumed(ck ConnKey) bool {
	sc, ok := m.conns[ck]
	return ok && sc.sessionResumed
}

// Nontransient returns ck's persistable state; the caller may serialize it
// to survive reboots and seed it back through SeedNontransient.
func (m *ConnectionManager) Nontransient(ck ConnKey) (NontransientState, bool) {
	sc, ok := m.conns[ck]
	if !ok {
		return NontransientState{}, false
	}
	return sc.Nontransient, true
}

// SeedNontransient installs persisted state for ck ahead of its first Dial.
func (m *ConnectionManager) SeedNontransient(ck ConnKey, st NontransientState) {
	sc, ok := m.conns[ck]
	if !ok {
		sc = &ServerConn{Key: ck, Mode: ModeOnline}
		m.conns[ck] = sc
	}
	sc.Nontransient = st
}

// Do sends a confirmable request on ck and waits for its response,
// resuming a suspended connection first if necessary, and re-arming the
// Queue Mode suspend timer afterwards.
func (m *ConnectionManager) Do(ctx context.Context, ck ConnKey, req *pool.Message) (*pool.Message, error) {
	sc, ok := m.conns[ck]
	if !ok {
		return nil, errNotFound("no connection registered for server")
	}
	if sc.suspended {
		if err := m.Resume(ctx, ck); err != nil {
			return nil, err
		}
	}
	resp, err := sc.cc.Do(req)
	m.armSuspend(sc)
	return resp, err
}

// SendNotify implements NotifySender (notify.go): it renders entry's
// notify as a CoAP message carrying the Observe sequence number and writes
// it to ck's live connection, escalating to a confirmable exchange when
// asked. A suspended Queue Mode connection is resumed first, and the
// suspend timer re-armed after the send.
func (m *ConnectionManager) SendNotify(ck ConnKey, entry *ObserveEntry, value Value, confirmable bool) error {
	sc, ok := m.conns[ck]
	if !ok {
		return errInternal("connection not available for notify")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if sc.suspended {
		if err := m.Resume(ctx, ck); err != nil {
			return err
		}
	}

	code := value.Code
	if code == 0 {
		code = codes.Content
	}
	msg := pool.AcquireMessage(ctx)
	defer pool.ReleaseMessage(msg)
	msg.SetCode(code)
	msg.SetToken(entry.Token)
	if code == codes.Content {
		msg.SetBody(bytes.NewReader(value.Bytes))
		msg.SetContentFormat(message.MediaType(contentFormatWire(value.Format)))
	}
	msg.SetObserve(m.idGen.nextObserve())
	// The assigned message id is committed back to the entry so a later
	// RST quoting it cancels exactly this observation (remove_by_msg_id).
	mid := m.idGen.nextMsgID()
	msg.SetMessageID(int32(mid))

	if confirmable {
		msg.SetType(message.Confirmable)
		if _, err := sc.cc.Do(msg); err != nil {
			return err
		}
		entry.MsgID = mid
		m.armSuspend(sc)
		return nil
	}
	msg.SetType(message.NonConfirmable)
	if err := sc.cc.WriteMessage(msg); err != nil {
		return err
	}
	entry.MsgID = mid
	m.armSuspend(sc)
	return nil
}
