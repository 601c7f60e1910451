package main

import (
	"sync"

	"github.com/sirupsen/logrus"

	lwm2m "github.com/lwm2m-go/core"
)

// deviceResources backs a single-instance Device object (OID 3): a handful
// of read-only resources plus a Reboot execute, enough to exercise Read,
// Discover and Execute against something real.
const (
	oidDevice         = 3
	ridManufacturer   = 0
	ridModelNumber    = 1
	ridReboot         = 4
	ridFirmwareVer    = 3
	oidServer         = 1
	ridServerShortID  = 0
	ridLifetime       = 1
	ridDefaultPmin    = 2
	ridDefaultPmax    = 3
	ridNotifyStoring  = 6
	ridBinding        = 7
)

type deviceObject struct {
	mu       sync.Mutex
	rebooted int
	log      *logrus.Entry
}

func registerDemoObjects(client *lwm2m.Client, log *logrus.Entry) {
	dev := &deviceObject{log: log}
	if err := client.RegisterObject(&lwm2m.ObjectDef{
		OID:           oidDevice,
		SupportedRIDs: []uint16{ridManufacturer, ridModelNumber, ridFirmwareVer, ridReboot},
		Handlers: lwm2m.ObjectHandlers{
			InstanceIt:      func(visit lwm2m.InstanceVisitor) int { return visit(0) },
			InstancePresent: func(iid uint16) int { return boolToInt(iid == 0) },
			ResourcePresent: func(iid, rid uint16) int { return boolToInt(iid == 0) },
			ResourceOperations: func(rid uint16) lwm2m.OpMask {
				if rid == ridReboot {
					return lwm2m.OpExecute
				}
				return lwm2m.OpRead
			},
			ResourceRead:    dev.read,
			ResourceExecute: dev.execute,
		},
	}); err != nil {
		log.WithError(err).Fatal("register device object")
	}

	srv := newServerObject()
	if err := client.RegisterObject(&lwm2m.ObjectDef{
		OID:           oidServer,
		SupportedRIDs: []uint16{ridServerShortID, ridLifetime, ridDefaultPmin, ridDefaultPmax, ridNotifyStoring, ridBinding},
		Handlers: lwm2m.ObjectHandlers{
			InstanceIt:                srv.instanceIt,
			InstancePresent:           srv.instancePresent,
			ResourcePresent:           srv.resourcePresent,
			ResourceRead:              srv.read,
			ResourceWrite:             srv.write,
			InstanceReadDefaultAttrs:  srv.readDefaultAttrs,
			InstanceWriteDefaultAttrs: srv.writeDefaultAttrs,
		},
	}); err != nil {
		log.WithError(err).Fatal("register server object")
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (d *deviceObject) read(iid, rid uint16) (lwm2m.Value, error) {
	switch rid {
	case ridManufacturer:
		return lwm2m.EncodeString("lwm2m-go"), nil
	case ridModelNumber:
		return lwm2m.EncodeString("core-demo"), nil
	case ridFirmwareVer:
		return lwm2m.EncodeString(lwm2m.GetVersion()), nil
	}
	return lwm2m.Value{}, nil
}

func (d *deviceObject) execute(iid, rid uint16, args *lwm2m.ExecArgs) error {
	if rid != ridReboot {
		return nil
	}
	d.mu.Lock()
	d.rebooted++
	d.log.WithField("count", d.rebooted).Info("device: reboot requested")
	d.mu.Unlock()
	return nil
}

// serverObject backs the Server object (OID 1) instance used to resolve
// Server-default attributes (attributes.go's serverDefaultAttrs) for SSID 14.
type serverObject struct {
	mu       sync.Mutex
	lifetime int64
	pmin     int32
	pmax     int32
	binding  string
	attrs    lwm2m.RequestAttributes
}

func newServerObject() *serverObject {
	return &serverObject{lifetime: 300, pmin: 1, pmax: 60, binding: "U"}
}

func (s *serverObject) instanceIt(visit lwm2m.InstanceVisitor) int { return visit(0) }
func (s *serverObject) instancePresent(iid uint16) int             { return boolToInt(iid == 0) }
func (s *serverObject) resourcePresent(iid, rid uint16) int        { return boolToInt(iid == 0) }

func (s *serverObject) read(iid, rid uint16) (lwm2m.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch rid {
	case ridServerShortID:
		return lwm2m.EncodePlaintextInt(14), nil
	case ridLifetime:
		return lwm2m.EncodePlaintextInt(s.lifetime), nil
	case ridDefaultPmin:
		return lwm2m.EncodePlaintextInt(int64(s.pmin)), nil
	case ridDefaultPmax:
		return lwm2m.EncodePlaintextInt(int64(s.pmax)), nil
	case ridBinding:
		return lwm2m.EncodeString(s.binding), nil
	}
	return lwm2m.Value{}, nil
}

func (s *serverObject) write(iid, rid uint16, v lwm2m.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch rid {
	case ridLifetime:
		n, err := lwm2m.DecodePlaintextInt(v.Bytes)
		if err != nil {
			return err
		}
		s.lifetime = n
	case ridDefaultPmin:
		n, err := lwm2m.DecodePlaintextInt(v.Bytes)
		if err != nil {
			return err
		}
		s.pmin = int32(n)
	case ridDefaultPmax:
		n, err := lwm2m.DecodePlaintextInt(v.Bytes)
		if err != nil {
			return err
		}
		s.pmax = int32(n)
	}
	return nil
}

func (s *serverObject) readDefaultAttrs(iid, ssid uint16) (lwm2m.RequestAttributes, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attrs, nil
}

func (s *serverObject) writeDefaultAttrs(iid, ssid uint16, attrs lwm2m.RequestAttributes) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attrs = attrs
	return nil
}
