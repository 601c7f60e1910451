// Command lwm2mclient is a demonstration device: it wires a UDP socket to
// the lwm2m core, registers a Device and Server object backed by in-memory
// state, and runs the serve/sched_run loop until interrupted.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/plgd-dev/go-coap/v2/mux"
	coapNet "github.com/plgd-dev/go-coap/v2/net"
	"github.com/plgd-dev/go-coap/v2/udp"
	"github.com/sirupsen/logrus"

	lwm2m "github.com/lwm2m-go/core"
)

// logrusAdapter satisfies lwm2m.Logger with structured fields, the way
// cmd/proxy/proxy.go's logger wraps logrus for the library-facing interface.
type logrusAdapter struct {
	*logrus.Entry
}

func (l logrusAdapter) Printf(format string, v ...interface{}) {
	l.Entry.Logf(logrus.DebugLevel, format, v...)
}

func main() {
	endpoint := flag.String("endpoint", "go-device-1", "LwM2M endpoint client name")
	listen := flag.String("listen", ":5683", "UDP listen address")
	serverAddr := flag.String("server", "127.0.0.1:5684", "LwM2M Server address")
	lifetime := flag.Int64("lifetime", 300, "registration lifetime in seconds")
	diagPath := flag.String("diagnostics", "", "path to write a JSON diagnostics snapshot; empty disables it")
	flag.Parse()

	log := logrus.New()
	entry := log.WithField("endpoint", *endpoint)

	client, err := lwm2m.New(lwm2m.Config{
		EndpointName:  *endpoint,
		InBufferSize:  4096,
		OutBufferSize: 4096,
	}, logrusAdapter{entry})
	if err != nil {
		entry.WithError(err).Fatal("new client")
	}
	defer client.Close()

	registerDemoObjects(client, entry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connFor := func(mux.Client) (uint16, lwm2m.ConnType) { return 14, lwm2m.ConnUDP }
	r := mux.NewRouter()
	r.DefaultHandle(client.CoreHandler(connFor))

	l, err := coapNet.NewListenUDP("udp", *listen)
	if err != nil {
		entry.WithError(err).Fatal("listen udp")
	}
	s := udp.NewServer(udp.WithMux(r))
	defer s.Close()
	go func() {
		if err := s.Serve(l); err != nil {
			entry.WithError(err).Error("coap server stopped")
		}
	}()

	if _, err := client.AddServer(ctx, 14, *serverAddr, lwm2m.ConnUDP, nil, *lifetime, "U"); err != nil {
		entry.WithError(err).Error("add server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-sigCh:
			entry.Info("shutting down")
			return
		default:
		}
		if _, err := client.SchedRun(); err != nil {
			entry.WithError(err).Warn("sched_run")
		}
		if *diagPath != "" {
			writeDiagnostics(client, *diagPath, entry)
		}
		wait := client.SchedCalculateWaitTimeMS(1000)
		time.Sleep(time.Duration(wait) * time.Millisecond)
	}
}

func writeDiagnostics(client *lwm2m.Client, path string, log *logrus.Entry) {
	b, err := client.Snapshot()
	if err != nil {
		log.WithError(err).Warn("snapshot")
		return
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		log.WithError(err).Warn("write diagnostics")
	}
}
