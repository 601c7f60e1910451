// Package lwm2m implements the server-facing core of an LwM2M client: the
// request dispatcher, observation/notification engine, attribute-inheritance
// resolver and cooperative scheduler that sit between a CoAP/DTLS transport
// and a pluggable object data model.
//
// The package is single-threaded and cooperative: every exported method must
// be called from the same goroutine that drives Handle.Serve and
// Handle.SchedRun, never re-entrantly from inside a callback.
package lwm2m
