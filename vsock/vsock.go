//go:build linux

// Package vsock provides the host side of the guest socket transport used by
// the upcall client: a byte-stream abstraction over pollable descriptors and
// an in-process backend that terminates guest connections inside the VMM.
package vsock

import "io"

// Stream is a single host-guest connection. Its descriptor can be handed to
// a readiness dispatcher, so reads may be deferred until the stream becomes
// readable. Streams are not safe for concurrent use; callers serialize
// access themselves.
type Stream interface {
	io.ReadWriter
	io.Closer

	// Fd returns the pollable descriptor backing the stream.
	Fd() int
	// SetNonblocking switches the descriptor between blocking and
	// non-blocking I/O.
	SetNonblocking(nonblocking bool) error
}

// Connector opens streams to the guest endpoint of the transport.
type Connector interface {
	Connect() (Stream, error)
}
