package upcall

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by SendRequest while the session is
	// still handshaking or has exhausted its reconnect budget.
	ErrNotConnected = errors.New("upcall: not connected")
	// ErrBusy is returned by SendRequest while another request is in
	// flight.
	ErrBusy = errors.New("upcall: request in flight")
	// ErrAlreadyConnected is returned by a second call to Connect.
	ErrAlreadyConnected = errors.New("upcall: already connected")
)

// Exchange phases reported in OpError.Op.
const (
	OpServerConnect  = "server connect"
	OpServiceConnect = "service connect"
	OpSendRequest    = "send request"
	OpGetResponse    = "get response"
	OpReconnectTimer = "reconnect timer"
)

// OpError wraps an I/O failure from one phase of the upcall exchange.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string {
	return "upcall: " + e.Op + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error { return e.Err }

// InvalidMessageError reports a violation of the transport or service
// protocol, keeping the offending bytes for diagnostics.
type InvalidMessageError struct {
	Reason   string
	Received []byte
}

func (e *InvalidMessageError) Error() string {
	if len(e.Received) == 0 {
		return "upcall: invalid message: " + e.Reason
	}
	return fmt.Sprintf("upcall: invalid message: %s (received %q)", e.Reason, e.Received)
}
