package upcall

import "io"

// Request is a service-defined payload sent to the guest agent. The core
// never inspects it; the Service owns the encoding.
type Request interface {
	UpcallRequest()
}

// Response is a service-defined payload decoded from the guest agent.
type Response interface {
	UpcallResponse()
}

// Reset is the synthetic Response delivered to a pending callback when the
// connection drops before a real reply arrives.
type Reset struct{}

func (Reset) UpcallResponse() {}

// Callback receives the outcome of one request: the decoded Response on
// success or Reset on connection loss. It runs on the event-loop goroutine
// while the session lock is held, so it must return quickly and must not
// call back into the Client.
type Callback func(Response)

// Service adapts the session to one management protocol. ConnectionStart
// and ConnectionCheck perform the service-level handshake after the
// transport greeting; SendRequest and HandleResponse encode one exchange.
// The session sequences the calls and owns all locking; implementations
// just move bytes.
type Service interface {
	ConnectionStart(rw io.ReadWriter) error
	ConnectionCheck(rw io.ReadWriter) error
	SendRequest(rw io.ReadWriter, req Request) error
	HandleResponse(rw io.ReadWriter) (Response, error)
}
