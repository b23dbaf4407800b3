package upcall

import "fmt"

// ConnectionState tracks how far the session handshake has progressed. The
// zero value is WaitingServer.
type ConnectionState int

const (
	// WaitingServer: the CONNECT line was written and the server's OK
	// greeting is outstanding.
	WaitingServer ConnectionState = iota
	// WaitingService: the service-level handshake was sent and its reply
	// is outstanding.
	WaitingService
	// ServiceConnected: the session is idle and ready for a request.
	ServiceConnected
	// ServiceBusy: a request is in flight and its response is outstanding.
	ServiceBusy
	// ReconnectError: the reconnect budget is exhausted. Terminal; the
	// client must be rebuilt.
	ReconnectError
)

func (s ConnectionState) String() string {
	switch s {
	case WaitingServer:
		return "WaitingServer"
	case WaitingService:
		return "WaitingService"
	case ServiceConnected:
		return "ServiceConnected"
	case ServiceBusy:
		return "ServiceBusy"
	case ReconnectError:
		return "ReconnectError"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}
