package upcall

import (
	"errors"
	"io"
	"strconv"
	"sync"

	"github.com/tinyrange/upcall/internal/trace"
	"github.com/tinyrange/upcall/vsock"
)

var sessionTrace = trace.WithSource("upcall.session")

// session is the single source of truth for one upcall connection. The
// stream, the handshake state and the pending callback form one invariant
// and move together under mu; every method below assumes the caller already
// holds mu.
type session struct {
	mu sync.Mutex

	cfg       Config
	connector vsock.Connector
	service   Service

	// stream is nil exactly while a reconnect is pending or the session
	// is in ReconnectError.
	stream   vsock.Stream
	state    ConnectionState
	callback Callback
}

func newSession(cfg Config, connector vsock.Connector, service Service) *session {
	return &session{
		cfg:       cfg,
		connector: connector,
		service:   service,
		state:     WaitingServer,
	}
}

// serverConnectionStart opens a fresh connection, switches it to
// non-blocking I/O and writes the CONNECT line. The previous stream, if
// any, is replaced and closed only once the new one is fully set up; a new
// stream whose handshake write fails is closed, not stored.
func (s *session) serverConnectionStart() error {
	stream, err := s.connector.Connect()
	if err != nil {
		return &OpError{Op: OpServerConnect, Err: err}
	}
	if err := stream.SetNonblocking(true); err != nil {
		stream.Close()
		return &OpError{Op: OpServerConnect, Err: err}
	}

	line := "CONNECT " + strconv.FormatUint(uint64(s.cfg.ServerPort), 10) + "\n"
	if _, err := io.WriteString(stream, line); err != nil {
		stream.Close()
		return &OpError{Op: OpServerConnect, Err: err}
	}
	sessionTrace.Bytes([]byte(line))

	if s.stream != nil {
		s.stream.Close()
	}
	s.stream = stream
	return nil
}

// serverConnectionCheck reads the server greeting. Anything other than a
// reply of more than two bytes starting with "OK" is a protocol violation.
func (s *session) serverConnectionCheck() error {
	buf := make([]byte, s.cfg.ReadBufferSize)
	n, err := s.stream.Read(buf)
	if err != nil {
		return &OpError{Op: OpServerConnect, Err: err}
	}
	sessionTrace.Bytes(buf[:n])

	if n <= 2 || buf[0] != 'O' || buf[1] != 'K' {
		return &InvalidMessageError{Reason: "server greeting", Received: buf[:n]}
	}
	return nil
}

func (s *session) serviceConnectionStart() error {
	return wrapServiceErr(OpServiceConnect, s.service.ConnectionStart(s.stream))
}

func (s *session) serviceConnectionCheck() error {
	return wrapServiceErr(OpServiceConnect, s.service.ConnectionCheck(s.stream))
}

func (s *session) sendRequest(req Request) error {
	return wrapServiceErr(OpSendRequest, s.service.SendRequest(s.stream, req))
}

func (s *session) handleResponse() (Response, error) {
	resp, err := s.service.HandleResponse(s.stream)
	if err != nil {
		return nil, wrapServiceErr(OpGetResponse, err)
	}
	return resp, nil
}

// setState is the sole mutator of state.
func (s *session) setState(state ConnectionState) {
	if state != s.state {
		sessionTrace.State(s.state.String(), state.String())
	}
	s.state = state
}

// setCallback stores the completion callback for the in-flight request.
func (s *session) setCallback(cb Callback) {
	s.callback = cb
}

// consumeCallback takes the stored callback, if any, and fires it with
// resp. The take happens before the call, so a callback can never run
// twice. Consuming with no callback stored is a no-op.
func (s *session) consumeCallback(resp Response) {
	cb := s.callback
	s.callback = nil
	if cb != nil {
		cb(resp)
	}
}

// wrapServiceErr tags a service failure with the exchange phase it happened
// in. Errors the service already categorized pass through unchanged so the
// protocol-violation kind survives.
func wrapServiceErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var opErr *OpError
	var invalid *InvalidMessageError
	if errors.As(err, &opErr) || errors.As(err, &invalid) {
		return err
	}
	return &OpError{Op: op, Err: err}
}
