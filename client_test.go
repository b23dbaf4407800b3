package upcall

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/tinyrange/upcall/eventloop"
	"github.com/tinyrange/upcall/vsock"
)

// fakeService is a scriptable Service whose wire format is one opaque line
// per exchange. Methods that run on socket readiness drain the socket so
// level-triggered polling settles between steps.
type fakeService struct {
	startErr  error
	checkErr  error
	sendErr   error
	handleErr error
	resp      Response

	starts, checks, sends, handles int
}

func (f *fakeService) ConnectionStart(rw io.ReadWriter) error {
	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	_, err := rw.Write([]byte("SVC HELLO\n"))
	return err
}

func (f *fakeService) ConnectionCheck(rw io.ReadWriter) error {
	f.checks++
	buf := make([]byte, 64)
	if _, err := rw.Read(buf); err != nil {
		return err
	}
	return f.checkErr
}

func (f *fakeService) SendRequest(rw io.ReadWriter, req Request) error {
	f.sends++
	if f.sendErr != nil {
		return f.sendErr
	}
	_, err := rw.Write([]byte("SVC REQ\n"))
	return err
}

func (f *fakeService) HandleResponse(rw io.ReadWriter) (Response, error) {
	f.handles++
	buf := make([]byte, 64)
	if _, err := rw.Read(buf); err != nil {
		return nil, err
	}
	if f.handleErr != nil {
		return nil, f.handleErr
	}
	if f.resp != nil {
		return f.resp, nil
	}
	return fakeResponse{}, nil
}

type fakeRequest struct{}

func (fakeRequest) UpcallRequest() {}

type fakeResponse struct{ id int }

func (fakeResponse) UpcallResponse() {}

// clientRig wires a client to an in-process backend and lets the test play
// the guest agent, stepping the event loop one dispatch at a time.
type clientRig struct {
	t       *testing.T
	mgr     *eventloop.Manager
	backend *vsock.InnerBackend
	svc     *fakeService
	client  *Client
	guest   vsock.Stream
}

func newClientRig(t *testing.T, cfg Config) *clientRig {
	t.Helper()

	mgr, err := eventloop.NewManager()
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })

	backend := vsock.NewInnerBackend()
	t.Cleanup(func() { backend.Close() })

	svc := &fakeService{}
	r := &clientRig{
		t:       t,
		mgr:     mgr,
		backend: backend,
		svc:     svc,
		client:  NewWithConfig(cfg, backend.Connector(), mgr, svc),
	}
	t.Cleanup(func() {
		r.client.Close()
		if r.guest != nil {
			r.guest.Close()
		}
	})
	return r
}

// connect runs Connect and accepts the guest end of the fresh stream,
// discarding its CONNECT line.
func (r *clientRig) connect() {
	r.t.Helper()
	if err := r.client.Connect(); err != nil {
		r.t.Fatalf("Connect: %v", err)
	}
	r.accept()
}

// accept picks up the guest end created by the latest server connect and
// returns its CONNECT line.
func (r *clientRig) accept() string {
	r.t.Helper()
	guest, err := r.backend.Accept()
	if err != nil {
		r.t.Fatalf("Accept: %v", err)
	}
	if r.guest != nil {
		r.guest.Close()
	}
	r.guest = guest
	return r.guestRead()
}

func (r *clientRig) guestRead() string {
	r.t.Helper()
	buf := make([]byte, 64)
	n, err := r.guest.Read(buf)
	if err != nil {
		r.t.Fatalf("guest read: %v", err)
	}
	return string(buf[:n])
}

func (r *clientRig) guestWrite(s string) {
	r.t.Helper()
	if _, err := r.guest.Write([]byte(s)); err != nil {
		r.t.Fatalf("guest write: %v", err)
	}
}

// step drives the loop until one subscriber callback runs.
func (r *clientRig) step() {
	r.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fired, err := r.mgr.RunOnce(time.Until(deadline))
		if err != nil {
			r.t.Fatalf("RunOnce: %v", err)
		}
		if fired {
			return
		}
	}
	r.t.Fatal("timed out waiting for a readiness event")
}

// settle asserts the loop is idle: no stream data, no armed timer.
func (r *clientRig) settle() {
	r.t.Helper()
	fired, err := r.mgr.RunOnce(20 * time.Millisecond)
	if err != nil {
		r.t.Fatalf("RunOnce: %v", err)
	}
	if fired {
		r.t.Fatal("unexpected readiness event")
	}
}

// handshake walks a fresh connection from WaitingServer to ServiceConnected.
func (r *clientRig) handshake() {
	r.t.Helper()
	r.guestWrite("OK 1024\n")
	r.step()
	if got := r.guestRead(); got != "SVC HELLO\n" {
		r.t.Fatalf("service hello = %q", got)
	}
	r.guestWrite("SVC OK\n")
	r.step()
	if state := r.client.State(); state != ServiceConnected {
		r.t.Fatalf("state after handshake = %v", state)
	}
}

func TestNewDoesNoIO(t *testing.T) {
	r := newClientRig(t, DefaultConfig())

	if state := r.client.State(); state != WaitingServer {
		t.Errorf("state = %v, want WaitingServer", state)
	}
	if r.client.IsReady() {
		t.Error("IsReady before Connect")
	}
	if r.svc.starts != 0 {
		t.Errorf("service touched before Connect: %d starts", r.svc.starts)
	}
}

func TestConnectWritesGreeting(t *testing.T) {
	r := newClientRig(t, DefaultConfig())

	if err := r.client.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if line := r.accept(); line != "CONNECT 219\n" {
		t.Errorf("greeting = %q, want %q", line, "CONNECT 219\n")
	}

	if err := r.client.Connect(); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second Connect = %v, want ErrAlreadyConnected", err)
	}
}

func TestConnectUsesConfiguredPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ServerPort = 1024
	r := newClientRig(t, cfg)

	if err := r.client.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if line := r.accept(); line != "CONNECT 1024\n" {
		t.Errorf("greeting = %q, want %q", line, "CONNECT 1024\n")
	}
}

func TestConnectFailsWhenBackendClosed(t *testing.T) {
	r := newClientRig(t, DefaultConfig())
	r.backend.Close()

	err := r.client.Connect()
	if !errors.Is(err, vsock.ErrBackendClosed) {
		t.Fatalf("Connect = %v, want ErrBackendClosed", err)
	}
	var opErr *OpError
	if !errors.As(err, &opErr) || opErr.Op != OpServerConnect {
		t.Errorf("Connect error not tagged as server connect: %v", err)
	}

	if state := r.client.State(); state != WaitingServer {
		t.Errorf("state = %v, want WaitingServer", state)
	}
	if err := r.client.Close(); err != nil {
		t.Errorf("Close after failed Connect: %v", err)
	}
}

func TestConnectFailsWhenLoopClosed(t *testing.T) {
	r := newClientRig(t, DefaultConfig())
	r.mgr.Close()

	if err := r.client.Connect(); !errors.Is(err, eventloop.ErrClosed) {
		t.Fatalf("Connect = %v, want ErrClosed", err)
	}
}

func TestHandshakeReachesReady(t *testing.T) {
	r := newClientRig(t, DefaultConfig())
	r.connect()

	if state := r.client.State(); state != WaitingServer {
		t.Fatalf("state after Connect = %v, want WaitingServer", state)
	}

	r.guestWrite("OK 1024\n")
	r.step()
	if state := r.client.State(); state != WaitingService {
		t.Fatalf("state after greeting = %v, want WaitingService", state)
	}
	if got := r.guestRead(); got != "SVC HELLO\n" {
		t.Fatalf("service hello = %q", got)
	}

	r.guestWrite("SVC OK\n")
	r.step()
	if !r.client.IsReady() {
		t.Fatalf("state after service check = %v, want ServiceConnected", r.client.State())
	}

	if r.svc.starts != 1 || r.svc.checks != 1 {
		t.Errorf("service calls = %d starts, %d checks, want 1 and 1", r.svc.starts, r.svc.checks)
	}
	if n := r.client.handler.reconnects; n != 0 {
		t.Errorf("reconnect attempts = %d, want 0", n)
	}
}

func TestBadGreetingSchedulesReconnect(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReconnectDelay = time.Millisecond
	r := newClientRig(t, cfg)
	r.connect()

	r.guestWrite("NO\n")
	r.step() // greeting rejected, reconnect armed
	if state := r.client.State(); state != WaitingServer {
		t.Fatalf("state = %v, want WaitingServer", state)
	}

	r.step() // timer fired, fresh connect
	if line := r.accept(); line != "CONNECT 219\n" {
		t.Fatalf("reconnect greeting = %q", line)
	}
	if n := r.client.handler.reconnects; n != 1 {
		t.Errorf("reconnect attempts = %d, want 1", n)
	}

	r.handshake()
}

func TestServiceStartFailureFallsBack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReconnectDelay = time.Millisecond
	r := newClientRig(t, cfg)
	r.connect()

	r.svc.startErr = errors.New("write refused")
	r.guestWrite("OK 1024\n")
	r.step()
	if state := r.client.State(); state != WaitingServer {
		t.Fatalf("state = %v, want WaitingServer", state)
	}

	r.svc.startErr = nil
	r.step() // timer fired
	r.accept()
	r.handshake()
}

func TestServiceCheckFailureFallsBack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReconnectDelay = time.Millisecond
	r := newClientRig(t, cfg)
	r.connect()

	r.guestWrite("OK 1024\n")
	r.step()
	r.guestRead() // service hello

	r.svc.checkErr = errors.New("agent sent garbage")
	r.guestWrite("SVC BAD\n")
	r.step()
	if state := r.client.State(); state != WaitingServer {
		t.Fatalf("state = %v, want WaitingServer", state)
	}
	if n := r.client.handler.reconnects; n != 1 {
		t.Errorf("reconnect attempts = %d, want 1", n)
	}

	r.svc.checkErr = nil
	r.step() // timer fired
	r.accept()
	r.handshake()
}

func TestRequestResponseDeliversCallback(t *testing.T) {
	r := newClientRig(t, DefaultConfig())
	r.connect()
	r.handshake()

	r.svc.resp = fakeResponse{id: 7}
	var got []Response
	err := r.client.SendRequest(fakeRequest{}, func(resp Response) { got = append(got, resp) })
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if state := r.client.State(); state != ServiceBusy {
		t.Fatalf("state = %v, want ServiceBusy", state)
	}
	if line := r.guestRead(); line != "SVC REQ\n" {
		t.Fatalf("request line = %q", line)
	}

	if err := r.client.SendRequest(fakeRequest{}, nil); !errors.Is(err, ErrBusy) {
		t.Errorf("submit while busy = %v, want ErrBusy", err)
	}

	r.guestWrite("SVC RESP\n")
	r.step()

	if len(got) != 1 {
		t.Fatalf("callback ran %d times, want 1", len(got))
	}
	if got[0] != (fakeResponse{id: 7}) {
		t.Errorf("callback got %v", got[0])
	}
	if state := r.client.State(); state != ServiceConnected {
		t.Errorf("state = %v, want ServiceConnected", state)
	}

	// The callback is spent; closing must not fire it again.
	r.client.Close()
	if len(got) != 1 {
		t.Errorf("callback ran %d times after Close, want 1", len(got))
	}
}

func TestSendRequestWithoutResult(t *testing.T) {
	r := newClientRig(t, DefaultConfig())
	r.connect()
	r.handshake()

	if err := r.client.SendRequestWithoutResult(fakeRequest{}); err != nil {
		t.Fatalf("SendRequestWithoutResult: %v", err)
	}
	r.guestRead() // request line
	r.guestWrite("SVC RESP\n")
	r.step()

	if state := r.client.State(); state != ServiceConnected {
		t.Errorf("state = %v, want ServiceConnected", state)
	}
}

func TestSendRequestGating(t *testing.T) {
	r := newClientRig(t, DefaultConfig())

	if err := r.client.SendRequest(fakeRequest{}, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("submit before Connect = %v, want ErrNotConnected", err)
	}

	r.connect()
	if err := r.client.SendRequest(fakeRequest{}, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("submit in WaitingServer = %v, want ErrNotConnected", err)
	}

	r.guestWrite("OK 1024\n")
	r.step()
	r.guestRead() // service hello
	if err := r.client.SendRequest(fakeRequest{}, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("submit in WaitingService = %v, want ErrNotConnected", err)
	}

	if r.svc.sends != 0 {
		t.Errorf("gated submits reached the service %d times", r.svc.sends)
	}
}

func TestSendFailureLeavesStateUnchanged(t *testing.T) {
	r := newClientRig(t, DefaultConfig())
	r.connect()
	r.handshake()

	r.svc.sendErr = errors.New("encode blew up")
	err := r.client.SendRequest(fakeRequest{}, nil)
	var opErr *OpError
	if !errors.As(err, &opErr) || opErr.Op != OpSendRequest {
		t.Fatalf("SendRequest = %v, want a send request OpError", err)
	}
	if state := r.client.State(); state != ServiceConnected {
		t.Fatalf("state = %v, want ServiceConnected", state)
	}

	// Still usable once the service recovers.
	r.svc.sendErr = nil
	if err := r.client.SendRequest(fakeRequest{}, nil); err != nil {
		t.Fatalf("SendRequest after recovery: %v", err)
	}
}

func TestDropMidRequestDeliversReset(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReconnectDelay = time.Millisecond
	r := newClientRig(t, cfg)
	r.connect()
	r.handshake()

	var got []Response
	err := r.client.SendRequest(fakeRequest{}, func(resp Response) { got = append(got, resp) })
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	r.guestRead() // request line

	r.guest.Close() // agent dies mid-request
	r.step()        // EOF surfaces as a failed response

	if len(got) != 1 {
		t.Fatalf("callback ran %d times, want 1", len(got))
	}
	if got[0] != (Reset{}) {
		t.Errorf("callback got %v, want Reset", got[0])
	}
	if state := r.client.State(); state != WaitingServer {
		t.Errorf("state = %v, want WaitingServer", state)
	}
	if n := r.client.handler.reconnects; n != 1 {
		t.Errorf("reconnect attempts = %d, want 1", n)
	}

	r.step() // timer fired, rebuild
	if line := r.accept(); line != "CONNECT 219\n" {
		t.Fatalf("reconnect greeting = %q", line)
	}
	r.handshake()

	// Exactly one delivery, even across the reconnect.
	if len(got) != 1 {
		t.Errorf("callback ran %d times after reconnect, want 1", len(got))
	}
}

func TestReconnectBudgetExhausted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReconnectDelay = time.Millisecond
	cfg.MaxReconnects = 2
	r := newClientRig(t, cfg)
	r.connect()

	for i := 0; i < cfg.MaxReconnects; i++ {
		r.guestWrite("NO\n")
		r.step() // rejected, reconnect armed
		r.step() // timer fired, fresh stream
		r.accept()
	}

	r.guestWrite("NO\n")
	r.step() // rejected with the budget spent

	if state := r.client.State(); state != ReconnectError {
		t.Fatalf("state = %v, want ReconnectError", state)
	}
	if n := r.client.handler.reconnects; n != cfg.MaxReconnects {
		t.Errorf("reconnect attempts = %d, want %d", n, cfg.MaxReconnects)
	}

	r.settle() // parked: no stream, no armed timer

	if err := r.client.SendRequest(fakeRequest{}, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("submit after exhaustion = %v, want ErrNotConnected", err)
	}
}

func TestSetReconnectIdempotentWhilePending(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReconnectDelay = time.Minute
	r := newClientRig(t, cfg)
	r.connect()

	r.guestWrite("NO\n")
	r.step() // greeting rejected, reconnect armed

	h := r.client.handler
	h.sess.mu.Lock()
	pending := h.inReconnect
	before := h.reconnects
	left, err := h.reconnectTimer.Remaining()
	h.sess.mu.Unlock()
	if err != nil {
		t.Fatalf("Remaining: %v", err)
	}
	if !pending {
		t.Fatal("reconnect not pending after rejected greeting")
	}
	if left <= 0 {
		t.Fatalf("timer not armed: remaining = %v", left)
	}

	// Let the clock move so a re-arm would be visible as a jump back up.
	time.Sleep(10 * time.Millisecond)

	h.sess.mu.Lock()
	h.setReconnect()
	after := h.reconnects
	left2, err := h.reconnectTimer.Remaining()
	h.sess.mu.Unlock()
	if err != nil {
		t.Fatalf("Remaining: %v", err)
	}

	if after != before {
		t.Errorf("retry counter moved from %d to %d", before, after)
	}
	if left2 > left-5*time.Millisecond {
		t.Errorf("timer re-armed: remaining went from %v to %v", left, left2)
	}
}

func TestSpuriousReadableWhenIdle(t *testing.T) {
	r := newClientRig(t, DefaultConfig())
	r.connect()
	r.handshake()

	r.guestWrite("noise\n")
	r.step()

	// Logged as an invariant violation, never acted on.
	if state := r.client.State(); state != ServiceConnected {
		t.Errorf("state = %v, want ServiceConnected", state)
	}
}

func TestProcessIgnoresUnknownDescriptor(t *testing.T) {
	r := newClientRig(t, DefaultConfig())
	r.connect()

	ops, err := r.mgr.SubscriberOps(r.client.subID)
	if err != nil {
		t.Fatalf("SubscriberOps: %v", err)
	}
	r.client.handler.Process(eventloop.NewEvents(-1, eventloop.Readable), ops)

	if state := r.client.State(); state != WaitingServer {
		t.Errorf("state = %v, want WaitingServer", state)
	}
}

func TestCloseFiresPendingReset(t *testing.T) {
	r := newClientRig(t, DefaultConfig())
	r.connect()
	r.handshake()

	var got []Response
	err := r.client.SendRequest(fakeRequest{}, func(resp Response) { got = append(got, resp) })
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	r.guestRead() // request line

	if err := r.client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("callback ran %d times, want 1", len(got))
	}
	if got[0] != (Reset{}) {
		t.Errorf("callback got %v, want Reset", got[0])
	}
	if state := r.client.State(); state != ReconnectError {
		t.Errorf("state after Close = %v, want ReconnectError", state)
	}

	if err := r.client.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := r.client.SendRequest(fakeRequest{}, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("submit after Close = %v, want ErrNotConnected", err)
	}

	// The guest observes the hangup.
	buf := make([]byte, 8)
	if _, err := r.guest.Read(buf); !errors.Is(err, io.EOF) {
		t.Errorf("guest read = %v, want EOF", err)
	}
}

func TestConcurrentSubmitOneWins(t *testing.T) {
	r := newClientRig(t, DefaultConfig())
	r.connect()
	r.handshake()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = r.client.SendRequest(fakeRequest{}, nil)
		}()
	}
	wg.Wait()

	var okCount, busyCount int
	for _, err := range errs {
		switch {
		case err == nil:
			okCount++
		case errors.Is(err, ErrBusy):
			busyCount++
		default:
			t.Fatalf("unexpected submit error: %v", err)
		}
	}
	if okCount != 1 || busyCount != 1 {
		t.Errorf("submit outcomes = %d ok, %d busy, want 1 and 1", okCount, busyCount)
	}
	if r.svc.sends != 1 {
		t.Errorf("service saw %d sends, want 1", r.svc.sends)
	}
	if state := r.client.State(); state != ServiceBusy {
		t.Errorf("state = %v, want ServiceBusy", state)
	}
}
