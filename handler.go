package upcall

import (
	"log/slog"

	"github.com/tinyrange/upcall/eventloop"
	"github.com/tinyrange/upcall/internal/trace"
)

var handlerTrace = trace.WithSource("upcall.handler")

// epollHandler drives the session from readiness events. It is the only
// code that touches the connection after Connect returns, always on the
// event-loop goroutine. The reconnect timer, the retry counter and the
// in-reconnect flag belong to that goroutine and need no extra locking.
type epollHandler struct {
	sess *session

	reconnectTimer *eventloop.Timer
	reconnects     int
	inReconnect    bool
}

// newEpollHandler creates the reconnect timer and performs the first server
// connect. Both failures are fatal here: without a timer the handler could
// never recover from anything later.
func newEpollHandler(sess *session) (*epollHandler, error) {
	timer, err := eventloop.NewTimer()
	if err != nil {
		return nil, &OpError{Op: OpReconnectTimer, Err: err}
	}

	sess.mu.Lock()
	err = sess.serverConnectionStart()
	sess.mu.Unlock()
	if err != nil {
		timer.Close()
		return nil, err
	}

	return &epollHandler{sess: sess, reconnectTimer: timer}, nil
}

// Init watches the reconnect timer and the socket for input readiness.
func (h *epollHandler) Init(ops *eventloop.EventOps) error {
	if err := ops.Add(eventloop.NewEvents(h.reconnectTimer.Fd(), eventloop.Readable)); err != nil {
		return err
	}

	h.sess.mu.Lock()
	defer h.sess.mu.Unlock()
	if h.sess.stream != nil {
		if err := ops.Add(eventloop.NewEvents(h.sess.stream.Fd(), eventloop.Readable)); err != nil {
			return err
		}
	}
	return nil
}

// Process dispatches one readiness event. The session lock is held for the
// whole transition, so producer goroutines never observe partial state.
func (h *epollHandler) Process(ev eventloop.Events, ops *eventloop.EventOps) {
	h.sess.mu.Lock()
	defer h.sess.mu.Unlock()

	switch {
	case h.sess.stream != nil && ev.Fd() == h.sess.stream.Fd():
		h.handleStreamEvent(ops)
	case ev.Fd() == h.reconnectTimer.Fd():
		h.handleReconnectEvent(ops)
	default:
		slog.Error("upcall: readiness event for unknown descriptor", "fd", ev.Fd())
	}
}

var _ eventloop.Subscriber = (*epollHandler)(nil)

// handleStreamEvent advances the handshake or completes the in-flight
// request, scheduling a reconnect on any failure. Assumes the session lock
// is held.
func (h *epollHandler) handleStreamEvent(ops *eventloop.EventOps) {
	sess := h.sess

	switch sess.state {
	case WaitingServer:
		if err := sess.serverConnectionCheck(); err != nil {
			slog.Debug("upcall: server connection check failed", "err", err)
			sess.setState(WaitingServer)
			h.setReconnect()
			break
		}
		if err := sess.serviceConnectionStart(); err != nil {
			slog.Debug("upcall: service connection start failed", "err", err)
			sess.setState(WaitingServer)
			h.setReconnect()
			break
		}
		sess.setState(WaitingService)

	case WaitingService:
		if err := sess.serviceConnectionCheck(); err != nil {
			slog.Debug("upcall: service connection check failed", "err", err)
			sess.setState(WaitingServer)
			h.setReconnect()
			break
		}
		sess.setState(ServiceConnected)

	case ServiceBusy:
		resp, err := sess.handleResponse()
		if err != nil {
			slog.Warn("upcall: response handling failed", "err", err)
			sess.setState(WaitingServer)
			h.setReconnect()
			break
		}
		// Leave ServiceBusy before consuming, so the reconnect
		// cleanup below can never see a busy state with a callback
		// still stored.
		sess.setState(ServiceConnected)
		sess.consumeCallback(resp)

	case ServiceConnected, ReconnectError:
		slog.Error("upcall: socket readable with no read expected", "state", sess.state)
	}

	if h.inReconnect {
		// The dead stream stays gone until the timer rebuilds it, and
		// nobody is left waiting on it.
		if sess.stream != nil {
			if err := ops.Remove(eventloop.NewEvents(sess.stream.Fd(), eventloop.Readable)); err != nil {
				slog.Warn("upcall: deregister stale socket", "err", err)
			}
			sess.stream.Close()
			sess.stream = nil
		}
		sess.consumeCallback(Reset{})
	}
}

// handleReconnectEvent runs one reconnect attempt when the timer fires.
// Assumes the session lock is held.
func (h *epollHandler) handleReconnectEvent(ops *eventloop.EventOps) {
	if h.sess.state == ReconnectError {
		// Parked. A timer event that raced with teardown must not
		// rebuild the stream.
		slog.Debug("upcall: reconnect timer fired while parked")
		return
	}

	h.inReconnect = false
	if err := h.reconnectTimer.Disarm(); err != nil {
		slog.Warn("upcall: disarm reconnect timer", "err", err)
	}

	if err := h.sess.serverConnectionStart(); err != nil {
		slog.Warn("upcall: reconnect attempt failed", "err", err, "attempt", h.reconnects)
		h.setReconnect()
		return
	}
	h.sess.setState(WaitingServer)

	if err := ops.Add(eventloop.NewEvents(h.sess.stream.Fd(), eventloop.Readable)); err != nil {
		slog.Warn("upcall: watch reconnected socket", "err", err)
		h.sess.stream.Close()
		h.sess.stream = nil
		h.setReconnect()
		return
	}
	handlerTrace.Writef("reconnected on attempt %d", h.reconnects)
}

// setReconnect schedules one reconnect attempt: idempotent while an attempt
// is pending, terminal once the retry budget is spent. Assumes the session
// lock is held.
func (h *epollHandler) setReconnect() {
	if h.inReconnect {
		slog.Debug("upcall: reconnect already scheduled")
		return
	}
	h.inReconnect = true

	if err := h.reconnectTimer.Disarm(); err != nil {
		slog.Warn("upcall: disarm reconnect timer", "err", err)
	}

	if h.reconnects >= h.sess.cfg.MaxReconnects {
		slog.Error("upcall: reconnect budget exhausted", "attempts", h.reconnects)
		h.sess.setState(ReconnectError)
		return
	}

	if err := h.reconnectTimer.SetOneshot(h.sess.cfg.ReconnectDelay); err != nil {
		// Without a timer there is no recovery path left.
		slog.Error("upcall: arm reconnect timer", "err", err)
		h.sess.setState(ReconnectError)
		return
	}
	h.reconnects++
}
