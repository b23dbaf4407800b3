package upcall

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/tinyrange/upcall/eventloop"
	"github.com/tinyrange/upcall/vsock"
)

// Client is the VMM-facing facade over one upcall session. All methods are
// safe for concurrent use; none of them performs I/O after Connect returns.
type Client struct {
	loop *eventloop.Manager
	sess *session

	mu      sync.Mutex
	handler *epollHandler
	subID   eventloop.SubscriberID
}

// New builds an unconnected client with the default configuration. No I/O
// happens until Connect.
func New(connector vsock.Connector, loop *eventloop.Manager, service Service) *Client {
	return NewWithConfig(DefaultConfig(), connector, loop, service)
}

// NewWithConfig is New with explicit settings. Zero fields of cfg fall back
// to their defaults.
func NewWithConfig(cfg Config, connector vsock.Connector, loop *eventloop.Manager, service Service) *Client {
	return &Client{
		loop: loop,
		sess: newSession(cfg.withDefaults(), connector, service),
	}
}

// Connect performs the first server connect and hands the session over to
// the event loop, which drives it from then on. The first-connect failure,
// a timer-creation failure and a registration failure all surface here
// synchronously.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handler != nil {
		return ErrAlreadyConnected
	}

	h, err := newEpollHandler(c.sess)
	if err != nil {
		return err
	}
	id, err := c.loop.AddSubscriber(h)
	if err != nil {
		h.reconnectTimer.Close()
		c.sess.mu.Lock()
		if c.sess.stream != nil {
			c.sess.stream.Close()
			c.sess.stream = nil
		}
		c.sess.mu.Unlock()
		return err
	}

	c.handler = h
	c.subID = id
	return nil
}

// SendRequest submits req and registers cb for its outcome. cb runs exactly
// once, on the event-loop goroutine, with the decoded response or with
// Reset if the connection drops first. The call itself never blocks on I/O
// and never retries: it fails fast with ErrNotConnected or ErrBusy when the
// session cannot take a request right now.
func (c *Client) SendRequest(req Request, cb Callback) error {
	return c.submit(req, cb)
}

// SendRequestWithoutResult submits req and discards its outcome, including
// a Reset.
func (c *Client) SendRequestWithoutResult(req Request) error {
	return c.submit(req, nil)
}

func (c *Client) submit(req Request, cb Callback) error {
	s := c.sess
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case WaitingServer, WaitingService, ReconnectError:
		return ErrNotConnected
	case ServiceBusy:
		return ErrBusy
	}

	if err := s.sendRequest(req); err != nil {
		return err
	}
	s.setState(ServiceBusy)
	s.setCallback(cb)
	return nil
}

// State returns a snapshot of the session state.
func (c *Client) State() ConnectionState {
	c.sess.mu.Lock()
	defer c.sess.mu.Unlock()
	return c.sess.state
}

// IsReady reports whether a request can be submitted right now.
func (c *Client) IsReady() bool {
	return c.State() == ServiceConnected
}

// Close detaches the session from the event loop, closes the stream and the
// reconnect timer, and fires any pending callback with Reset. The session
// parks in ReconnectError; a closed client cannot be reused. Safe to call
// more than once and concurrently with the event loop.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handler == nil {
		return nil
	}

	err := c.loop.RemoveSubscriber(c.subID)
	if err != nil && !errors.Is(err, eventloop.ErrUnknownSubscriber) && !errors.Is(err, eventloop.ErrClosed) {
		slog.Warn("upcall: deregister from event loop", "err", err)
	}

	s := c.sess
	s.mu.Lock()
	if s.stream != nil {
		s.stream.Close()
		s.stream = nil
	}
	s.setState(ReconnectError)
	s.consumeCallback(Reset{})
	s.mu.Unlock()

	closeErr := c.handler.reconnectTimer.Close()
	c.handler = nil
	c.subID = 0
	return closeErr
}
