//go:build linux

package vsock

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrBackendClosed is returned by Accept and Connect once the backend has
// been closed.
var ErrBackendClosed = errors.New("vsock: backend closed")

// Backlog of connections waiting for Accept.
const innerBacklog = 16

// InnerBackend terminates guest connections inside the VMM process itself.
// Each Connect builds a socket pair: the caller keeps one end and the other
// is queued for Accept. Both ends are real descriptors, so readiness-driven
// callers observe genuine poll events without a guest being present.
type InnerBackend struct {
	mu      sync.Mutex
	pending chan Stream
	closed  chan struct{}
}

// NewInnerBackend creates an open backend with an empty accept queue.
func NewInnerBackend() *InnerBackend {
	return &InnerBackend{
		pending: make(chan Stream, innerBacklog),
		closed:  make(chan struct{}),
	}
}

// Connector returns the client-facing half of the backend.
func (b *InnerBackend) Connector() Connector {
	return &innerConnector{backend: b}
}

// Accept returns the peer end of the next connection, blocking until one
// arrives or the backend closes.
func (b *InnerBackend) Accept() (Stream, error) {
	select {
	case s := <-b.pending:
		return s, nil
	case <-b.closed:
		return nil, ErrBackendClosed
	}
}

// Close shuts the backend down and closes any queued, unaccepted streams.
// Safe to call more than once.
func (b *InnerBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.closed:
		return nil
	default:
	}
	close(b.closed)

	for {
		select {
		case s := <-b.pending:
			s.Close()
		default:
			return nil
		}
	}
}

func (b *InnerBackend) connect() (Stream, error) {
	select {
	case <-b.closed:
		return nil, ErrBackendClosed
	default:
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("vsock: socketpair: %w", err)
	}
	local := newFdStream(fds[0])
	peer := newFdStream(fds[1])

	select {
	case b.pending <- peer:
		return local, nil
	default:
		local.Close()
		peer.Close()
		return nil, fmt.Errorf("vsock: accept backlog full")
	}
}

type innerConnector struct {
	backend *InnerBackend
}

func (c *innerConnector) Connect() (Stream, error) {
	return c.backend.connect()
}

var _ Connector = (*innerConnector)(nil)

// fdStream is a Stream over a raw descriptor. I/O goes through direct
// syscalls so the descriptor never enters the runtime poller and stays
// usable with an external epoll instance.
type fdStream struct {
	fd     int
	closed bool
}

func newFdStream(fd int) *fdStream {
	return &fdStream{fd: fd}
}

func (s *fdStream) Read(p []byte) (int, error) {
	if s.closed {
		return 0, os.ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	for {
		n, err := unix.Read(s.fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("vsock: read: %w", err)
		}
		if n == 0 {
			return 0, io.EOF
		}
		return n, nil
	}
}

func (s *fdStream) Write(p []byte) (int, error) {
	if s.closed {
		return 0, os.ErrClosed
	}
	written := 0
	for written < len(p) {
		n, err := unix.Write(s.fd, p[written:])
		if n > 0 {
			written += n
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return written, fmt.Errorf("vsock: write: %w", err)
		}
		if n <= 0 {
			return written, io.ErrShortWrite
		}
	}
	return written, nil
}

func (s *fdStream) Fd() int { return s.fd }

func (s *fdStream) SetNonblocking(nonblocking bool) error {
	if s.closed {
		return os.ErrClosed
	}
	if err := unix.SetNonblock(s.fd, nonblocking); err != nil {
		return fmt.Errorf("vsock: set nonblocking: %w", err)
	}
	return nil
}

func (s *fdStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := unix.Close(s.fd); err != nil {
		return fmt.Errorf("vsock: close: %w", err)
	}
	return nil
}

var _ Stream = (*fdStream)(nil)
