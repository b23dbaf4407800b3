//go:build linux

// Package eventloop implements a readiness-event dispatcher on top of epoll.
//
// A Manager watches file descriptors on behalf of registered Subscribers and
// invokes their Process callback from a single polling goroutine whenever a
// watched descriptor becomes ready. Subscribers may add and remove
// descriptors from inside their own callbacks.
package eventloop

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// EventSet describes the readiness conditions of a descriptor.
type EventSet uint32

const (
	Readable EventSet = unix.EPOLLIN
	Writable EventSet = unix.EPOLLOUT
	ErrorSet EventSet = unix.EPOLLERR
	HangUp   EventSet = unix.EPOLLHUP
)

// Events pairs a file descriptor with the readiness conditions to watch, or
// with the conditions that fired when delivered to Process.
type Events struct {
	fd  int
	set EventSet
}

// NewEvents returns an Events for fd with the given conditions.
func NewEvents(fd int, set EventSet) Events {
	return Events{fd: fd, set: set}
}

func (e Events) Fd() int { return e.fd }

func (e Events) Set() EventSet { return e.set }

// Subscriber is a component driven by readiness notifications.
//
// Init is called once, on registration, to let the subscriber add its
// descriptors. Process is called from the polling goroutine each time one of
// those descriptors becomes ready.
type Subscriber interface {
	Init(ops *EventOps) error
	Process(ev Events, ops *EventOps)
}

// SubscriberID identifies a registered subscriber.
type SubscriberID uint64

var (
	ErrClosed            = errors.New("eventloop: manager closed")
	ErrUnknownSubscriber = errors.New("eventloop: unknown subscriber")
)

// Manager multiplexes readiness events from an epoll instance to its
// subscribers. Run executes all Process callbacks on the calling goroutine;
// the registration surface (AddSubscriber, RemoveSubscriber, EventOps) is
// safe to use from any goroutine.
type Manager struct {
	mu      sync.Mutex
	subs    map[SubscriberID]Subscriber
	owner   map[int]SubscriberID // watched fd -> owning subscriber
	nextID  SubscriberID
	closed  bool
	pollers int

	epollFd int
	wakeFd  int

	release sync.Once
}

// NewManager creates an epoll instance plus an eventfd used to interrupt a
// blocked Run when the manager is closed.
func NewManager() (*Manager, error) {
	epollFd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventloop: epoll create: %w", err)
	}

	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epollFd)
		return nil, fmt.Errorf("eventloop: eventfd: %w", err)
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)}
	if err := unix.EpollCtl(epollFd, unix.EPOLL_CTL_ADD, wakeFd, &ev); err != nil {
		unix.Close(wakeFd)
		unix.Close(epollFd)
		return nil, fmt.Errorf("eventloop: register wake fd: %w", err)
	}

	return &Manager{
		subs:    make(map[SubscriberID]Subscriber),
		owner:   make(map[int]SubscriberID),
		nextID:  1,
		epollFd: epollFd,
		wakeFd:  wakeFd,
	}, nil
}

// AddSubscriber registers sub and calls its Init with an EventOps bound to
// the new registration. If Init fails the registration is rolled back.
func (m *Manager) AddSubscriber(sub Subscriber) (SubscriberID, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrClosed
	}
	id := m.nextID
	m.nextID++
	m.subs[id] = sub
	m.mu.Unlock()

	// Init runs without the manager lock so it can call ops.Add.
	ops := &EventOps{mgr: m, id: id}
	if err := sub.Init(ops); err != nil {
		m.RemoveSubscriber(id)
		return 0, fmt.Errorf("eventloop: subscriber init: %w", err)
	}
	return id, nil
}

// RemoveSubscriber deregisters every descriptor the subscriber added and
// forgets it. Pending events already drawn from the kernel may still be
// dispatched to other subscribers, but never to this one.
func (m *Manager) RemoveSubscriber(id SubscriberID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subs[id]; !ok {
		return ErrUnknownSubscriber
	}
	for fd, owner := range m.owner {
		if owner != id {
			continue
		}
		if err := unix.EpollCtl(m.epollFd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
			slog.Warn("eventloop: deregister fd on subscriber removal", "fd", fd, "err", err)
		}
		delete(m.owner, fd)
	}
	delete(m.subs, id)
	return nil
}

// SubscriberOps returns an EventOps bound to an already registered
// subscriber. Useful for driving a subscriber outside a callback.
func (m *Manager) SubscriberOps(id SubscriberID) (*EventOps, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subs[id]; !ok {
		return nil, ErrUnknownSubscriber
	}
	return &EventOps{mgr: m, id: id}, nil
}

// Run polls and dispatches until Close is called. All Process callbacks run
// on the goroutine that called Run.
func (m *Manager) Run() error {
	for {
		if _, err := m.poll(-1); err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}
	}
}

// RunOnce performs a single poll-and-dispatch round, waiting at most timeout
// for readiness (negative means block indefinitely). It reports whether any
// subscriber callback ran.
func (m *Manager) RunOnce(timeout time.Duration) (bool, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
	}
	n, err := m.poll(ms)
	if errors.Is(err, ErrClosed) {
		return false, ErrClosed
	}
	return n > 0, err
}

func (m *Manager) poll(timeoutMs int) (int, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.releaseFds()
		return 0, ErrClosed
	}
	m.pollers++
	epollFd := m.epollFd
	m.mu.Unlock()

	var events [64]unix.EpollEvent
	n, err := unix.EpollWait(epollFd, events[:], timeoutMs)

	m.mu.Lock()
	m.pollers--
	closed := m.closed
	m.mu.Unlock()

	if closed {
		m.releaseFds()
		return 0, ErrClosed
	}
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("eventloop: epoll wait: %w", err)
	}

	dispatched := 0
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		if fd == m.wakeFd {
			m.drainWake()
			continue
		}

		m.mu.Lock()
		id, ok := m.owner[fd]
		sub := m.subs[id]
		m.mu.Unlock()
		if !ok || sub == nil {
			// Removed by an earlier callback in this same batch.
			slog.Debug("eventloop: event for unwatched fd", "fd", fd)
			continue
		}

		ops := &EventOps{mgr: m, id: id}
		sub.Process(NewEvents(fd, EventSet(events[i].Events)), ops)
		dispatched++
	}
	return dispatched, nil
}

func (m *Manager) drainWake() {
	var buf [8]byte
	unix.Read(m.wakeFd, buf[:])
}

// Close wakes any blocked Run and releases the epoll and wake descriptors
// once no poller is inside the kernel. Safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	idle := m.pollers == 0
	m.mu.Unlock()

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	unix.Write(m.wakeFd, buf[:])

	if idle {
		m.releaseFds()
	}
	return nil
}

func (m *Manager) releaseFds() {
	m.release.Do(func() {
		unix.Close(m.wakeFd)
		unix.Close(m.epollFd)
	})
}

// EventOps adds and removes watched descriptors on behalf of one subscriber.
// It is valid both inside Subscriber callbacks and from other goroutines.
type EventOps struct {
	mgr *Manager
	id  SubscriberID
}

// Add starts watching the descriptor in ev for the requested conditions.
func (o *EventOps) Add(ev Events) error {
	m := o.mgr
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if owner, ok := m.owner[ev.Fd()]; ok {
		return fmt.Errorf("eventloop: fd %d already watched by subscriber %d", ev.Fd(), owner)
	}

	epollEv := unix.EpollEvent{Events: uint32(ev.Set()), Fd: int32(ev.Fd())}
	if err := unix.EpollCtl(m.epollFd, unix.EPOLL_CTL_ADD, ev.Fd(), &epollEv); err != nil {
		return fmt.Errorf("eventloop: epoll ctl add fd %d: %w", ev.Fd(), err)
	}
	m.owner[ev.Fd()] = o.id
	return nil
}

// Remove stops watching the descriptor in ev. Removing a descriptor that is
// not watched by this subscriber is an error.
func (o *EventOps) Remove(ev Events) error {
	m := o.mgr
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	owner, ok := m.owner[ev.Fd()]
	if !ok || owner != o.id {
		return fmt.Errorf("eventloop: fd %d not watched by subscriber %d", ev.Fd(), o.id)
	}

	if err := unix.EpollCtl(m.epollFd, unix.EPOLL_CTL_DEL, ev.Fd(), nil); err != nil {
		return fmt.Errorf("eventloop: epoll ctl del fd %d: %w", ev.Fd(), err)
	}
	delete(m.owner, ev.Fd())
	return nil
}
