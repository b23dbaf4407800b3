//go:build linux

package eventloop

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Timer is a one-shot timer backed by a timerfd, so expiry is observable as
// input readiness on Fd. Arming or disarming resets the kernel expiration
// count, which also clears any pending readiness.
type Timer struct {
	fd int
}

// NewTimer creates a disarmed monotonic timer.
func NewTimer() (*Timer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventloop: timerfd create: %w", err)
	}
	return &Timer{fd: fd}, nil
}

func (t *Timer) Fd() int { return t.fd }

// SetOneshot arms the timer to fire once after d.
func (t *Timer) SetOneshot(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("eventloop: timer duration %v not positive", d)
	}
	spec := unix.ItimerSpec{Value: unix.NsecToTimespec(d.Nanoseconds())}
	if err := unix.TimerfdSettime(t.fd, 0, &spec, nil); err != nil {
		return fmt.Errorf("eventloop: timerfd settime: %w", err)
	}
	return nil
}

// Disarm cancels a pending expiry. Disarming an idle timer is a no-op.
func (t *Timer) Disarm() error {
	var spec unix.ItimerSpec
	if err := unix.TimerfdSettime(t.fd, 0, &spec, nil); err != nil {
		return fmt.Errorf("eventloop: timerfd disarm: %w", err)
	}
	return nil
}

// Remaining reports the time until the next expiry, zero if disarmed.
func (t *Timer) Remaining() (time.Duration, error) {
	var spec unix.ItimerSpec
	if err := unix.TimerfdGettime(t.fd, &spec); err != nil {
		return 0, fmt.Errorf("eventloop: timerfd gettime: %w", err)
	}
	return time.Duration(spec.Value.Nano()), nil
}

func (t *Timer) Close() error {
	return unix.Close(t.fd)
}
