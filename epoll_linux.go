// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux

package eyeballs

import (
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"
)

// Dispatcher consumes the readiness events a [*EpollPoller] collects.
//
// The [*Engine] satisfies this interface; embedders multiplexing
// several subsystems over one poller typically implement it with a
// fan-out that tries each subsystem until one consumes the event.
type Dispatcher interface {
	Dispatch(fd int, events Events) bool
}

// EpollPoller is a [Poller] backed by epoll, with one-shot timeouts
// implemented as timerfd descriptors registered in the same epoll
// set, so timer expirations travel through [Dispatcher.Dispatch]
// like any other readiness event.
//
// Like the [*Engine] it serves, the poller is single-threaded by
// contract and takes no locks: WatchFD, AddTimeout, RemoveTimeout,
// Poll, and Close must all run on the event-loop thread.
type EpollPoller struct {
	// Logger is the [SLogger] to use.
	//
	// Set by [NewEpollPoller] to the user-provided logger.
	Logger SLogger

	// epfd is the epoll descriptor.
	epfd int

	// watched maps registered descriptors to their current interest,
	// so WatchFD can pick between add, modify, and delete.
	watched map[int]Events

	// timers tracks the live timerfd handles so Close can release
	// the ones the embedder never removed.
	timers map[Timer]bool
}

var _ Poller = &EpollPoller{}

// NewEpollPoller returns a new [*EpollPoller].
//
// The logger argument is the [SLogger] to use for structured logging.
func NewEpollPoller(logger SLogger) (*EpollPoller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &EpollPoller{
		Logger:  logger,
		epfd:    epfd,
		watched: make(map[int]Events),
		timers:  make(map[Timer]bool),
	}, nil
}

// Close releases the epoll descriptor and every timer still armed.
func (p *EpollPoller) Close() error {
	for timer := range p.timers {
		unix.Close(int(timer))
	}
	p.timers = make(map[Timer]bool)
	p.watched = make(map[int]Events)
	return unix.Close(p.epfd)
}

// WatchFD implements [Poller].
func (p *EpollPoller) WatchFD(fd int, events Events) {
	if events == 0 {
		if _, ok := p.watched[fd]; !ok {
			return
		}
		delete(p.watched, fd)
		if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
			p.logCtlError("del", fd, err)
		}
		return
	}

	ev := &unix.EpollEvent{Events: epollBits(events), Fd: int32(fd)}
	op := unix.EPOLL_CTL_ADD
	name := "add"
	if _, ok := p.watched[fd]; ok {
		op = unix.EPOLL_CTL_MOD
		name = "mod"
	}
	if err := unix.EpollCtl(p.epfd, op, fd, ev); err != nil {
		p.logCtlError(name, fd, err)
		return
	}
	p.watched[fd] = events
}

// AddTimeout implements [Poller].
func (p *EpollPoller) AddTimeout(sec int64, nsec int64) (Timer, error) {
	tfd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return 0, err
	}
	if sec == 0 && nsec == 0 {
		// A zero itimerspec would disarm the timerfd instead of
		// firing immediately.
		nsec = 1
	}
	spec := unix.ItimerSpec{Value: unix.NsecToTimespec(sec*1e9 + nsec)}
	if err := unix.TimerfdSettime(tfd, 0, &spec, nil); err != nil {
		unix.Close(tfd)
		return 0, err
	}
	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(tfd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, tfd, ev); err != nil {
		unix.Close(tfd)
		return 0, err
	}
	p.timers[Timer(tfd)] = true
	return Timer(tfd), nil
}

// RemoveTimeout implements [Poller].
func (p *EpollPoller) RemoveTimeout(timer Timer) {
	if !p.timers[timer] {
		return
	}
	delete(p.timers, timer)
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, int(timer), nil); err != nil {
		p.logCtlError("del", int(timer), err)
	}
	unix.Close(int(timer))
}

// Poll waits up to timeout for readiness and routes every collected
// event through the dispatcher. A negative timeout blocks until at
// least one event arrives. Interruption by a signal is not an error.
func (p *EpollPoller) Poll(dispatcher Dispatcher, timeout time.Duration) error {
	msec := -1
	if timeout >= 0 {
		msec = int(timeout / time.Millisecond)
	}

	var events [128]unix.EpollEvent
	n, err := unix.EpollWait(p.epfd, events[:], msec)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return err
	}

	for idx := 0; idx < n; idx++ {
		fd := int(events[idx].Fd)
		if p.timers[Timer(fd)] {
			// Drain the expiration count so the timerfd stops
			// reporting readable.
			var buf [8]byte
			unix.Read(fd, buf[:])
		}
		dispatcher.Dispatch(fd, epollToEvents(events[idx].Events))
	}
	return nil
}

func (p *EpollPoller) logCtlError(op string, fd int, err error) {
	p.Logger.Debug(
		"epollCtlFailed",
		slog.Any("err", err),
		slog.Int("fd", fd),
		slog.String("op", op),
	)
}

// epollBits translates interest bits to epoll registration bits.
func epollBits(events Events) uint32 {
	var bits uint32
	if events&EventRead != 0 {
		bits |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		bits |= unix.EPOLLOUT
	}
	return bits
}

// epollToEvents translates reported epoll bits back to [Events].
// Error and hangup conditions surface as both read and write
// readiness so that whichever direction the watcher registered for
// observes the failure and reads the pending socket error.
func epollToEvents(bits uint32) Events {
	var events Events
	if bits&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
		events |= EventRead
	}
	if bits&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if bits&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		events |= EventRead | EventWrite
	}
	return events
}
