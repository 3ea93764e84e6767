// SPDX-License-Identifier: GPL-3.0-or-later

package eyeballs

import (
	"context"
	"log/slog"
	"net/netip"
	"slices"
	"testing"

	"github.com/bassosimone/slogstub"
	"golang.org/x/sys/unix"
)

// newCapturingLogger returns a logger that captures all log records into the
// returned slice. The caller can inspect the slice after exercising the code
// under test to verify which events were emitted.
func newCapturingLogger() (*slog.Logger, *[]slog.Record) {
	var records []slog.Record
	handler := &slogstub.FuncHandler{
		EnabledFunc: func(ctx context.Context, level slog.Level) bool {
			return true
		},
		HandleFunc: func(ctx context.Context, record slog.Record) error {
			records = append(records, record)
			return nil
		},
	}
	return slog.New(handler), &records
}

// recordMessages extracts the message of each captured record.
func recordMessages(records []slog.Record) []string {
	var messages []string
	for _, record := range records {
		messages = append(messages, record.Message)
	}
	return messages
}

// timerBase offsets fake timer handles away from fake descriptors so
// the two number spaces never collide.
const timerBase = 1000

// fakePoller is an in-memory [Poller] recording registrations.
type fakePoller struct {
	// watched maps registered descriptors to their interest.
	watched map[int]Events

	// timers holds the armed timer handles.
	timers map[Timer]bool

	// nextTimer numbers timer handles.
	nextTimer int

	// addTimeoutErr, when non-nil, makes AddTimeout fail.
	addTimeoutErr error

	// timeouts records the (sec, nsec) of each AddTimeout call.
	timeouts [][2]int64
}

var _ Poller = &fakePoller{}

func newFakePoller() *fakePoller {
	return &fakePoller{
		watched: make(map[int]Events),
		timers:  make(map[Timer]bool),
	}
}

// WatchFD implements [Poller].
func (p *fakePoller) WatchFD(fd int, events Events) {
	if events == 0 {
		delete(p.watched, fd)
		return
	}
	p.watched[fd] = events
}

// AddTimeout implements [Poller].
func (p *fakePoller) AddTimeout(sec int64, nsec int64) (Timer, error) {
	if p.addTimeoutErr != nil {
		return 0, p.addTimeoutErr
	}
	p.timeouts = append(p.timeouts, [2]int64{sec, nsec})
	p.nextTimer++
	timer := Timer(timerBase + p.nextTimer)
	p.timers[timer] = true
	return timer, nil
}

// RemoveTimeout implements [Poller].
func (p *fakePoller) RemoveTimeout(timer Timer) {
	delete(p.timers, timer)
}

// empty reports whether nothing is registered with the poller.
func (p *fakePoller) empty() bool {
	return len(p.watched) == 0 && len(p.timers) == 0
}

// armedTimer returns the single armed timer handle.
func (p *fakePoller) armedTimer(t *testing.T) Timer {
	t.Helper()
	if len(p.timers) != 1 {
		t.Fatalf("expected exactly one armed timer, got %d", len(p.timers))
	}
	for timer := range p.timers {
		return timer
	}
	panic("unreachable")
}

// funcSockAPI adapts functions to [SockAPI], netstub style.
type funcSockAPI struct {
	SocketFunc  func(domain, typ, proto int) (int, error)
	ConnectFunc func(fd int, sa unix.Sockaddr) error
	BindFunc    func(fd int, sa unix.Sockaddr) error
	SockErrFunc func(fd int) (int, error)
	CloseFunc   func(fd int) error
}

var _ SockAPI = &funcSockAPI{}

func (s *funcSockAPI) Socket(domain, typ, proto int) (int, error) {
	return s.SocketFunc(domain, typ, proto)
}

func (s *funcSockAPI) Connect(fd int, sa unix.Sockaddr) error {
	return s.ConnectFunc(fd, sa)
}

func (s *funcSockAPI) Bind(fd int, sa unix.Sockaddr) error {
	return s.BindFunc(fd, sa)
}

func (s *funcSockAPI) SockErr(fd int) (int, error) {
	return s.SockErrFunc(fd)
}

func (s *funcSockAPI) Close(fd int) error {
	return s.CloseFunc(fd)
}

// sockHarness tracks descriptor lifecycles across a test: every
// Socket call allocates a fresh fd, and the harness records which
// descriptors were opened, connected where, and closed.
type sockHarness struct {
	// nextFD numbers allocated descriptors, starting at 3.
	nextFD int

	// open tracks currently open descriptors.
	open map[int]bool

	// opened lists every allocated descriptor in order.
	opened []int

	// closed lists every closed descriptor in order.
	closed []int

	// target maps a descriptor to the address it was connected or
	// bound towards.
	target map[int]string

	// socketErr, when non-nil, makes Socket fail.
	socketErr error

	// connect decides the outcome of Connect given the target
	// address. When nil, every connect returns EINPROGRESS.
	connect func(addr string) error

	// bindErr, when non-nil, makes Bind fail.
	bindErr error

	// sockErrs maps a descriptor to the pending error SockErr
	// reports for it; missing entries report zero.
	sockErrs map[int]int
}

func newSockHarness() *sockHarness {
	return &sockHarness{
		nextFD:   2,
		open:     make(map[int]bool),
		target:   make(map[int]string),
		sockErrs: make(map[int]int),
	}
}

// api exposes the harness as a [SockAPI].
func (h *sockHarness) api() SockAPI {
	return &funcSockAPI{
		SocketFunc: func(domain, typ, proto int) (int, error) {
			if h.socketErr != nil {
				return -1, h.socketErr
			}
			h.nextFD++
			h.open[h.nextFD] = true
			h.opened = append(h.opened, h.nextFD)
			return h.nextFD, nil
		},
		ConnectFunc: func(fd int, sa unix.Sockaddr) error {
			h.target[fd] = sockaddrString(sa)
			if h.connect != nil {
				return h.connect(h.target[fd])
			}
			return unix.EINPROGRESS
		},
		BindFunc: func(fd int, sa unix.Sockaddr) error {
			h.target[fd] = sockaddrString(sa)
			return h.bindErr
		},
		SockErrFunc: func(fd int) (int, error) {
			return h.sockErrs[fd], nil
		},
		CloseFunc: func(fd int) error {
			h.open[fd] = false
			h.closed = append(h.closed, fd)
			return nil
		},
	}
}

// fdFor returns the descriptor connected towards the given address.
func (h *sockHarness) fdFor(t *testing.T, addr string) int {
	t.Helper()
	for fd, target := range h.target {
		if target == addr {
			return fd
		}
	}
	t.Fatalf("no descriptor connected towards %s", addr)
	panic("unreachable")
}

// leaked reports the descriptors still open, except the given ones
// that were legitimately handed off.
func (h *sockHarness) leaked(handedOff ...int) []int {
	var leaked []int
	for _, fd := range h.opened {
		if h.open[fd] && !slices.Contains(handedOff, fd) {
			leaked = append(leaked, fd)
		}
	}
	return leaked
}

// sockaddrString renders a sockaddr the way tests identify targets,
// matching the [netip.AddrPort] string format.
func sockaddrString(sa unix.Sockaddr) string {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port)).String()
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port)).String()
	default:
		return "unknown"
	}
}

// handlerRecorder is a [SocketHandler] recording deliveries.
type handlerRecorder struct {
	// connects records (index, fd) pairs delivered via OnConnect.
	connects [][2]int

	// binds records (index, fd) pairs delivered via OnBind.
	binds [][2]int

	// onConnect, when non-nil, runs inside OnConnect after
	// recording, e.g. to call Cleanup from within the callback.
	onConnect func(index int, fd int)
}

var _ SocketHandler = &handlerRecorder{}

func (h *handlerRecorder) OnConnect(index int, fd int) {
	h.connects = append(h.connects, [2]int{index, fd})
	if h.onConnect != nil {
		h.onConnect(index, fd)
	}
}

func (h *handlerRecorder) OnBind(index int, fd int) {
	h.binds = append(h.binds, [2]int{index, fd})
}
