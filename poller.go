// SPDX-License-Identifier: GPL-3.0-or-later

package eyeballs

// Events is a bitmask of I/O readiness conditions exchanged with
// the poller.
type Events uint32

const (
	// EventRead indicates the descriptor is ready for reading. Timer
	// expirations surface as read readiness of the timer handle.
	EventRead = Events(1 << iota)

	// EventWrite indicates the descriptor is ready for writing, which
	// is how the completion of a non-blocking connect is reported.
	EventWrite
)

// Timer identifies a one-shot timeout scheduled through a [Poller].
//
// The poller reports expiry by invoking the embedder's dispatch
// entry point with the handle in place of a file descriptor, so a
// Timer must be drawn from the same number space as descriptors and
// must not collide with any watched descriptor.
type Timer int

// Poller is the readiness multiplexer the engine registers its
// descriptors and timers with. The embedder owns the poller and the
// event loop around it; the engine only ever adds and removes its
// own descriptors.
//
// Implementations must deliver each readiness event and each timer
// expiry exactly once, by calling [*Engine.Dispatch] (or whatever
// dispatch chain the embedder routes events through).
//
// [*EpollPoller] is the epoll and timerfd backed implementation
// provided for Linux embedders.
type Poller interface {
	// WatchFD registers or updates interest in fd. Passing zero
	// events unregisters the descriptor. Unregistering a descriptor
	// that is not currently registered must be a no-op.
	WatchFD(fd int, events Events)

	// AddTimeout schedules a one-shot timer expiring after the given
	// seconds and nanoseconds and returns its handle.
	AddTimeout(sec int64, nsec int64) (Timer, error)

	// RemoveTimeout cancels a timer and releases its handle. It must
	// be safe to call for a timer that has already fired.
	RemoveTimeout(timer Timer)
}
