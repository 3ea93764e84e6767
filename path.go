// SPDX-License-Identifier: GPL-3.0-or-later

package eyeballs

import (
	"net/netip"
	"time"

	"golang.org/x/sys/unix"
)

// State is the lifecycle state of a per-path connect attempt.
//
// The ordering of the constants matters: the winner scan in the
// [*Engine] stops at the first path whose state is strictly less
// than [StateFinished].
type State int

const (
	// StateInit means the attempt has not been launched yet. It is
	// also the state a path returns to after its socket has been
	// handed off to the embedder or torn down by [*Engine.Cleanup].
	StateInit = State(iota)

	// StateWaiting means a non-blocking connect is in flight and the
	// socket is registered with the poller for write readiness.
	StateWaiting

	// StateFinished means the connect completed successfully and the
	// engine holds the connected socket until it is delivered.
	StateFinished

	// StateFailed means the attempt failed. Failed is terminal: the
	// engine never retries the same path.
	StateFailed
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateWaiting:
		return "waiting"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Path is a fully concrete endpoint produced by a resolver: an L3
// address plus the L4 selectors needed to open a socket towards it.
//
// The order of a path list is authoritative: the [*Engine] races the
// paths assuming earlier entries are preferable, and [SortPaths]
// produces lists in that order.
//
// A Path is immutable as far as the engine is concerned; all mutable
// attempt state lives inside the engine itself.
type Path struct {
	// Addr is the endpoint address. Both IPv4 and IPv6 addresses are
	// supported; IPv4-mapped IPv6 addresses are treated as IPv4.
	Addr netip.Addr

	// Ifindex is the optional interface index scoping a link-local
	// IPv6 address. Zero means unscoped.
	Ifindex int

	// Socktype is the socket type (e.g., [unix.SOCK_STREAM]).
	Socktype int

	// Protocol is the L4 protocol (e.g., [unix.IPPROTO_TCP]).
	Protocol int

	// Port is the L4 port in host byte order.
	Port int

	// Priority ranks paths relative to each other; lower is better.
	// Filled from SRV records when available, zero otherwise. The
	// engine treats it as opaque; [SortPaths] consumes it.
	Priority int

	// Weight breaks ties between paths with equal Priority; higher
	// is better. Opaque to the engine, consumed by [SortPaths].
	Weight int

	// TTL is the record validity in seconds as reported by the
	// resolver. Opaque to the engine.
	TTL int
}

// family returns the address family as a unix AF_* constant, or
// [unix.AF_UNSPEC] when the address is not a valid IP address.
func (p *Path) family() int {
	switch {
	case p.Addr.Is4() || p.Addr.Is4In6():
		return unix.AF_INET
	case p.Addr.Is6():
		return unix.AF_INET6
	default:
		return unix.AF_UNSPEC
	}
}

// addrPort returns the address and port as a [netip.AddrPort] for
// logging purposes.
func (p *Path) addrPort() netip.AddrPort {
	return netip.AddrPortFrom(p.Addr, uint16(p.Port))
}

// attempt is the mutable per-path connect state. The fd field holds
// an open descriptor exactly while the state is [StateWaiting] or
// [StateFinished]; it is -1 otherwise.
type attempt struct {
	state State
	fd    int
	t0    time.Time
}

// reset returns the attempt to its initial state without touching the
// descriptor, which the caller must have closed or handed off already.
func (a *attempt) reset() {
	a.state = StateInit
	a.fd = -1
	a.t0 = time.Time{}
}
