// SPDX-License-Identifier: GPL-3.0-or-later

package eyeballs

import "golang.org/x/sys/unix"

// SockAPI abstracts the handful of socket syscalls the engine issues.
//
// By making the [*Engine] depend on an abstract implementation we
// allow unit testing the whole race without touching the network.
// Use [DefaultSockAPI] for the real thing.
type SockAPI interface {
	// Socket creates a socket for the given domain, type, and
	// protocol. Implementations must return a non-blocking,
	// close-on-exec descriptor.
	Socket(domain, typ, proto int) (int, error)

	// Connect starts connecting fd to sa. For a non-blocking socket
	// the expected outcome is [unix.EINPROGRESS]; a nil error means
	// the connect completed immediately.
	Connect(fd int, sa unix.Sockaddr) error

	// Bind binds fd to sa.
	Bind(fd int, sa unix.Sockaddr) error

	// SockErr reads and clears the pending socket error, i.e. the
	// SO_ERROR value that holds the outcome of an asynchronous
	// connect. Zero means the connect succeeded.
	SockErr(fd int) (int, error)

	// Close closes fd.
	Close(fd int) error
}

// DefaultSockAPI returns the [SockAPI] backed by real syscalls.
func DefaultSockAPI() SockAPI {
	return unixSockAPI{}
}

// unixSockAPI implements [SockAPI] using golang.org/x/sys/unix.
type unixSockAPI struct{}

var _ SockAPI = unixSockAPI{}

// Socket implements [SockAPI].
func (unixSockAPI) Socket(domain, typ, proto int) (int, error) {
	return unix.Socket(domain, typ|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, proto)
}

// Connect implements [SockAPI].
func (unixSockAPI) Connect(fd int, sa unix.Sockaddr) error {
	return unix.Connect(fd, sa)
}

// Bind implements [SockAPI].
func (unixSockAPI) Bind(fd int, sa unix.Sockaddr) error {
	return unix.Bind(fd, sa)
}

// SockErr implements [SockAPI].
func (unixSockAPI) SockErr(fd int) (int, error) {
	return unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
}

// Close implements [SockAPI].
func (unixSockAPI) Close(fd int) error {
	return unix.Close(fd)
}
