// SPDX-License-Identifier: GPL-3.0-or-later

package eyeballs

import (
	"errors"

	"golang.org/x/sys/unix"
)

// ErrUnsupportedFamily indicates that a [Path] cannot be materialized
// into a sockaddr because its address belongs to no supported family.
var ErrUnsupportedFamily = errors.New("eyeballs: unsupported address family")

// PathSockaddrFunc derives the concrete socket parameters for a path:
// the sockaddr to connect or bind to, the socket domain, the socket
// type, and the protocol. Returning an error marks the path as one
// that cannot be materialized.
//
// The [*Engine] uses [DefaultPathSockaddr] unless the embedder
// installs its own derivation via [Config.PathSockaddr].
type PathSockaddrFunc func(path Path) (sa unix.Sockaddr, domain, socktype, protocol int, err error)

// DefaultPathSockaddr derives socket parameters from the path record
// itself. IPv4-mapped IPv6 addresses are unmapped and connected over
// AF_INET; the Ifindex becomes the IPv6 zone for link-local targets.
func DefaultPathSockaddr(path Path) (unix.Sockaddr, int, int, int, error) {
	switch path.family() {
	case unix.AF_INET:
		sa := &unix.SockaddrInet4{
			Port: path.Port,
			Addr: path.Addr.Unmap().As4(),
		}
		return sa, unix.AF_INET, path.Socktype, path.Protocol, nil
	case unix.AF_INET6:
		sa := &unix.SockaddrInet6{
			Port:   path.Port,
			ZoneId: uint32(path.Ifindex),
			Addr:   path.Addr.As16(),
		}
		return sa, unix.AF_INET6, path.Socktype, path.Protocol, nil
	default:
		return nil, 0, 0, 0, ErrUnsupportedFamily
	}
}
