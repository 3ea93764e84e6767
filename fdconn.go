// SPDX-License-Identifier: GPL-3.0-or-later

package eyeballs

import (
	"net"
	"os"
)

// FileConn wraps a descriptor delivered by [SocketHandler.OnConnect]
// into a [net.Conn], continuing the ownership transfer on the
// embedder's side.
//
// The descriptor is consumed either way: on success the returned conn
// owns a duplicate and fd itself is closed; on error fd is closed
// too. Do not use or close fd after calling FileConn.
func FileConn(fd int) (net.Conn, error) {
	file := os.NewFile(uintptr(fd), "eyeballs")
	if file == nil {
		return nil, os.ErrInvalid
	}
	defer file.Close()
	return net.FileConn(file)
}
