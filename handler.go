// SPDX-License-Identifier: GPL-3.0-or-later

package eyeballs

// SocketHandler receives the sockets the [*Engine] hands off to the
// embedder.
//
// Ownership of every descriptor passed to a handler method transfers
// to the callee: the engine will not close it, touch it, or mention
// it again. Use [FileConn] to continue with a [net.Conn].
//
// Handler methods run inside the engine's dispatch frame and are
// therefore serialized with every other engine operation. A handler
// may call [*Engine.Cleanup] from inside OnConnect.
type SocketHandler interface {
	// OnConnect delivers the winning connected socket. It is invoked
	// at most once per engine lifetime.
	OnConnect(index int, fd int)

	// OnBind delivers a bound socket produced by [*Engine.BindPath].
	OnBind(index int, fd int)
}

// SocketHandlerFuncs adapts plain functions to the [SocketHandler]
// interface. Nil functions turn the corresponding callback into a
// no-op, which leaks the delivered descriptor, so only leave a field
// nil when the engine can never invoke it.
type SocketHandlerFuncs struct {
	// OnConnectFunc implements OnConnect when non-nil.
	OnConnectFunc func(index int, fd int)

	// OnBindFunc implements OnBind when non-nil.
	OnBindFunc func(index int, fd int)
}

var _ SocketHandler = &SocketHandlerFuncs{}

// OnConnect implements [SocketHandler].
func (h *SocketHandlerFuncs) OnConnect(index int, fd int) {
	if h.OnConnectFunc != nil {
		h.OnConnectFunc(index, fd)
	}
}

// OnBind implements [SocketHandler].
func (h *SocketHandlerFuncs) OnBind(index int, fd int) {
	if h.OnBindFunc != nil {
		h.OnBindFunc(index, fd)
	}
}
