// SPDX-License-Identifier: GPL-3.0-or-later

package eyeballs

import (
	"errors"
	"log/slog"
	"time"

	"github.com/bassosimone/runtimex"
	"golang.org/x/sys/unix"
)

// Engine races non-blocking connect attempts across a ranked path
// list and delivers the winning socket to a [SocketHandler].
//
// The racing discipline is Happy-Eyeballs flavored: the engine keeps
// at most one attempt in flight per address family, retries within a
// family serially in list order, and lets families run in parallel.
// Once the first attempt succeeds, a grace window starts; when it
// closes, every attempt that is still undecided is torn down, so the
// embedder observes a definitive outcome shortly after the first
// success. The winner is the earliest path in list order whose
// attempt succeeded before the window closed.
//
// The engine owns no goroutine and never blocks: it runs entirely
// inside the embedder's event loop. Start, Dispatch, BindPath, and
// Cleanup must all be called from that single loop; none of them may
// run concurrently with another. Under that contract the engine
// needs no locks, and every callback it issues is serialized.
//
// Descriptor ownership is exclusive and linear: between launch and
// either hand-off or close, each socket belongs to exactly one path
// inside the engine. After [SocketHandler.OnConnect] returns, the
// engine has already forgotten the delivered descriptor; Cleanup
// will not touch it.
//
// All exported fields are safe to modify after [NewEngine] but
// before the first call to Start, Dispatch, BindPath, or Cleanup.
type Engine struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewEngine] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Grace is the duration of the grace window armed when the first
	// attempt succeeds.
	//
	// Set by [NewEngine] from [Config.Grace].
	Grace time.Duration

	// Handler receives connected and bound sockets.
	//
	// Set by [NewEngine] to the user-provided handler.
	Handler SocketHandler

	// Logger is the [SLogger] to use (configurable for testing or
	// custom logging).
	//
	// Set by [NewEngine] to the user-provided logger.
	Logger SLogger

	// PathSockaddr derives socket parameters for a path.
	//
	// Set by [NewEngine] from [Config.PathSockaddr].
	PathSockaddr PathSockaddrFunc

	// Poller is the readiness multiplexer to register with.
	//
	// Set by [NewEngine] to the user-provided poller.
	Poller Poller

	// Sock is the syscall surface to open sockets through.
	//
	// Set by [NewEngine] from [Config.Sock].
	Sock SockAPI

	// TimeNow is the function to get the current time (configurable
	// for testing).
	//
	// Set by [NewEngine] from [Config.TimeNow].
	TimeNow func() time.Time

	// paths is the ranked path list. List order is authoritative for
	// both launch order and winner selection.
	paths []Path

	// attempts holds the mutable per-path state, indexed like paths.
	attempts []attempt

	// graceTimer is the handle of the armed grace timer, nil while
	// the timer is not armed.
	graceTimer *Timer

	// graceArmed records that arming was attempted, so that the
	// timer is armed at most once per engine lifetime even when
	// [Poller.AddTimeout] fails.
	graceArmed bool

	// finished reports whether the winner has been delivered.
	finished bool
}

// NewEngine returns a new [*Engine] racing the given paths.
//
// The cfg argument carries the common configuration. The poller is
// the embedder's readiness multiplexer. The handler receives the
// sockets the engine hands off. The logger is the [SLogger] to use
// for structured logging.
func NewEngine(cfg *Config, poller Poller, paths []Path, handler SocketHandler, logger SLogger) *Engine {
	attempts := make([]attempt, len(paths))
	for idx := range attempts {
		attempts[idx].fd = -1
	}
	return &Engine{
		ErrClassifier: cfg.ErrClassifier,
		Grace:         cfg.Grace,
		Handler:       handler,
		Logger:        logger,
		PathSockaddr:  cfg.PathSockaddr,
		Poller:        poller,
		Sock:          cfg.Sock,
		TimeNow:       cfg.TimeNow,
		paths:         paths,
		attempts:      attempts,
	}
}

// Start launches the initial attempts: scanning the paths in list
// order, the first IPv4 path and the first IPv6 path still in
// [StateInit] are launched, so at most one attempt per family is in
// flight. A list containing a single family produces a single
// initial attempt.
//
// Start never blocks. If an attempt completes immediately, the
// winner may be delivered before Start returns.
func (e *Engine) Start() {
	e.Logger.Info(
		"raceStart",
		slog.Int("paths", len(e.paths)),
		slog.Time("t", e.TimeNow()),
	)
	var ip4, ip6 bool
	for idx := range e.paths {
		if e.finished {
			return
		}
		family := e.paths[idx].family()
		if !ip4 && family == unix.AF_INET && e.attempts[idx].state == StateInit {
			e.connectPath(idx)
			ip4 = true
		}
		if !ip6 && family == unix.AF_INET6 && e.attempts[idx].state == StateInit {
			e.connectPath(idx)
			ip6 = true
		}
	}
}

// Dispatch routes a readiness event delivered by the poller. The fd
// argument is either a watched descriptor or a [Timer] handle; the
// events argument describes the readiness observed.
//
// Dispatch returns true when the event belonged to this engine and
// was consumed, false when it belongs to another subsystem sharing
// the same poller.
func (e *Engine) Dispatch(fd int, events Events) bool {
	e.Logger.Debug(
		"dispatch",
		slog.Int("fd", fd),
		slog.Int("events", int(events)),
	)

	for idx := range e.attempts {
		a := &e.attempts[idx]
		if a.fd != fd || a.fd < 0 {
			continue
		}

		// Whatever happens next, the descriptor leaves the poller:
		// it is either handed off or closed.
		e.Poller.WatchFD(fd, 0)

		if events&EventWrite != 0 {
			pending, err := e.Sock.SockErr(fd)
			switch {
			case err != nil:
				e.logConnectPathDone(idx, fd, err)
				e.connectFailed(idx)
			case pending != 0:
				soerr := unix.Errno(pending)
				e.logConnectPathDone(idx, fd, soerr)
				e.connectFailed(idx)
			default:
				e.logConnectPathDone(idx, fd, nil)
				e.connectFinished(idx)
			}
		}
		return true
	}

	if e.graceTimer != nil && int(*e.graceTimer) == fd {
		e.graceExpired()
		return true
	}

	return false
}

// Cleanup tears down every outstanding attempt and cancels the grace
// timer. After Cleanup returns, no descriptor or timer registered by
// this engine remains in the poller and no further callback fires.
//
// Cleanup is idempotent and safe to call from any state, including
// from inside the [SocketHandler.OnConnect] callback. A descriptor
// already delivered through OnConnect is not touched.
func (e *Engine) Cleanup() {
	for idx := range e.attempts {
		a := &e.attempts[idx]
		switch a.state {
		case StateWaiting, StateFinished:
			e.Poller.WatchFD(a.fd, 0)
			e.Sock.Close(a.fd)
		}
		a.reset()
	}
	if e.graceTimer != nil {
		e.Poller.RemoveTimeout(*e.graceTimer)
		e.graceTimer = nil
	}
	e.Logger.Debug("cleanupDone", slog.Time("t", e.TimeNow()))
}

// BindPath opens a socket bound to the path at the given index and
// hands it to [SocketHandler.OnBind]. Binding is independent of the
// connect race and shares only the sockaddr derivation with it.
//
// Failures are silent: a path that cannot be materialized or bound
// produces no callback and no state change.
func (e *Engine) BindPath(index int) {
	runtimex.Assert(index >= 0 && index < len(e.paths))
	path := e.paths[index]

	sa, domain, socktype, protocol, err := e.PathSockaddr(path)
	if err != nil {
		e.logBindPathDone(index, -1, err)
		return
	}
	fd, err := e.Sock.Socket(domain, socktype, protocol)
	if err != nil {
		e.logBindPathDone(index, -1, err)
		return
	}
	if err := e.Sock.Bind(fd, sa); err != nil {
		e.Sock.Close(fd)
		e.logBindPathDone(index, -1, err)
		return
	}

	e.logBindPathDone(index, fd, nil)
	e.Handler.OnBind(index, fd)
}

// connectPath launches the connect attempt for the path at index.
// Precondition: the attempt is in [StateInit].
func (e *Engine) connectPath(index int) {
	a := &e.attempts[index]
	if a.state != StateInit {
		return
	}
	path := e.paths[index]
	a.t0 = e.TimeNow()
	e.logConnectPathStart(index, a.t0)

	sa, domain, socktype, protocol, err := e.PathSockaddr(path)
	if err != nil {
		e.logConnectPathDone(index, -1, err)
		e.connectFailed(index)
		return
	}

	fd, err := e.Sock.Socket(domain, socktype, protocol)
	if err != nil {
		e.logConnectPathDone(index, -1, err)
		e.connectFailed(index)
		return
	}
	a.fd = fd

	switch err := e.Sock.Connect(fd, sa); {
	case err == nil:
		// Immediate success, possible although rare for a
		// non-blocking socket.
		e.logConnectPathDone(index, fd, nil)
		e.connectFinished(index)
	case errors.Is(err, unix.EINPROGRESS):
		a.state = StateWaiting
		e.Poller.WatchFD(fd, EventWrite)
	default:
		e.logConnectPathDone(index, fd, err)
		e.connectFailed(index)
	}
}

// connectFinished records a successful attempt, arms the grace timer
// on the first success of the engine lifetime, and re-evaluates the
// winner.
func (e *Engine) connectFinished(index int) {
	e.attempts[index].state = StateFinished

	if !e.graceArmed && !e.finished {
		e.graceArmed = true
		sec := int64(e.Grace / time.Second)
		nsec := int64(e.Grace % time.Second)
		timer, err := e.Poller.AddTimeout(sec, nsec)
		if err != nil {
			// The race keeps going without a grace window; the
			// winner is still delivered once every earlier path
			// is decisive.
			e.Logger.Info(
				"graceArmFailed",
				slog.Any("err", err),
				slog.String("errClass", e.ErrClassifier.Classify(err)),
			)
		} else {
			e.graceTimer = &timer
		}
	}

	e.connectCheck()
}

// connectFailed records a failed attempt, closes its descriptor if
// one is open, launches the next untried path of the same family,
// and re-evaluates the winner.
func (e *Engine) connectFailed(index int) {
	a := &e.attempts[index]
	a.state = StateFailed
	if a.fd >= 0 {
		e.Sock.Close(a.fd)
		a.fd = -1
	}

	if !e.finished {
		family := e.paths[index].family()
		for next := index + 1; next < len(e.paths); next++ {
			if e.paths[next].family() == family && e.attempts[next].state == StateInit {
				e.connectPath(next)
				break
			}
		}
	}

	e.connectCheck()
}

// connectCheck scans the paths in list order looking for a winner.
// The scan stops at the first path that is still undecided; when the
// first decisive path is finished, its socket is delivered through
// [SocketHandler.OnConnect] exactly once and the engine stops
// launching further attempts.
func (e *Engine) connectCheck() {
	if e.finished {
		return
	}
	for idx := range e.attempts {
		a := &e.attempts[idx]
		if a.state < StateFinished {
			break
		}
		if a.state == StateFinished {
			fd := a.fd
			// Forget the descriptor before invoking the handler:
			// ownership transfers and the handler may legally call
			// Cleanup from inside the callback.
			a.reset()
			e.finished = true
			e.Logger.Info(
				"raceWinner",
				slog.Int("index", idx),
				slog.Int("fd", fd),
				slog.Time("t", e.TimeNow()),
			)
			e.Handler.OnConnect(idx, fd)
			break
		}
	}
}

// graceExpired forces every attempt that is still waiting or not yet
// launched into [StateFailed], then re-evaluates the winner. Paths
// that already finished keep their descriptor until delivery or
// [*Engine.Cleanup].
func (e *Engine) graceExpired() {
	e.Logger.Info("graceExpired", slog.Time("t", e.TimeNow()))
	for idx := range e.attempts {
		a := &e.attempts[idx]
		switch a.state {
		case StateWaiting:
			e.Poller.WatchFD(a.fd, 0)
			e.Sock.Close(a.fd)
			a.fd = -1
			a.state = StateFailed
		case StateInit:
			a.state = StateFailed
		}
	}
	e.connectCheck()
}

func (e *Engine) logConnectPathStart(index int, t0 time.Time) {
	e.Logger.Info(
		"connectPathStart",
		slog.Int("index", index),
		slog.String("remoteAddr", e.paths[index].addrPort().String()),
		slog.Int("socktype", e.paths[index].Socktype),
		slog.Int("protocol", e.paths[index].Protocol),
		slog.Time("t", t0),
	)
}

func (e *Engine) logConnectPathDone(index int, fd int, err error) {
	e.Logger.Info(
		"connectPathDone",
		slog.Any("err", err),
		slog.String("errClass", e.ErrClassifier.Classify(err)),
		slog.Int("fd", fd),
		slog.Int("index", index),
		slog.String("remoteAddr", e.paths[index].addrPort().String()),
		slog.Time("t0", e.attempts[index].t0),
		slog.Time("t", e.TimeNow()),
	)
}

func (e *Engine) logBindPathDone(index int, fd int, err error) {
	e.Logger.Info(
		"bindPathDone",
		slog.Any("err", err),
		slog.String("errClass", e.ErrClassifier.Classify(err)),
		slog.Int("fd", fd),
		slog.Int("index", index),
		slog.String("localAddr", e.paths[index].addrPort().String()),
		slog.Time("t", e.TimeNow()),
	)
}
