// SPDX-License-Identifier: GPL-3.0-or-later

// Package eyeballs establishes outbound transport connections by
// racing non-blocking connect attempts across a ranked list of
// concrete endpoints, Happy-Eyeballs style.
//
// # Core Abstraction
//
// The package is built around the [*Engine], an event-driven state
// machine living inside the embedder's event loop. Its inputs are a
// ranked [Path] list, a start signal, readiness events, and timer
// expirations; its output is a single connected socket delivered to
// a [SocketHandler].
//
// The racing discipline keeps at most one attempt in flight per
// address family, retries within a family serially in list order, and
// lets families proceed in parallel. The first success arms a short
// grace window; when it closes, undecided attempts are torn down and
// the earliest successful path in list order wins.
//
// # Components
//
// Connection establishment:
//   - [*Engine]: the connect race (created via [NewEngine]), plus the
//     [*Engine.BindPath] helper for bound sockets
//   - [SockAPI]: the syscall surface, abstracted for testing
//   - [PathSockaddrFunc]: derivation of concrete socket parameters
//     from a [Path] (default: [DefaultPathSockaddr])
//   - [FileConn]: continuation of a delivered socket as a [net.Conn]
//
// Event loop integration:
//   - [Poller]: the narrow contract the engine consumes to register
//     descriptors and one-shot timers
//   - [*EpollPoller]: an epoll and timerfd backed [Poller] for Linux
//     embedders (created via [NewEpollPoller])
//
// Path production:
//   - [*LookupPathsFunc]: classic DNS resolution of a name into a
//     ranked [Path] list (A/AAAA, optionally SRV), created via
//     [NewLookupPathsFunc]
//   - [SortPaths]: the ordering the race assumes, interleaving
//     address families and honoring SRV priority and weight
//
// # Socket Lifecycle
//
// Every descriptor the engine opens is owned by exactly one path
// while the attempt is in flight, and then either closed by the
// engine or handed off, never both. Hand-off happens at the instant
// [SocketHandler.OnConnect] or [SocketHandler.OnBind] is invoked;
// from then on the descriptor belongs to the embedder and the engine
// will not touch it again, not even in [*Engine.Cleanup].
//
// Cleanup is idempotent: it closes the descriptors the engine still
// owns, cancels the grace timer, and leaves nothing registered in
// the poller. Call it exactly like the surrounding query teardown
// would: after a winner was delivered, after giving up, or to cancel
// the race mid-flight.
//
// # Threading Model
//
// The engine owns no goroutine, takes no locks, and never blocks:
// every syscall it issues is non-blocking by construction or assumed
// fast. [*Engine.Start], [*Engine.Dispatch], [*Engine.BindPath], and
// [*Engine.Cleanup] must all be invoked from the single thread that
// runs the embedding event loop. Callbacks run inside that same
// frame and are therefore serialized; [SocketHandler.OnConnect] is
// invoked at most once per engine lifetime.
//
// # Observability
//
// All operations support structured logging via [SLogger]
// (compatible with [log/slog]). By default, logging is disabled. Set
// the Logger to a custom [*slog.Logger] to enable it.
//
// Lifecycle events (raceStart, connectPathStart, connectPathDone,
// raceWinner, graceExpired, bindPathDone, lookupStart, lookupDone)
// are emitted at [slog.LevelInfo]; per-dispatch noise at
// [slog.LevelDebug]. The connectPathDone and lookupDone events carry
// t0 (start time), err, and errClass; bindPathDone carries err and
// errClass without t0. Error classification is configurable via
// [ErrClassifier] and defaults to [errclass.New].
//
// Use [NewSpanID] to generate a unique, time-ordered identifier
// (UUIDv7) per query and attach it to the logger with
// [*slog.Logger.With] to correlate lookup and race events.
//
// # Platform Support
//
// The package targets Linux: the default [SockAPI] relies on
// SOCK_NONBLOCK and SOCK_CLOEXEC socket flags, and [*EpollPoller]
// on epoll and timerfd. The [Poller] and [SockAPI] contracts are
// portable, so embedders on other platforms can supply their own
// implementations.
//
// # Design Boundaries
//
// This package intentionally stops at the transport connect. The
// following are out of scope and belong to higher-level packages:
//
//   - TLS and application-layer handshakes
//   - connection pooling and retransmission
//   - DNS caching and backend plugins (hosts file, NSS, ...)
//   - the listening/accept side
package eyeballs
