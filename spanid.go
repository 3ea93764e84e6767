// SPDX-License-Identifier: GPL-3.0-or-later

package eyeballs

import (
	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
)

// NewSpanID returns a UUIDv7 representing a span.
//
// A span is a sequence of operations that can fail in a single,
// specific way. For example, resolving a name into paths, or racing
// connect attempts across those paths until a winner emerges.
//
// We recommend generating a span ID per query and attaching it to the
// [SLogger] with [*slog.Logger.With], so that every event emitted by
// the lookup and by the engine for that query carries the same ID.
//
// The span terminology is borrowed from OTel.
//
// This function panics if the system random number generator fails,
// which should only happen under extraordinary circumstances.
func NewSpanID() string {
	return runtimex.PanicOnError1(uuid.NewV7()).String()
}
