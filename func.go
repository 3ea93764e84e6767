// SPDX-License-Identifier: GPL-3.0-or-later

package eyeballs

import "context"

// Func is a generic operation that accepts an input and returns a result.
//
// Each Func represents an operation with exactly one success mode and
// one failure mode. [*LookupPathsFunc] is the Func producing the path
// lists that the [*Engine] consumes.
//
// Resource cleanup contract: when a Func receives a closeable resource
// as input and returns an error, it is responsible for closing that
// resource before returning.
type Func[A, B any] interface {
	Call(ctx context.Context, input A) (B, error)
}

// FuncAdapter wraps a function as a [Func] implementation.
//
// Use this to create ad-hoc [Func] instances from closures when you
// need custom behavior that doesn't fit the existing primitives.
type FuncAdapter[A, B any] func(ctx context.Context, input A) (B, error)

// Call implements [Func].
func (f FuncAdapter[A, B]) Call(ctx context.Context, input A) (B, error) {
	return f(ctx, input)
}
