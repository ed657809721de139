// Package ferrors implements the fabric's typed error taxonomy (§7 of the
// specification): ConfigError, DecodeError, TransportError, DispatchError,
// and LifecycleError, each with a distinct propagation policy enforced by
// the calling packages, not by this package itself.
package ferrors

import (
	"errors"
	"fmt"
)

// Kind discriminates the error taxonomy described in SPEC_FULL.md §7.
type Kind int

const (
	// ConfigError: malformed channel spec, unknown protocol, unsupported
	// transport. Surfaced at construction time, never recovered internally.
	ConfigError Kind = iota
	// DecodeError: bad CBOR frame or unparseable reply. Logged, message
	// dropped, processing continues.
	DecodeError
	// TransportError: socket failure or RPC disconnect. Closes the
	// affected session; observable only via the next Deregister.
	TransportError
	// DispatchError: Designated dispatch to an unknown locator. Surfaced
	// on the normal reply channel as a failure response.
	DispatchError
	// LifecycleError: call received after teardown. Silently dropped once
	// the owning component's stop flag is set.
	LifecycleError
)

func (k Kind) String() string {
	switch k {
	case ConfigError:
		return "ConfigError"
	case DecodeError:
		return "DecodeError"
	case TransportError:
		return "TransportError"
	case DispatchError:
		return "DispatchError"
	case LifecycleError:
		return "LifecycleError"
	default:
		return "UnknownError"
	}
}

// Error wraps an underlying error with a Kind and the operation that
// produced it, so callers can discriminate on Kind via Is without string
// matching.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether err is (or wraps) a *Error of the given Kind.
func Is(err error, k Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == k
	}
	return false
}

// ErrNoSuchConnection is the sentinel DispatchError cause for Designated
// dispatch against a locator with no live session.
var ErrNoSuchConnection = errors.New("no such connection")
