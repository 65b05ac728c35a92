// Package gistiterr collects the error taxonomy the event loop maps every
// exceptional condition onto: Config, IPC, Network, NotFound and Validation.
// Startup failures such as an IPC socket already bound by a live process
// are Config-kind errors too; cmd/gistitd logs them fatal.
package gistiterr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is one of the five error categories the spec's propagation rule
// requires every exceptional condition to map onto.
type Kind int

const (
	Config Kind = iota
	IPC
	Network
	NotFound
	Validation
)

func (k Kind) String() string {
	switch k {
	case Config:
		return "config"
	case IPC:
		return "ipc"
	case Network:
		return "network"
	case NotFound:
		return "not_found"
	case Validation:
		return "validation"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with the Kind that determines how the
// event loop should react to it.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err (via github.com/pkg/errors, already a teacher dependency)
// with the given Kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: errors.WithStack(err)}
}

// Newf builds a new Error from a format string, same as errors.Errorf.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: errors.Errorf(format, args...)}
}

// As reports whether err (or any error it wraps) is a *Error of kind k.
func As(err error, k Kind) bool {
	var ge *Error
	if !errors.As(err, &ge) {
		return false
	}
	return ge.Kind == k
}
