// Package chainerr classifies the errors raised by the chain-following
// subsystem into a small taxonomy, so callers (and metrics) can react to the
// kind of failure without string-matching messages.
package chainerr

import "github.com/pkg/errors"

// Kind classifies an Error.
type Kind string

const (
	// IO covers datastore/blockstore read-write failures.
	IO Kind = "io"
	// NotFound covers a requested chain object (block, tipset, message)
	// absent from every reachable source.
	NotFound Kind = "not_found"
	// Invalid covers a block or message failing syntactic or semantic
	// validation.
	Invalid Kind = "invalid"
	// Consistency covers internal invariant violations: a missing index
	// entry, an orphaned head, a broken parent chain.
	Consistency Kind = "consistency"
	// MessageExecution covers a message that fails during VM execution
	// for reasons other than validation (out of gas, actor panic).
	MessageExecution Kind = "message_execution"
	// Migration covers a state-tree migration failure at a network
	// upgrade boundary.
	Migration Kind = "migration"
	// VMSetup covers failures constructing a VM runtime for a tipset.
	VMSetup Kind = "vm_setup"
	// Cancelled covers a caller-cancelled or superseded operation.
	Cancelled Kind = "cancelled"
)

// Error is a chain-subsystem error tagged with a Kind.
type Error struct {
	Kind Kind
	err  error
}

// New constructs an Error of the given kind wrapping msg.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, err: errors.New(msg)}
}

// Wrap constructs an Error of the given kind wrapping err.
func Wrap(kind Kind, err error, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, err: errors.Wrap(err, msg)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.err.Error()
}

// Cause returns the wrapped error, for errors.Cause compatibility.
func (e *Error) Cause() error {
	return e.err
}

// Is reports whether err is a chainerr.Error of the given kind.
func Is(err error, kind Kind) bool {
	ce, ok := errors.Cause(err).(*Error)
	if !ok {
		if ce2, ok2 := err.(*Error); ok2 {
			ce = ce2
			ok = true
		}
	}
	return ok && ce.Kind == kind
}
