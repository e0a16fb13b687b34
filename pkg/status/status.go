// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package status defines the kinds of errors reported to the host server, and helpers to create
// and inspect them.
//
// Errors are created and wrapped with github.com/pkg/errors, so they carry a stack trace and can
// be printed with "%+v". The Kind is recovered from anywhere in the cause chain with KindOf.
package status

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error by how it propagates.
type Kind int

const (
	// Unknown is the Kind of errors not created by this package.
	Unknown Kind = iota

	// ConfigurationInvalid is a shape, datatype or count mismatch between configuration and model.
	// It blocks the model load.
	ConfigurationInvalid

	// AutoCompleteInfeasible means the model signature doesn't carry enough information to
	// complete the configuration. It blocks the model load.
	AutoCompleteInfeasible

	// ResourceExhausted is an allocation failure during batch assembly. It fails the whole cycle.
	ResourceExhausted

	// EngineExecutionFailed is an error reported by the execution engine. It fails the whole cycle
	// and its message is passed through verbatim.
	EngineExecutionFailed

	// PerRequestDataMalformed is a problem with the data of a single request (truncated string
	// payload, ragged count mismatch). It only fails the offending request.
	PerRequestDataMalformed

	// Internal is a broken invariant of the host contract (nil request, batch too large).
	// It fails the whole cycle.
	Internal

	// Unsupported is a feature requested by the configuration that is not available.
	Unsupported

	// NotFound is a missing artifact or tensor.
	NotFound
)

var kindNames = map[Kind]string{
	Unknown:                 "Unknown",
	ConfigurationInvalid:    "ConfigurationInvalid",
	AutoCompleteInfeasible:  "AutoCompleteInfeasible",
	ResourceExhausted:       "ResourceExhausted",
	EngineExecutionFailed:   "EngineExecutionFailed",
	PerRequestDataMalformed: "PerRequestDataMalformed",
	Internal:                "Internal",
	Unsupported:             "Unsupported",
	NotFound:                "NotFound",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if name, found := kindNames[k]; found {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is an error tagged with a Kind.
type Error struct {
	kind  Kind
	cause error
}

// Error implements the error interface. The message is the one of the underlying cause, without
// any Kind prefix, so engine messages can be passed through verbatim.
func (e *Error) Error() string { return e.cause.Error() }

// Kind of the error.
func (e *Error) Kind() Kind { return e.kind }

// Cause returns the underlying error, for github.com/pkg/errors.Cause.
func (e *Error) Cause() error { return e.cause }

// Unwrap returns the underlying error, for the standard errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// Format implements fmt.Formatter: "%+v" prints the stack trace of the cause.
func (e *Error) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		_, _ = fmt.Fprintf(s, "%s: %+v", e.kind, e.cause)
		return
	}
	_, _ = fmt.Fprint(s, e.Error())
}

// Errorf creates a new error of the given kind with a formatted message and a stack trace.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{kind: kind, cause: errors.Errorf(format, args...)}
}

// Wrapf wraps err with a formatted message and tags it with kind.
// It returns nil if err is nil.
func Wrapf(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, cause: errors.Wrapf(err, format, args...)}
}

// WithKind tags err with kind, without changing its message.
// It returns nil if err is nil.
func WithKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, cause: err}
}

// KindOf returns the outermost Kind found in err's chain, or Unknown.
func KindOf(err error) Kind {
	var statusErr *Error
	if errors.As(err, &statusErr) {
		return statusErr.kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
