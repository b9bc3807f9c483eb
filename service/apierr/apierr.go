// Package apierr defines the error taxonomy surfaced through the JSON-RPC
// boundary. Every pipeline stage returns one of these kinds so callers can
// distinguish policy violations from wire-format problems without parsing
// message strings.
package apierr

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure with a stable JSON-RPC error code.
type Kind int

const (
	// Standard JSON-RPC 2.0 codes.
	KindParseError     Kind = -32700
	KindInvalidRequest Kind = -32600
	KindMethodNotFound Kind = -32601
	KindInvalidParams  Kind = -32602
	KindInternal       Kind = -32603

	// Kora-specific codes.
	KindAuthRejected        Kind = -32001
	KindMalformedWire       Kind = -32002
	KindOversizeTransaction Kind = -32003
	KindUnsupportedVersion  Kind = -32004
	KindLookupTableMissing  Kind = -32005
	KindResolutionIOFailure Kind = -32006
	KindPolicyRejected      Kind = -32007
	KindFeeOverflow         Kind = -32008
	KindOracleUnavailable   Kind = -32009
	KindPaymentMissing      Kind = -32010
	KindPaymentInsufficient Kind = -32011
	KindUnknownSigner       Kind = -32012
	KindSignerBackend       Kind = -32013
	KindSubmitRejected      Kind = -32014
	KindTimeout             Kind = -32015
	KindRateLimited         Kind = -32016
	KindMethodDisabled      Kind = -32017
	KindUsageLimitExceeded  Kind = -32018
)

// Error is the typed error carried across the signing pipeline. Data holds
// structured context (e.g. the violated policy rule and instruction index)
// that is serialized into the JSON-RPC error "data" field.
type Error struct {
	Kind    Kind
	Message string
	Data    map[string]any
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.wrapped)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.wrapped }

// Code returns the stable JSON-RPC error code for this kind.
func (e *Error) Code() int { return int(e.Kind) }

// New creates a typed error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a typed error that preserves the underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), wrapped: err}
}

// PolicyRejected builds the policy-violation error carrying the rule id and
// the index of the offending instruction.
func PolicyRejected(rule string, instructionIndex int, format string, args ...any) *Error {
	return &Error{
		Kind:    KindPolicyRejected,
		Message: fmt.Sprintf(format, args...),
		Data: map[string]any{
			"rule":              rule,
			"instruction_index": instructionIndex,
		},
	}
}

// SubmitRejected wraps a chain submission failure, passing the chain's error
// text through to the caller.
func SubmitRejected(err error) *Error {
	return &Error{
		Kind:    KindSubmitRejected,
		Message: "transaction submission rejected",
		Data:    map[string]any{"chain_error": err.Error()},
		wrapped: err,
	}
}

// IsKind reports whether err is (or wraps) an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// AsError converts any error to an *Error, defaulting to KindInternal for
// untyped failures so nothing leaks internals across the RPC boundary.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindInternal, Message: "internal server error", wrapped: err}
}
