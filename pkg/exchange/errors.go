package exchange

import (
	"errors"
	"fmt"
)

// ErrKind classifies adapter failures independent of transport.
type ErrKind int

const (
	KindTransient ErrKind = iota // network, timeout, venue busy: retryable
	KindAuth                     // bad key/signature/passphrase: terminal for the session
	KindRejected                 // order rejected: insufficient margin, size invalid
	KindNotFound                 // symbol or position unknown
	KindInternal                 // malformed response, invariant violation
)

// APIError carries the venue code and message with a kind for policy
// decisions upstream.
type APIError struct {
	Kind ErrKind
	Code string
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange [%s]: %s", e.Code, e.Msg)
}

// NewAPIError builds an APIError.
func NewAPIError(kind ErrKind, code, msg string) *APIError {
	return &APIError{Kind: kind, Code: code, Msg: msg}
}

func kindOf(err error) (ErrKind, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind, true
	}
	return 0, false
}

// IsTransient reports whether err is a retryable I/O failure.
func IsTransient(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindTransient
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindAuth
}

// IsRejected reports whether err is an order rejection.
func IsRejected(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindRejected
}

// IsNotFound reports whether err means the symbol or position does not
// exist on the venue.
func IsNotFound(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindNotFound
}
