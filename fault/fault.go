// Package fault classifies failures crossing the issuance pipeline into a
// small closed set of kinds, each with a fixed HTTP status and a public
// message that never carries internal detail.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind categorizes an error for propagation and status mapping.
type Kind int

const (
	Internal Kind = iota
	AuthenticationFailure
	AuthorizationFailure
	LowEntropy
	MalformedRequest
	NotFound
	SigningUnavailable
	LoggingUnavailable
	PersistenceFailure
)

func (k Kind) String() string {
	switch k {
	case AuthenticationFailure:
		return "authentication_failure"
	case AuthorizationFailure:
		return "authorization_failure"
	case LowEntropy:
		return "low_entropy"
	case MalformedRequest:
		return "malformed_request"
	case NotFound:
		return "not_found"
	case SigningUnavailable:
		return "signing_unavailable"
	case LoggingUnavailable:
		return "logging_unavailable"
	case PersistenceFailure:
		return "persistence_failure"
	default:
		return "internal"
	}
}

// HTTPStatus returns the status code a boundary handler should answer with.
func (k Kind) HTTPStatus() int {
	switch k {
	case AuthenticationFailure:
		return http.StatusUnauthorized
	case AuthorizationFailure:
		return http.StatusForbidden
	case MalformedRequest:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case LowEntropy, SigningUnavailable, LoggingUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the only text about a failure that leaves the process.
func (k Kind) PublicMessage() string {
	switch k {
	case AuthenticationFailure:
		return "authentication required"
	case AuthorizationFailure:
		return "forbidden"
	case MalformedRequest:
		return "malformed request"
	case NotFound:
		return "not found"
	case LowEntropy, SigningUnavailable, LoggingUnavailable:
		return "service unavailable"
	default:
		return "internal error"
	}
}

// Error wraps a cause with the operation that failed and its kind.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, fault.LoggingUnavailable.Err()) style checks match on kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(kindSentinel)
	return ok && Kind(t) == e.Kind
}

type kindSentinel Kind

func (k kindSentinel) Error() string { return Kind(k).String() }

// Sentinel returns an error value that matches any *Error of kind k under errors.Is.
func (k Kind) Sentinel() error {
	return kindSentinel(k)
}

// E builds an *Error. A nil cause is allowed.
func E(op string, kind Kind, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// Is reports whether err carries kind k.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}
