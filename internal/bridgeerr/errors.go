// Package bridgeerr classifies errors that cross component boundaries in the
// sync daemon. Every operation that can fail in a way a caller needs to
// reason about (retry? surface to the UI? fatal?) returns one of these kinds.
package bridgeerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a closed taxonomy of failure classes, per spec §7.
type Kind int

const (
	Unknown Kind = iota
	Auth
	Transport
	ServerError
	BadRequest
	NoAccess
	SendFailed
	Database
	Serialization
	NotFound
)

func (k Kind) String() string {
	switch k {
	case Auth:
		return "auth"
	case Transport:
		return "transport"
	case ServerError:
		return "server_error"
	case BadRequest:
		return "bad_request"
	case NoAccess:
		return "no_access"
	case SendFailed:
		return "send_failed"
	case Database:
		return "database"
	case Serialization:
		return "serialization"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is the classified error value passed between H, S, P and Y.
type Error struct {
	Kind   Kind
	Status int // HTTP status, when applicable; 0 otherwise
	Op     string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// WithStatus attaches an HTTP status code.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

// FromStatus maps an HTTP status code to a Kind using the rules in spec §7:
// 401/403 -> Auth, listed retryable 5xx -> ServerError, other 5xx -> ServerError,
// everything else 4xx -> BadRequest. No status maps to NoAccess, and no
// caller in this module produces NoAccess.
func FromStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Auth
	case status >= 500:
		return ServerError
	case status >= 400:
		return BadRequest
	default:
		return Unknown
	}
}

// RetryEligible implements the fixed function from spec §7: in the send
// pipeline, {Transport, ServerError, Unknown} are retry-eligible (timeouts
// are classified as Transport by httpclient, so they are eligible too);
// everything else is not.
func RetryEligible(k Kind) bool {
	switch k {
	case Transport, ServerError, Unknown:
		return true
	default:
		return false
	}
}

// As is a thin re-export of errors.As for classified-error call sites.
func As(err error, target **Error) bool {
	return errors.As(err, target)
}
