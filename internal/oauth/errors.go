package oauth

import (
	"errors"
	"fmt"
)

// ErrorKind classifies protocol failures.
type ErrorKind int

const (
	// KindConfiguration marks missing or invalid key material. Not retryable.
	KindConfiguration ErrorKind = iota
	// KindInvalidCredentials marks a server rejection of consumer key or access token.
	KindInvalidCredentials
	// KindTokenExpired marks a server rejection of an expired live session token.
	KindTokenExpired
	// KindSignatureInvalid marks a server rejection of a request signature.
	KindSignatureInvalid
	// KindSessionInit marks a failed live-session-token negotiation.
	KindSessionInit
	// KindNotAuthenticated marks an authenticated-only operation attempted without a valid token.
	KindNotAuthenticated
	// KindAPI marks any other non-2xx server response.
	KindAPI
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindInvalidCredentials:
		return "invalid credentials"
	case KindTokenExpired:
		return "token expired"
	case KindSignatureInvalid:
		return "signature invalid"
	case KindSessionInit:
		return "session init failed"
	case KindNotAuthenticated:
		return "not authenticated"
	case KindAPI:
		return "api error"
	default:
		return "unknown"
	}
}

// Error carries the failing operation and server context alongside its kind.
type Error struct {
	Kind       ErrorKind
	Op         string
	Endpoint   string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind == kind
	}
	return false
}
