package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the monitor. Typed errors created by the helpers below
// match the sentinel of their Kind with errors.Is.
var (
	// Taxonomy
	ErrTransport           = errors.New("transport error")
	ErrProtocol            = errors.New("protocol error")
	ErrCrypto              = errors.New("crypto error")
	ErrCredentialExhausted = errors.New("credential exhausted")

	// Authentication
	ErrAuthTimeout   = errors.New("authentication status polling timed out")
	ErrAuthRejected  = errors.New("authentication rejected")
	ErrNoRefresh     = errors.New("no refresh token")
	ErrKeyNotFound   = errors.New("no token encryption key published")
	ErrInvalidNumber = errors.New("invalid KSeF number")

	// General
	ErrNotFound    = errors.New("not found")
	ErrInvalidPath = errors.New("path escapes output directory")
	ErrUnsupported = errors.New("unsupported operation")
	ErrConfig      = errors.New("invalid configuration")
)

// Kind classifies an Error.
type Kind int

const (
	KindTransport Kind = iota + 1
	KindProtocol
	KindCrypto
	KindCredentialExhausted
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindCrypto:
		return "crypto"
	case KindCredentialExhausted:
		return "credential_exhausted"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindTransport:
		return ErrTransport
	case KindProtocol:
		return ErrProtocol
	case KindCrypto:
		return ErrCrypto
	case KindCredentialExhausted:
		return ErrCredentialExhausted
	default:
		return nil
	}
}

// Error is a classified failure. StatusCode is the HTTP status for transport
// errors that came back from the server, 0 when the request never completed.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s error", e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's Kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// Transport wraps a network or HTTP-layer failure.
func Transport(op string, statusCode int, err error) error {
	return &Error{Kind: KindTransport, Op: op, StatusCode: statusCode, Err: err}
}

// Protocol reports an unexpected status or a missing field in an otherwise successful response.
func Protocol(op string, format string, args ...interface{}) error {
	return &Error{Kind: KindProtocol, Op: op, Err: fmt.Errorf(format, args...)}
}

// Crypto reports a bad or missing key, or an encryption failure.
func Crypto(op string, err error) error {
	return &Error{Kind: KindCrypto, Op: op, Err: err}
}

// CredentialExhausted reports that both refresh and reauthentication failed.
func CredentialExhausted(op string, err error) error {
	return &Error{Kind: KindCredentialExhausted, Op: op, Err: err}
}

// KindOf returns the Kind of the first classified error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// StatusCode returns the HTTP status carried by a transport error, or 0.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}

// IsUnauthorized reports whether err is a transport error carrying HTTP 401.
func IsUnauthorized(err error) bool {
	return StatusCode(err) == http.StatusUnauthorized
}

// IsNotFound reports whether err is ErrNotFound or a transport error carrying HTTP 404.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || StatusCode(err) == http.StatusNotFound
}

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Join returns an error that wraps the given errors, discarding nils.
func Join(errs ...error) error {
	return errors.Join(errs...)
}
