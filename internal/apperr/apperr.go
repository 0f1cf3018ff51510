// Package apperr defines the stable public error vocabulary and the helpers
// that classify downstream failures into it. Raw storage or SDK messages stay
// in logs; only these kinds and their public messages reach clients.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the stable machine-readable error code exposed to clients.
type Kind string

const (
	KindValidation             Kind = "VALIDATION"
	KindUnauthenticated        Kind = "UNAUTHENTICATED"
	KindNotFound               Kind = "NOT_FOUND"
	KindAlreadyExists          Kind = "ALREADY_EXISTS"
	KindLocked                 Kind = "LOCKED"
	KindTerminal               Kind = "TERMINAL"
	KindUnavailable            Kind = "UNAVAILABLE"
	KindMemoryExtractionFailed Kind = "MEMORY_EXTRACTION_FAILED"
	KindRuntimeUnavailable     Kind = "RUNTIME_UNAVAILABLE"
	KindInternal               Kind = "INTERNAL"
)

// HTTPStatus maps a kind onto its wire status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindAlreadyExists, KindLocked, KindTerminal:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindRuntimeUnavailable, KindInternal, KindMemoryExtractionFailed:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Stable error-id tags for alerting correlation.
const (
	ErrIDCacheParseFailed    = "ERR_CACHE_PARSE_FAILED"
	ErrIDInitParseFailed     = "ERR_INIT_PARSE_FAILED"
	ErrIDResultParseFailed   = "ERR_RESULT_PARSE_FAILED"
	ErrIDPersistFailed       = "ERR_PERSIST_FAILED"
	ErrIDMemoryExtractFailed = "ERR_MEMORY_EXTRACT_FAILED"
	ErrIDLockUnavailable     = "ERR_LOCK_UNAVAILABLE"
	ErrIDStoreUnavailable    = "ERR_STORE_UNAVAILABLE"
)

// Error is the single error type crossing component boundaries.
type Error struct {
	Kind    Kind
	Message string
	ErrID   string         // optional ERR_* correlation tag
	Details map[string]any // optional public details
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is match two *Error values by kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New constructs an Error with a public message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf constructs an Error with a formatted public message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause for logging while keeping msg as the public face.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, cause: cause}
}

// WithErrID returns a copy tagged with an ERR_* correlation id.
func (e *Error) WithErrID(id string) *Error {
	c := *e
	c.ErrID = id
	return &c
}

// WithDetails returns a copy carrying public detail fields.
func (e *Error) WithDetails(details map[string]any) *Error {
	c := *e
	c.Details = details
	return &c
}

// KindOf extracts the kind from any error, defaulting to INTERNAL.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
