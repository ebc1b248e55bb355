// Package apperr defines the error taxonomy shared by the billing packages
// and its mapping onto HTTP responses.
package apperr

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Kinds. Every domain error unwraps to exactly one of these.
var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrDuplicate         = errors.New("duplicate resource")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrUpstream          = errors.New("upstream gateway error")
)

// Error is a domain error carrying a stable machine-readable code.
type Error struct {
	Kind    error
	Code    string
	Message string
}

// New creates a domain error of the given kind.
func New(kind error, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func (e *Error) Error() string { return e.Message }
func (e *Error) Unwrap() error { return e.Kind }

// KindOf returns the taxonomy kind of err, or nil for unclassified errors.
func KindOf(err error) error {
	for _, k := range []error{ErrValidation, ErrNotFound, ErrInvalidTransition, ErrDuplicate, ErrInvalidSignature, ErrUpstream} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Status maps an error onto an HTTP status code.
func Status(err error) int {
	switch KindOf(err) {
	case ErrValidation, ErrInvalidSignature:
		return http.StatusBadRequest
	case ErrNotFound:
		return http.StatusNotFound
	case ErrInvalidTransition, ErrDuplicate:
		return http.StatusConflict
	case ErrUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the machine-readable code for err.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	switch KindOf(err) {
	case ErrValidation:
		return "validation_error"
	case ErrNotFound:
		return "not_found"
	case ErrInvalidTransition:
		return "invalid_state"
	case ErrDuplicate:
		return "duplicate"
	case ErrInvalidSignature:
		return "invalid_signature"
	case ErrUpstream:
		return "gateway_unavailable"
	}
	return "internal_error"
}

// Respond writes err as a JSON error body. Unclassified errors never leak
// their message.
func Respond(c *gin.Context, err error) {
	status := Status(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "An unexpected error occurred"
	}
	c.JSON(status, gin.H{"error": Code(err), "message": msg})
}

// BadRequest writes a validation failure for an unparseable request body.
func BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": message})
}
