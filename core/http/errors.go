package http

import (
	"encoding/json"
	"errors"
	nethttp "net/http"
)

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// BaseError is an error with an HTTP status. It serializes as
// {"error": message, "statusCode": code}.
type BaseError struct {
	Message string
	Code    int
	Err     error
}

// NewError creates a BaseError; a zero code means 500.
func NewError(code int, message string) *BaseError {
	return &BaseError{Message: message, Code: code}
}

func (e *BaseError) Error() string {
	return e.Message
}

func (e *BaseError) Unwrap() error {
	return e.Err
}

func (e *BaseError) StatusCode() int {
	if e.Code == 0 {
		return nethttp.StatusInternalServerError
	}
	return e.Code
}

func (e *BaseError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Error      string `json:"error"`
		StatusCode int    `json:"statusCode"`
	}{e.Message, e.StatusCode()})
}

type NotFoundError struct{ BaseError }

// NotFound creates a 404 error; the message defaults to "Not found".
func NotFound(message ...string) *NotFoundError {
	return &NotFoundError{BaseError{Message: first(message, "Not found"), Code: nethttp.StatusNotFound}}
}

type ForbiddenError struct{ BaseError }

// Forbidden creates a 403 error; the message defaults to "Forbidden".
func Forbidden(message ...string) *ForbiddenError {
	return &ForbiddenError{BaseError{Message: first(message, "Forbidden"), Code: nethttp.StatusForbidden}}
}

// UpgradeError reports a failed WebSocket handshake precondition. It is
// answered as a plain HTTP error.
type UpgradeError struct{ BaseError }

func NewUpgradeError(code int, message string, cause error) *UpgradeError {
	return &UpgradeError{BaseError{Message: message, Code: code, Err: cause}}
}

// ValidationDetail describes one failed rule.
type ValidationDetail struct {
	InstancePath string         `json:"instancePath"`
	Keyword      string         `json:"keyword"`
	Message      string         `json:"message"`
	Params       map[string]any `json:"params,omitempty"`
}

// Locations of validated data.
const (
	LocationParams   = "params"
	LocationQuery    = "query"
	LocationBody     = "body"
	LocationResponse = "response"
)

// ValidationError is a failed schema check (400).
type ValidationError struct {
	BaseError
	Details  []ValidationDetail
	Location string
}

func NewValidationError(message string, details []ValidationDetail, location string) *ValidationError {
	if message == "" {
		message = "Validation error"
	}
	if details == nil {
		details = []ValidationDetail{}
	}
	return &ValidationError{
		BaseError: BaseError{Message: message, Code: nethttp.StatusBadRequest},
		Details:   details,
		Location:  location,
	}
}

func (e *ValidationError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Error      string             `json:"error"`
		Details    []ValidationDetail `json:"details"`
		Location   string             `json:"location,omitempty"`
		StatusCode int                `json:"statusCode"`
	}{e.Message, e.Details, e.Location, e.StatusCode()})
}

// StatusCode returns the status carried by err, or 500.
func StatusCode(err error) int {
	var sc StatusCoder
	if errors.As(err, &sc) {
		if code := sc.StatusCode(); code > 0 {
			return code
		}
	}
	return nethttp.StatusInternalServerError
}

// ErrorBody is the JSON value written for err by the default error
// handler.
func ErrorBody(err error) any {
	var m json.Marshaler
	if errors.As(err, &m) {
		return m
	}
	return map[string]any{"error": err.Error(), "statusCode": StatusCode(err)}
}

func first(values []string, fallback string) string {
	if len(values) > 0 && values[0] != "" {
		return values[0]
	}
	return fallback
}
