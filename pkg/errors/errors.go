// Package errors holds the HTTP-facing error values of the indexer's admin
// surface and maps them to status codes.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrShardNotFound    = errors.New("shard not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrShardUnavailable = errors.New("shard unavailable")
	ErrMergeStalled     = errors.New("merge made no progress")
	ErrConflict         = errors.New("conflicting operation in progress")
	ErrInternal         = errors.New("internal error")
	ErrTimeout          = errors.New("operation timed out")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// HTTPStatusCode returns the status an AppError carries, or the status
// implied by the sentinel err wraps.
func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.StatusCode != 0 {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrShardNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrMergeStalled), errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrShardUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
