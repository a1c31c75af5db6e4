// Package result provides the operation result returned by service flows.
package result

import (
	"strings"

	"entitykit/internal/core/apperror"
)

// DefaultSeparator joins error messages in Message.
const DefaultSeparator = "; "

// Result is either a success carrying a value or a failure carrying at least one message.
type Result[T any] struct {
	Value     T        `json:"value"`
	Errors    []string `json:"errors,omitempty"`
	Succeeded bool     `json:"succeeded"`

	// Err keeps the original error of a failure built by FromError.
	Err error `json:"-"`
}

// Success wraps a produced value.
func Success[T any](value T) Result[T] {
	return Result[T]{Value: value, Succeeded: true}
}

// Failure builds a failed result. An empty message list is replaced by a generic message
// so a failure never carries zero errors.
func Failure[T any](messages ...string) Result[T] {
	errs := make([]string, 0, len(messages))
	for _, m := range messages {
		if m != "" {
			errs = append(errs, m)
		}
	}
	if len(errs) == 0 {
		errs = append(errs, "operation failed")
	}
	return Result[T]{Errors: errs}
}

// FromError converts err into a failure. AppError messages and field details are kept readable.
func FromError[T any](err error) Result[T] {
	if err == nil {
		var zero T
		return Success(zero)
	}
	var r Result[T]
	if appErr, ok := apperror.AsAppError(err); ok {
		msg := appErr.Message
		if field, ok := appErr.Details["field"].(string); ok && field != "" {
			msg = field + ": " + msg
		}
		r = Failure[T](msg)
	} else {
		r = Failure[T](err.Error())
	}
	r.Err = err
	return r
}

// Failed is the negation of Succeeded.
func (r Result[T]) Failed() bool {
	return !r.Succeeded
}

// Message joins all errors into one display string.
func (r Result[T]) Message() string {
	return r.Join(DefaultSeparator)
}

// Join joins all errors with sep.
func (r Result[T]) Join(sep string) string {
	return strings.Join(r.Errors, sep)
}

// Unwrap returns the value and an error for failures, for callers that prefer Go-style returns.
func (r Result[T]) Unwrap() (T, error) {
	if r.Succeeded {
		return r.Value, nil
	}
	if r.Err != nil {
		return r.Value, r.Err
	}
	return r.Value, apperror.NewValidation(r.Message())
}
