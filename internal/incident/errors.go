package incident

import (
	"errors"
	"fmt"
)

// Sentinel errors for the pipeline error taxonomy.
var (
	ErrNetwork       = errors.New("network error")
	ErrServer        = errors.New("server error")
	ErrClient        = errors.New("client error")
	ErrValidation    = errors.New("validation error")
	ErrParse         = errors.New("parse error")
	ErrNormalization = errors.New("normalization error")
	ErrCache         = errors.New("cache error")
)

// FetchError describes a failed fetch. Kind is one of ErrNetwork, ErrServer,
// ErrClient or ErrValidation.
type FetchError struct {
	Kind       error
	StatusCode int
	Attempts   int
	Err        error
}

func (e *FetchError) Error() string {
	msg := e.Kind.Error()
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Attempts > 0 {
		msg = fmt.Sprintf("%s after %d attempt(s)", msg, e.Attempts)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *FetchError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Retryable reports whether another attempt could succeed.
func (e *FetchError) Retryable() bool {
	return errors.Is(e.Kind, ErrNetwork) || errors.Is(e.Kind, ErrServer)
}
