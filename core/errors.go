package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"
)

var errNoStateStore = errors.New("no state store configured")

// ErrNoConversation is returned when state is written for an update that
// has no conversation key.
var ErrNoConversation = errors.New("update has no conversation")

// TransportKind classifies a failed network exchange.
type TransportKind int

const (
	TransportNetwork TransportKind = iota
	TransportTimeout
	TransportServer
	TransportMalformed
)

func (k TransportKind) String() string {
	switch k {
	case TransportTimeout:
		return "timeout"
	case TransportServer:
		return "server"
	case TransportMalformed:
		return "malformed"
	default:
		return "network"
	}
}

// TransportError is a network, timeout, server or decoding failure.
type TransportError struct {
	Kind   TransportKind
	Method string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s error: %v", e.Method, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// APIError is a call the remote API answered with ok=false.
type APIError struct {
	Method          string
	Code            int
	Description     string
	RetryAfter      time.Duration
	MigrateToChatID int64
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: api error %d: %s", e.Method, e.Code, e.Description)
}

// IsRateLimit reports whether the remote asked the caller to slow down.
func (e *APIError) IsRateLimit() bool {
	return e.Code == http.StatusTooManyRequests
}

// AuthError means the credentials were rejected.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("unauthorized: %v", e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// FatalError stops ingestion. It is returned from Dispatcher.Run.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal: %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// HandlerFault is an error or panic raised by a handler action.
type HandlerFault struct {
	Handler  string
	UpdateID int64
	Err      error
}

func (e *HandlerFault) Error() string {
	return fmt.Sprintf("handler %q on update %d: %v", e.Handler, e.UpdateID, e.Err)
}

func (e *HandlerFault) Unwrap() error { return e.Err }

// MiddlewareFault is an error or panic raised by a middleware hook.
type MiddlewareFault struct {
	Middleware string
	Stage      string
	Err        error
}

func (e *MiddlewareFault) Error() string {
	return fmt.Sprintf("middleware %q %s: %v", e.Middleware, e.Stage, e.Err)
}

func (e *MiddlewareFault) Unwrap() error { return e.Err }

// RegistryFault is an error or panic raised while evaluating a filter.
type RegistryFault struct {
	Handler string
	Err     error
}

func (e *RegistryFault) Error() string {
	return fmt.Sprintf("filter of handler %q: %v", e.Handler, e.Err)
}

func (e *RegistryFault) Unwrap() error { return e.Err }

// PanicError carries a recovered panic value and the goroutine stack.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

func recoverPanic(r any) error {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return &PanicError{Value: r, Stack: buf[:n]}
}

// ErrorClass is the retry policy bucket of an error.
type ErrorClass int

const (
	ClassTransient ErrorClass = iota
	ClassTimeout
	ClassRateLimit
	ClassFatal
	ClassCanceled
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTimeout:
		return "timeout"
	case ClassRateLimit:
		return "rate_limit"
	case ClassFatal:
		return "fatal"
	case ClassCanceled:
		return "canceled"
	default:
		return "transient"
	}
}

// Classify maps err to a retry class. For ClassRateLimit the returned
// duration is the server-specified wait, or zero when none was given.
func Classify(err error) (ErrorClass, time.Duration) {
	if errors.Is(err, context.Canceled) {
		return ClassCanceled, 0
	}

	var authErr *AuthError
	if errors.As(err, &authErr) {
		return ClassFatal, 0
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.IsRateLimit():
			return ClassRateLimit, apiErr.RetryAfter
		case apiErr.Code == http.StatusUnauthorized,
			apiErr.Code == http.StatusForbidden,
			apiErr.Code == http.StatusNotFound:
			return ClassFatal, 0
		case apiErr.Code >= http.StatusInternalServerError:
			return ClassTransient, 0
		default:
			// Any other rejection of getUpdates (bad params, webhook
			// conflict) repeats identically on retry.
			return ClassFatal, 0
		}
	}

	var trErr *TransportError
	if errors.As(err, &trErr) {
		switch trErr.Kind {
		case TransportTimeout:
			return ClassTimeout, 0
		case TransportMalformed:
			return ClassFatal, 0
		default:
			return ClassTransient, 0
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout, 0
	}
	return ClassTransient, 0
}
