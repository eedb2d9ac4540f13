package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		class ErrorClass
		wait  time.Duration
	}{
		{"canceled", context.Canceled, ClassCanceled, 0},
		{"deadline", context.DeadlineExceeded, ClassTimeout, 0},
		{"auth", &AuthError{Err: errors.New("bad token")}, ClassFatal, 0},
		{"rate limit", &APIError{Code: 429, RetryAfter: 3 * time.Second}, ClassRateLimit, 3 * time.Second},
		{"rate limit without hint", &APIError{Code: 429}, ClassRateLimit, 0},
		{"unauthorized", &APIError{Code: 401}, ClassFatal, 0},
		{"conflict", &APIError{Code: 409, Description: "Conflict: terminated by other getUpdates request"}, ClassFatal, 0},
		{"server", &APIError{Code: 502}, ClassTransient, 0},
		{"timeout", &TransportError{Kind: TransportTimeout}, ClassTimeout, 0},
		{"network", &TransportError{Kind: TransportNetwork}, ClassTransient, 0},
		{"bad gateway body", &TransportError{Kind: TransportServer}, ClassTransient, 0},
		{"malformed", &TransportError{Kind: TransportMalformed}, ClassFatal, 0},
		{"wrapped", fmt.Errorf("poll: %w", &APIError{Code: 429, RetryAfter: time.Second}), ClassRateLimit, time.Second},
		{"unknown", errors.New("boom"), ClassTransient, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			class, wait := Classify(tc.err)
			if class != tc.class {
				t.Errorf("class = %s, want %s", class, tc.class)
			}
			if wait != tc.wait {
				t.Errorf("wait = %v, want %v", wait, tc.wait)
			}
		})
	}
}

func TestFaultsUnwrap(t *testing.T) {
	cause := errors.New("db down")
	err := fmt.Errorf("dispatch: %w", &HandlerFault{Handler: "h", UpdateID: 1, Err: cause})
	if !errors.Is(err, cause) {
		t.Error("HandlerFault should unwrap to its cause")
	}

	var hf *HandlerFault
	if !errors.As(err, &hf) || hf.Handler != "h" {
		t.Errorf("errors.As HandlerFault failed: %v", err)
	}

	fatal := &FatalError{Err: &AuthError{Err: cause}}
	if !errors.Is(fatal, cause) {
		t.Error("FatalError should unwrap through AuthError")
	}
}
