// Package gwerror defines the typed error taxonomy shared by the routing
// engine, the credit ledger and the request pipeline. Handlers map these to
// HTTP status codes; everything else matches with errors.Is / errors.As.
package gwerror

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for conditions that carry no extra payload.
var (
	// ErrInsufficientFunds is returned by the ledger before any provider
	// call is attempted on behalf of an account that cannot pay.
	ErrInsufficientFunds = errors.New("insufficient credits")

	// ErrNoProviderAvailable is returned when health filtering would leave
	// an empty candidate list for a request.
	ErrNoProviderAvailable = errors.New("no provider available")
)

// ValidationError rejects a malformed credential or request before any side
// effect has occurred.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// PermissionError signals that the caller's tier does not allow the
// requested operation (e.g. BYOK below the tier threshold).
type PermissionError struct {
	Tier      string
	Operation string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("tier %q is not permitted to %s", e.Tier, e.Operation)
}

// DecryptionError marks a stored credential as unusable: the ciphertext is
// corrupted or was sealed under a rotated key. Callers treat this as
// "credential unusable", never as a crash.
type DecryptionError struct {
	Cause error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("credential undecryptable: %v", e.Cause)
}

func (e *DecryptionError) Unwrap() error { return e.Cause }

// ProviderError is the normalized form of a failed provider call. Retryable
// errors move the pipeline to the next fallback candidate.
type ProviderError struct {
	Provider   string
	Model      string
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s (model=%s, status=%d): %s",
		e.Provider, e.Model, e.StatusCode, e.Message)
}

// ExhaustedError is fatal for one request: every candidate in the fallback
// chain was tried (or health-filtered) and none succeeded.
type ExhaustedError struct {
	Attempts []error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("no provider available: all %d candidates exhausted", len(e.Attempts))
}

func (e *ExhaustedError) Unwrap() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1]
}

// Retryable reports whether the pipeline should advance to the next fallback
// candidate after err. Validation and permission failures are final; so are
// provider errors explicitly marked non-retryable at 4xx.
func Retryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	var ve *ValidationError
	var perm *PermissionError
	if errors.As(err, &ve) || errors.As(err, &perm) {
		return false
	}
	// Transport-level failures (timeouts, refused connections) arrive as
	// plain errors from net/http; the next candidate may still succeed.
	return true
}

// HTTPStatus maps taxonomy errors onto response codes for the HTTP surface.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrNoProviderAvailable):
		return http.StatusServiceUnavailable
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return http.StatusBadRequest
	}
	var perm *PermissionError
	if errors.As(err, &perm) {
		return http.StatusForbidden
	}
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		return http.StatusBadGateway
	}
	var de *DecryptionError
	if errors.As(err, &de) {
		return http.StatusConflict
	}
	var pe *ProviderError
	if errors.As(err, &pe) && pe.StatusCode > 0 {
		return pe.StatusCode
	}
	return http.StatusInternalServerError
}
