package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrSigningFailed = errors.New("signing failed")
	ErrWSDisconnect  = errors.New("websocket disconnected")
	ErrLockHeld      = errors.New("lock already held")

	// ErrValidation marks input rejected before any external call.
	ErrValidation = errors.New("validation failed")

	// ErrCredential marks a missing or unusable trading credential. Never
	// retried automatically.
	ErrCredential       = errors.New("credential error")
	ErrDecryptionFailed = fmt.Errorf("decryption failed: %w", ErrCredential)

	// ErrVenueRejected is an exchange-side business rejection.
	ErrVenueRejected       = errors.New("rejected by venue")
	ErrInsufficientBalance = fmt.Errorf("insufficient balance: %w", ErrVenueRejected)

	// ErrNetwork covers transport failures; retryable.
	ErrNetwork     = errors.New("network error")
	ErrTimeout     = fmt.Errorf("timeout: %w", ErrNetwork)
	ErrRateLimited = fmt.Errorf("rate limited: %w", ErrNetwork)
	// ErrUnconfirmed is a timed-out call that may have mutated venue state.
	ErrUnconfirmed = fmt.Errorf("unconfirmed: %w", ErrTimeout)

	ErrStaleData           = errors.New("stale price data")
	ErrPriceUnavailable    = errors.New("price unavailable")
	ErrConcurrentClaimLost = errors.New("concurrent claim lost")
	ErrExecutionInProgress = errors.New("stop loss execution in progress")
	ErrOrderFilled         = errors.New("order already filled")
	ErrUnmapped            = fmt.Errorf("market id unmapped: %w", ErrNotFound)
)

// ValidationError describes a single rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsRetryable reports whether err is a transient failure that the stop-loss
// monitor may retry on a later cycle.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCredential) || errors.Is(err, ErrVenueRejected) || errors.Is(err, ErrValidation) {
		return false
	}
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrPriceUnavailable)
}
