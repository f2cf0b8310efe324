// Package errdefs defines the pipeline error taxonomy.
// Every error that crosses a service boundary carries one of these codes so
// callers can distinguish client-data faults from system faults.
package errdefs

import (
	"errors"
	"fmt"
)

// Error codes for pipeline errors.
const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeDuplicate        = "DUPLICATE_ERROR"
	CodeRateLimit        = "RATE_LIMIT_ERROR"
	CodeCrypto           = "CRYPTO_ERROR"
	CodeStorage          = "STORAGE_ERROR"
	CodeLedger           = "LEDGER_ERROR"
	CodeConfig           = "CONFIG_ERROR"
	CodeNotFound         = "NOT_FOUND"
	CodeRewardIneligible = "REWARD_INELIGIBLE"
)

// Error represents a pipeline error with a machine-readable code.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Field names the offending input field for validation errors.
	Field string `json:"field,omitempty"`
	// Hint carries a remediation hint for client-recoverable errors.
	Hint string `json:"hint,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// WithHint attaches a remediation hint.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// New creates a new pipeline error.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a new pipeline error with a formatted message.
func Newf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) *Error {
	return &Error{Code: CodeValidation, Message: message, Field: field}
}

// Duplicate creates a duplicate-submission error.
func Duplicate(message string) *Error {
	return &Error{
		Code:    CodeDuplicate,
		Message: message,
		Hint:    "this payload was already accepted; do not resubmit",
	}
}

// RateLimit creates a submission-frequency error.
func RateLimit(message string) *Error {
	return &Error{
		Code:    CodeRateLimit,
		Message: message,
		Hint:    "respect the minimum submission interval before retrying",
	}
}

// Crypto creates a fatal cryptographic error.
func Crypto(message string) *Error {
	return &Error{Code: CodeCrypto, Message: message}
}

// Storage creates a content-store I/O error.
func Storage(message string) *Error {
	return &Error{Code: CodeStorage, Message: message}
}

// Ledger creates an external-ledger error.
func Ledger(message string) *Error {
	return &Error{Code: CodeLedger, Message: message}
}

// Config creates a startup configuration error.
func Config(message string) *Error {
	return &Error{Code: CodeConfig, Message: message}
}

// NotFound creates a not-found error.
func NotFound(message string) *Error {
	return &Error{Code: CodeNotFound, Message: message}
}

// RewardIneligible creates a reward-qualification error.
func RewardIneligible(message string) *Error {
	return &Error{Code: CodeRewardIneligible, Message: message}
}

// codeOf extracts the pipeline error code from an error chain.
func codeOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsValidation reports whether err is a client data-quality error.
// Duplicate and rate-limit errors are validation subtypes.
func IsValidation(err error) bool {
	switch codeOf(err) {
	case CodeValidation, CodeDuplicate, CodeRateLimit:
		return true
	}
	return false
}

// IsDuplicate reports whether err is a duplicate-submission error.
func IsDuplicate(err error) bool { return codeOf(err) == CodeDuplicate }

// IsRateLimit reports whether err is a submission-frequency error.
func IsRateLimit(err error) bool { return codeOf(err) == CodeRateLimit }

// IsCrypto reports whether err is a fatal cryptographic error.
func IsCrypto(err error) bool { return codeOf(err) == CodeCrypto }

// IsStorage reports whether err is a content-store error.
func IsStorage(err error) bool { return codeOf(err) == CodeStorage }

// IsLedger reports whether err is an external-ledger error.
func IsLedger(err error) bool { return codeOf(err) == CodeLedger }

// IsConfig reports whether err is a startup configuration error.
func IsConfig(err error) bool { return codeOf(err) == CodeConfig }

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return codeOf(err) == CodeNotFound }

// IsRewardIneligible reports whether err is a reward-qualification error.
func IsRewardIneligible(err error) bool { return codeOf(err) == CodeRewardIneligible }
