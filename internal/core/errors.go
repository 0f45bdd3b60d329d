package core

import (
	"errors"
	"fmt"
)

// ErrorKind tags every failure the pipeline can observe.
type ErrorKind string

// Error kinds.
const (
	KindValidation         ErrorKind = "validation_error"
	KindNoCapacity         ErrorKind = "no_capacity"
	KindAuthRejected       ErrorKind = "auth_rejected"
	KindRateLimited        ErrorKind = "rate_limited"
	KindServerError        ErrorKind = "provider_server_error"
	KindQuotaExceeded      ErrorKind = "provider_quota_exceeded"
	KindVoiceUnavailable   ErrorKind = "voice_unavailable"
	KindUnsupportedRequest ErrorKind = "unsupported_request"
	KindTransport          ErrorKind = "transport_error"
	KindUnknown            ErrorKind = "unknown"
)

// Sentinel errors, one per kind, usable with errors.Is.
var (
	ErrValidation          = errors.New("validation error")
	ErrNoCapacity          = errors.New("no credential with sufficient capacity")
	ErrAuthRejected        = errors.New("provider rejected credential")
	ErrRateLimited         = errors.New("provider rate limited")
	ErrProviderServer      = errors.New("provider server error")
	ErrProviderQuota       = errors.New("provider credit quota exceeded")
	ErrVoiceUnavailable    = errors.New("voice unavailable")
	ErrUnsupportedRequest  = errors.New("unsupported request")
	ErrTransport           = errors.New("provider unreachable")
	ErrGenerationFailed    = errors.New("generation failed")
	ErrInsufficientCredits = errors.New("insufficient credits")
)

var kindSentinels = map[ErrorKind]error{
	KindValidation:         ErrValidation,
	KindNoCapacity:         ErrNoCapacity,
	KindAuthRejected:       ErrAuthRejected,
	KindRateLimited:        ErrRateLimited,
	KindServerError:        ErrProviderServer,
	KindQuotaExceeded:      ErrProviderQuota,
	KindVoiceUnavailable:   ErrVoiceUnavailable,
	KindUnsupportedRequest: ErrUnsupportedRequest,
	KindTransport:          ErrTransport,
}

var kindOrder = []ErrorKind{
	KindValidation,
	KindUnsupportedRequest,
	KindNoCapacity,
	KindAuthRejected,
	KindRateLimited,
	KindQuotaExceeded,
	KindVoiceUnavailable,
	KindServerError,
	KindTransport,
}

// Retryable reports whether a failure of this kind should rotate the
// credential and try again.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindNoCapacity, KindAuthRejected, KindRateLimited, KindServerError,
		KindQuotaExceeded, KindVoiceUnavailable, KindTransport:
		return true
	case KindValidation, KindUnsupportedRequest, KindUnknown:
		return false
	default:
		return false
	}
}

// ProviderError is the structured failure returned by a Provider.
type ProviderError struct {
	Kind       ErrorKind
	StatusCode int
	Code       string
	Message    string
	Cause      error
}

// NewProviderError creates a ProviderError.
func NewProviderError(kind ErrorKind, statusCode int, code, message string, cause error) *ProviderError {
	return &ProviderError{
		Kind:       kind,
		StatusCode: statusCode,
		Code:       code,
		Message:    message,
		Cause:      cause,
	}
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider %s", e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}

	if e.Message != "" {
		msg += ": " + e.Message
	}

	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}

	return msg
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel of the error's kind.
func (e *ProviderError) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]

	return ok && sentinel == target
}

// GenerationFailedError is raised by the executor once every attempt failed or
// a fatal failure stopped the loop.
type GenerationFailedError struct {
	Attempts int
	Last     error
}

// Error implements the error interface.
func (e *GenerationFailedError) Error() string {
	return fmt.Sprintf("%s after %d attempt(s): %v", ErrGenerationFailed, e.Attempts, e.Last)
}

// Unwrap exposes both ErrGenerationFailed and the last cause.
func (e *GenerationFailedError) Unwrap() []error {
	return []error{ErrGenerationFailed, e.Last}
}

// KindOf classifies an arbitrary error. Structured provider errors carry their
// own kind; sentinel-wrapped errors map back to theirs.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Kind
	}

	for _, kind := range kindOrder {
		if errors.Is(err, kindSentinels[kind]) {
			return kind
		}
	}

	return KindUnknown
}

// Validationf builds a validation error.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
