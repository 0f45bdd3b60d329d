package provider

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/book-expert/tts-gateway/internal/core"
)

// Provider status codes carried in error detail payloads.
const (
	codeVoiceNotFound       = "voice_not_found"
	codeVoiceLimitReached   = "voice_limit_reached"
	codeQuotaExceeded       = "quota_exceeded"
	codeInsufficientCredits = "insufficient_credits"
	codeTooManyConcurrent   = "too_many_concurrent_requests"
	codeSystemBusy          = "system_busy"
	codeInvalidAPIKey       = "invalid_api_key"
)

const maxRawMessageLength = 200

// errorEnvelope covers the provider's error shapes: a detail object with a
// status code, a plain detail string, or a list of field errors.
type errorEnvelope struct {
	Detail json.RawMessage `json:"detail"`
}

type errorDetail struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type fieldError struct {
	Loc []any  `json:"loc"`
	Msg string `json:"msg"`
}

var codeKinds = map[string]core.ErrorKind{
	codeVoiceNotFound:       core.KindVoiceUnavailable,
	codeVoiceLimitReached:   core.KindVoiceUnavailable,
	codeQuotaExceeded:       core.KindQuotaExceeded,
	codeInsufficientCredits: core.KindQuotaExceeded,
	codeTooManyConcurrent:   core.KindRateLimited,
	codeSystemBusy:          core.KindRateLimited,
	codeInvalidAPIKey:       core.KindAuthRejected,
}

// classifyResponse turns a non-2xx response into a tagged provider error.
// A recognised provider code takes precedence over the status.
func classifyResponse(statusCode int, body []byte) *core.ProviderError {
	code, message := parseErrorBody(body)

	if kind, ok := codeKinds[code]; ok {
		return core.NewProviderError(kind, statusCode, code, message, nil)
	}

	return core.NewProviderError(kindForStatus(statusCode), statusCode, code, message, nil)
}

func kindForStatus(statusCode int) core.ErrorKind {
	switch {
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return core.KindAuthRejected
	case statusCode == http.StatusPaymentRequired:
		return core.KindQuotaExceeded
	case statusCode == http.StatusNotFound:
		return core.KindVoiceUnavailable
	case statusCode == http.StatusUnprocessableEntity:
		return core.KindValidation
	case statusCode == http.StatusTooManyRequests:
		return core.KindRateLimited
	case statusCode >= http.StatusInternalServerError:
		return core.KindServerError
	default:
		return core.KindUnsupportedRequest
	}
}

func parseErrorBody(body []byte) (string, string) {
	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Detail) == 0 {
		return "", truncate(strings.TrimSpace(string(body)))
	}

	var detail errorDetail
	if err := json.Unmarshal(envelope.Detail, &detail); err == nil && (detail.Status != "" || detail.Message != "") {
		return detail.Status, detail.Message
	}

	var text string
	if err := json.Unmarshal(envelope.Detail, &text); err == nil {
		return "", text
	}

	var fields []fieldError
	if err := json.Unmarshal(envelope.Detail, &fields); err == nil {
		return "", formatFieldErrors(fields)
	}

	return "", truncate(string(envelope.Detail))
}

func formatFieldErrors(fields []fieldError) string {
	messages := make([]string, 0, len(fields))

	for _, field := range fields {
		name := "unknown"
		if len(field.Loc) > 0 {
			name = fmt.Sprint(field.Loc[len(field.Loc)-1])
		}

		messages = append(messages, name+": "+field.Msg)
	}

	return strings.Join(messages, "; ")
}

func truncate(message string) string {
	runes := []rune(message)
	if len(runes) <= maxRawMessageLength {
		return message
	}

	return string(runes[:maxRawMessageLength])
}
