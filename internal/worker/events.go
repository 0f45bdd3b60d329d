package worker

import (
	"errors"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/tts-gateway/internal/core"
	"github.com/google/uuid"
)

// ErrorCodeInsufficientCredits marks replies refused by the credit gate.
const ErrorCodeInsufficientCredits = "insufficient_credits"

// GenerationRequestedEvent asks the gateway for speech. The text travels inline
// or, for large inputs, as an object store key. Preview requests ignore Text and
// synthesize the sample sentence for PreviewLanguage.
type GenerationRequestedEvent struct {
	Header          events.EventHeader  `json:"header"`
	VoiceID         string              `json:"voice_id"`
	VoiceLanguage   string              `json:"voice_language,omitempty"`
	Text            string              `json:"text,omitempty"`
	TextKey         string              `json:"text_key,omitempty"`
	ModelID         string              `json:"model_id,omitempty"`
	OutputFormat    string              `json:"output_format,omitempty"`
	Language        string              `json:"language,omitempty"`
	Settings        *core.VoiceSettings `json:"voice_settings,omitempty"`
	Seed            *uint32             `json:"seed,omitempty"`
	Tier            core.Tier           `json:"tier,omitempty"`
	Preview         bool                `json:"preview,omitempty"`
	PreviewLanguage string              `json:"preview_language,omitempty"`
}

// GenerationCompletedEvent is the reply for every request, successful or not.
// CreditsCharged is zero whenever Status is failed.
type GenerationCompletedEvent struct {
	Header         events.EventHeader    `json:"header"`
	RequestID      string                `json:"request_id"`
	Status         core.GenerationStatus `json:"status"`
	AudioKey       string                `json:"audio_key,omitempty"`
	SubtitleKey    string                `json:"subtitle_key,omitempty"`
	OutputFormat   string                `json:"output_format,omitempty"`
	Language       string                `json:"language,omitempty"`
	Seed           uint32                `json:"seed,omitempty"`
	Duration       float64               `json:"duration"`
	Chunks         int                   `json:"chunks"`
	CreditsCharged int64                 `json:"credits_charged"`
	ErrorCode      string                `json:"error_code,omitempty"`
	Error          string                `json:"error,omitempty"`
	Retryable      bool                  `json:"retryable,omitempty"`
}

// GenerationProgressEvent reports a state transition of a running request.
type GenerationProgressEvent struct {
	Header    events.EventHeader `json:"header"`
	RequestID string             `json:"request_id"`
	State     string             `json:"state"`
	Chunk     int                `json:"chunk,omitempty"`
	Total     int                `json:"total,omitempty"`
}

// NewHeader returns a header for a new event in workflowID.
func NewHeader(workflowID, userID string) events.EventHeader {
	if workflowID == "" {
		workflowID = uuid.NewString()
	}

	return events.EventHeader{
		Timestamp:  time.Now().UTC(),
		WorkflowID: workflowID,
		EventID:    uuid.NewString(),
		UserID:     userID,
		TenantID:   "",
	}
}

func replyHeader(request events.EventHeader) events.EventHeader {
	header := NewHeader(request.WorkflowID, request.UserID)
	header.TenantID = request.TenantID

	return header
}

// requestID is the request's event ID, or a fresh one when the caller sent none.
func requestID(header events.EventHeader) string {
	if header.EventID != "" {
		return header.EventID
	}

	return uuid.NewString()
}

func errorCode(err error) string {
	if errors.Is(err, core.ErrInsufficientCredits) {
		return ErrorCodeInsufficientCredits
	}

	return string(core.KindOf(err))
}
