package core

import (
	"time"
)

// Tier selects which credential pool a request draws from.
type Tier string

// Credential tiers.
const (
	TierRegular Tier = "regular"
	TierPremium Tier = "premium"
)

// CredentialStatus is the lifecycle state of a provider credential.
type CredentialStatus string

// Credential statuses.
const (
	StatusActive   CredentialStatus = "active"
	StatusInactive CredentialStatus = "inactive"
	StatusExpired  CredentialStatus = "expired"
)

// Credential is a provider access token with its own quota and priority.
// Reserved holds the credits of calls in flight: Acquire reserves them and
// ReportUsage or Release settles them, so Consumed never passes Quota.
type Credential struct {
	ID       string           `json:"id"       yaml:"id"`
	Label    string           `json:"label"    yaml:"label"`
	Secret   string           `json:"-"        yaml:"secret"`
	Tier     Tier             `json:"tier"     yaml:"tier"`
	Quota    int64            `json:"quota"    yaml:"quota"`
	Consumed int64            `json:"consumed" yaml:"consumed"`
	Reserved int64            `json:"reserved" yaml:"-"`
	Priority int              `json:"priority" yaml:"priority"`
	Status   CredentialStatus `json:"status"   yaml:"status"`
}

// Headroom returns the credits left in the current period that no call in
// flight has reserved.
func (c Credential) Headroom() int64 {
	return c.Quota - c.Consumed - c.Reserved
}

// VoiceSettings tune the provider's voice rendering.
type VoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

// DefaultVoiceSettings are applied when a request carries no settings.
func DefaultVoiceSettings() VoiceSettings {
	return VoiceSettings{
		Stability:       0.5,
		SimilarityBoost: 0.75,
		Style:           0.0,
		UseSpeakerBoost: true,
	}
}

// GenerationRequest is a user's immutable ask to turn text into speech.
// VoiceLanguage is the voice's configured default, used when Language is empty.
type GenerationRequest struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	VoiceID       string         `json:"voice_id"`
	Text          string         `json:"text"`
	ModelID       string         `json:"model_id"`
	OutputFormat  string         `json:"output_format"`
	Language      string         `json:"language,omitempty"`
	VoiceLanguage string         `json:"voice_language,omitempty"`
	Settings      *VoiceSettings `json:"voice_settings,omitempty"`
	Seed          *uint32        `json:"seed,omitempty"`
	Tier          Tier           `json:"tier,omitempty"`
}

// SynthesisRequest is one outbound provider call.
type SynthesisRequest struct {
	VoiceID      string
	Text         string
	ModelID      string
	OutputFormat string
	LanguageCode string
	Settings     VoiceSettings
	Seed         *uint32
}

// Chunk is one ordered fragment of a request's text together with the seed it
// was rendered with and its estimated position in the assembled audio.
type Chunk struct {
	Sequence  int     `json:"sequence"`
	Text      string  `json:"text"`
	Seed      uint32  `json:"seed"`
	Credits   int64   `json:"credits"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
}

// GenerationStatus is the terminal state reported to the caller.
type GenerationStatus string

// Generation statuses.
const (
	GenerationCompleted GenerationStatus = "completed"
	GenerationFailed    GenerationStatus = "failed"
)

// GenerationResult is what the orchestrator hands back for persistence.
// CreditsCharged is zero whenever Status is GenerationFailed.
type GenerationResult struct {
	RequestID      string
	Status         GenerationStatus
	Audio          []byte
	OutputFormat   string
	Language       string
	Seed           uint32
	Settings       VoiceSettings
	Duration       float64
	Chunks         []Chunk
	CreditsCharged int64
	ProcessingTime time.Duration
	Err            error
}

// Succeeded reports whether the generation completed.
func (r *GenerationResult) Succeeded() bool {
	return r.Status == GenerationCompleted
}
