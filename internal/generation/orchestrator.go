// Package generation turns a user's request into one assembled audio artifact:
// validation, costing, chunking, seeding, synthesis and assembly.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-gateway/internal/audio"
	"github.com/book-expert/tts-gateway/internal/core"
	"github.com/book-expert/tts-gateway/internal/seed"
	"github.com/book-expert/tts-gateway/internal/text"
)

// DefaultMaxTextLength is the longest input accepted, in characters.
const DefaultMaxTextLength = 40000

// State is a step of the generation lifecycle.
type State string

// Generation states.
const (
	StateValidated  State = "validated"
	StateChunking   State = "chunking"
	StateGenerating State = "generating"
	StateAssembling State = "assembling"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

const (
	logFmtState          = "Generation %s: %s"
	logFmtChunk          = "Generation %s: generating chunk %d/%d (%d chars, seed %d, %d credits)"
	logFmtFailed         = "Generation %s failed in state %s: %v"
	logFmtCompleted      = "Generation %s completed: %d chunk(s), %d credits, %.1fs audio in %s"
	errFmtLedger         = "credit check: %w"
	errFmtInsufficient   = "%w: user %s needs %d credits"
	errFmtChunk          = "chunk %d/%d: %w"
	errFmtAssemble       = "assembling audio: %w"
	errFmtMissingField   = "%s is required"
	errFmtTextTooLong    = "text has %d characters, the limit is %d"
	errFmtFormat         = "output format %q is not supported"
	errFmtUnknownTier    = "unknown tier %q"
	errFmtSettingsBounds = "%s must be between 0 and 1, got %.2f"
)

// Executor performs one synthesis with retries.
type Executor interface {
	Execute(ctx context.Context, tier core.Tier, req core.SynthesisRequest, estimatedCredits int64) ([]byte, error)
}

// Observer receives finished generations.
type Observer interface {
	ObserveGeneration(result *core.GenerationResult, modelID string)
}

// Progress describes a state transition. Chunk and Total are set while generating.
type Progress struct {
	RequestID string `json:"request_id"`
	State     State  `json:"state"`
	Chunk     int    `json:"chunk,omitempty"`
	Total     int    `json:"total,omitempty"`
}

// Options tune an Orchestrator.
type Options struct {
	MaxTextLength      int
	ChunkSize          int
	DefaultTier        core.Tier
	AutoDetectLanguage bool
	// OnProgress, when set, is called synchronously on every state transition.
	OnProgress func(Progress)
}

// DefaultOptions returns the standard tuning.
func DefaultOptions() Options {
	return Options{
		MaxTextLength:      DefaultMaxTextLength,
		ChunkSize:          text.DefaultChunkSize,
		DefaultTier:        core.TierRegular,
		AutoDetectLanguage: false,
		OnProgress:         nil,
	}
}

// Orchestrator drives a generation request through the pipeline.
type Orchestrator struct {
	executor Executor
	ledger   core.CreditLedger
	catalog  *Catalog
	options  Options
	observer Observer
	log      *logger.Logger
	now      func() time.Time
}

// New creates an Orchestrator. A nil observer is allowed.
func New(
	executor Executor,
	ledger core.CreditLedger,
	catalog *Catalog,
	options Options,
	observer Observer,
	log *logger.Logger,
) *Orchestrator {
	if options.MaxTextLength <= 0 {
		options.MaxTextLength = DefaultMaxTextLength
	}

	if options.ChunkSize <= 0 {
		options.ChunkSize = text.DefaultChunkSize
	}

	if options.DefaultTier == "" {
		options.DefaultTier = core.TierRegular
	}

	if catalog == nil {
		catalog = NewCatalog(DefaultModels())
	}

	return &Orchestrator{
		executor: executor,
		ledger:   ledger,
		catalog:  catalog,
		options:  options,
		observer: observer,
		log:      log,
		now:      time.Now,
	}
}

// Catalog returns the model catalog in use.
func (o *Orchestrator) Catalog() *Catalog {
	return o.catalog
}

// EstimateCredits returns what req would cost.
func (o *Orchestrator) EstimateCredits(req core.GenerationRequest) int64 {
	return o.catalog.EstimateCredits(req.ModelID, text.Normalize(req.Text))
}

// Generate runs req to completion. The returned result is never nil; on
// failure its Status is failed, it carries no audio, CreditsCharged is zero and
// the returned error equals result.Err.
func (o *Orchestrator) Generate(ctx context.Context, req core.GenerationRequest) (*core.GenerationResult, error) {
	run := o.newRun(req)

	if err := o.validate(req); err != nil {
		return run.fail(err)
	}

	input := text.Normalize(req.Text)
	cost := o.catalog.EstimateCredits(req.ModelID, input)

	if err := o.checkCredits(ctx, req.UserID, cost); err != nil {
		return run.fail(err)
	}

	run.transition(StateValidated, 0, 0)

	settings := core.DefaultVoiceSettings()
	if req.Settings != nil {
		settings = *req.Settings
	}

	seeded := req
	seeded.Text = input
	baseSeed := seed.ForRequest(seeded, settings)
	normalized := seed.NormalizeSettings(settings)
	language := o.resolveLanguage(req, input)

	run.result.Settings = normalized
	run.result.Language = language

	run.transition(StateChunking, 0, 0)

	chunks := text.Split(input, o.options.ChunkSize)
	baseSeed = seed.Fit(baseSeed, len(chunks))
	run.result.Seed = baseSeed
	shares := apportion(cost, chunks)
	timeline := audio.NewTimeline(len(chunks))
	parts := make([][]byte, 0, len(chunks))

	for index, chunkText := range chunks {
		chunkSeed := seed.ForChunk(baseSeed, index)

		run.transition(StateGenerating, index+1, len(chunks))
		o.log.Info(logFmtChunk, run.result.RequestID, index+1, len(chunks), text.Length(chunkText), chunkSeed, shares[index])

		payload, err := o.executor.Execute(ctx, run.tier, core.SynthesisRequest{
			VoiceID:      req.VoiceID,
			Text:         chunkText,
			ModelID:      req.ModelID,
			OutputFormat: req.OutputFormat,
			LanguageCode: o.forwardedLanguage(req.ModelID, language),
			Settings:     normalized,
			Seed:         &chunkSeed,
		}, shares[index])
		if err != nil {
			return run.fail(fmt.Errorf(errFmtChunk, index+1, len(chunks), err))
		}

		parts = append(parts, payload)
		timeline.Append(core.Chunk{
			Sequence:  index + 1,
			Text:      chunkText,
			Seed:      chunkSeed,
			Credits:   shares[index],
			StartTime: 0,
			EndTime:   0,
		}, audio.EstimateDuration(len(payload), req.OutputFormat))
	}

	run.transition(StateAssembling, 0, 0)

	assembled, err := audio.Assemble(parts, req.OutputFormat)
	if err != nil {
		return run.fail(fmt.Errorf(errFmtAssemble, err))
	}

	return run.complete(assembled, timeline, sum(shares)), nil
}

// Preview synthesizes the fixed sample sentence for language with voiceID.
// Previews are charged to the pool but never to a user.
func (o *Orchestrator) Preview(ctx context.Context, voiceID, language string) (*core.GenerationResult, error) {
	sample := PreviewText(language)
	run := o.newRun(core.GenerationRequest{
		ID:            "",
		UserID:        "",
		VoiceID:       voiceID,
		Text:          sample,
		ModelID:       PreviewModel,
		OutputFormat:  PreviewFormat,
		Language:      language,
		VoiceLanguage: "",
		Settings:      nil,
		Seed:          nil,
		Tier:          "",
	})

	if strings.TrimSpace(voiceID) == "" {
		return run.fail(core.Validationf(errFmtMissingField, "voice"))
	}

	settings := core.DefaultVoiceSettings()
	credits := o.catalog.EstimateCredits(PreviewModel, sample)

	run.result.Settings = settings
	run.result.Language = language
	run.transition(StateGenerating, 1, 1)

	payload, err := o.executor.Execute(ctx, run.tier, core.SynthesisRequest{
		VoiceID:      voiceID,
		Text:         sample,
		ModelID:      PreviewModel,
		OutputFormat: PreviewFormat,
		LanguageCode: o.forwardedLanguage(PreviewModel, language),
		Settings:     settings,
		Seed:         nil,
	}, credits)
	if err != nil {
		return run.fail(err)
	}

	timeline := audio.NewTimeline(1)
	timeline.Append(core.Chunk{
		Sequence:  1,
		Text:      sample,
		Seed:      0,
		Credits:   credits,
		StartTime: 0,
		EndTime:   0,
	}, audio.EstimateDuration(len(payload), PreviewFormat))

	return run.complete(payload, timeline, 0), nil
}

func (o *Orchestrator) validate(req core.GenerationRequest) error {
	required := []struct {
		name  string
		value string
	}{
		{name: "voice", value: req.VoiceID},
		{name: "text", value: req.Text},
		{name: "model", value: req.ModelID},
		{name: "output format", value: req.OutputFormat},
	}

	for _, field := range required {
		if strings.TrimSpace(field.value) == "" {
			return core.Validationf(errFmtMissingField, field.name)
		}
	}

	if length := text.Length(text.Normalize(req.Text)); length > o.options.MaxTextLength {
		return core.Validationf(errFmtTextTooLong, length, o.options.MaxTextLength)
	}

	if _, err := audio.ContainerOf(req.OutputFormat); err != nil {
		return core.Validationf(errFmtFormat, req.OutputFormat)
	}

	switch req.Tier {
	case "", core.TierRegular, core.TierPremium:
	default:
		return core.Validationf(errFmtUnknownTier, req.Tier)
	}

	if req.Settings != nil {
		return validateSettings(*req.Settings)
	}

	return nil
}

func validateSettings(settings core.VoiceSettings) error {
	bounded := []struct {
		name  string
		value float64
	}{
		{name: "stability", value: settings.Stability},
		{name: "similarity_boost", value: settings.SimilarityBoost},
		{name: "style", value: settings.Style},
	}

	for _, field := range bounded {
		if field.value < 0 || field.value > 1 {
			return core.Validationf(errFmtSettingsBounds, field.name, field.value)
		}
	}

	return nil
}

func (o *Orchestrator) checkCredits(ctx context.Context, userID string, cost int64) error {
	if o.ledger == nil {
		return nil
	}

	sufficient, err := o.ledger.HasSufficientCredits(ctx, userID, cost)
	if err != nil {
		return fmt.Errorf(errFmtLedger, err)
	}

	if !sufficient {
		return fmt.Errorf(errFmtInsufficient, core.ErrInsufficientCredits, userID, cost)
	}

	return nil
}

// resolveLanguage picks the request's language, then the voice default, then
// a detected one when detection is enabled.
func (o *Orchestrator) resolveLanguage(req core.GenerationRequest, input string) string {
	switch {
	case req.Language != "":
		return req.Language
	case req.VoiceLanguage != "":
		return req.VoiceLanguage
	case o.options.AutoDetectLanguage:
		return text.DetectLanguage(input)
	default:
		return ""
	}
}

func (o *Orchestrator) forwardedLanguage(modelID, language string) string {
	if language == "" || !o.catalog.SupportsLanguage(modelID) {
		return ""
	}

	return language
}

// apportion splits total across chunks in proportion to their length so that
// the shares add up to total exactly.
func apportion(total int64, chunks []string) []int64 {
	shares := make([]int64, len(chunks))

	var length int64
	for _, chunk := range chunks {
		length += int64(text.Length(chunk))
	}

	if length == 0 {
		if len(shares) > 0 {
			shares[len(shares)-1] = total
		}

		return shares
	}

	var cumulative, previous int64

	for index, chunk := range chunks {
		cumulative += int64(text.Length(chunk))
		boundary := total * cumulative / length
		shares[index] = boundary - previous
		previous = boundary
	}

	return shares
}

func sum(values []int64) int64 {
	var total int64
	for _, value := range values {
		total += value
	}

	return total
}

// run tracks one generation's result and lifecycle.
type run struct {
	orchestrator *Orchestrator
	result       *core.GenerationResult
	tier         core.Tier
	modelID      string
	state        State
	started      time.Time
}

func (o *Orchestrator) newRun(req core.GenerationRequest) *run {
	tier := req.Tier
	if tier == "" {
		tier = o.options.DefaultTier
	}

	return &run{
		orchestrator: o,
		result: &core.GenerationResult{
			RequestID:      req.ID,
			Status:         core.GenerationFailed,
			Audio:          nil,
			OutputFormat:   req.OutputFormat,
			Language:       req.Language,
			Seed:           0,
			Settings:       core.VoiceSettings{},
			Duration:       0,
			Chunks:         nil,
			CreditsCharged: 0,
			ProcessingTime: 0,
			Err:            nil,
		},
		tier:    tier,
		modelID: req.ModelID,
		state:   "",
		started: o.now(),
	}
}

func (r *run) transition(state State, chunk, total int) {
	r.state = state

	if state != StateGenerating {
		r.orchestrator.log.Info(logFmtState, r.result.RequestID, state)
	}

	if r.orchestrator.options.OnProgress != nil {
		r.orchestrator.options.OnProgress(Progress{
			RequestID: r.result.RequestID,
			State:     state,
			Chunk:     chunk,
			Total:     total,
		})
	}
}

func (r *run) fail(err error) (*core.GenerationResult, error) {
	failedIn := r.state
	if failedIn == "" {
		failedIn = StateValidated
	}

	r.orchestrator.log.Error(logFmtFailed, r.result.RequestID, failedIn, err)
	r.transition(StateFailed, 0, 0)

	r.result.Status = core.GenerationFailed
	r.result.Audio = nil
	r.result.Chunks = nil
	r.result.Duration = 0
	r.result.CreditsCharged = 0
	r.result.Err = err
	r.result.ProcessingTime = r.orchestrator.now().Sub(r.started)
	r.observe()

	return r.result, err
}

func (r *run) complete(assembled []byte, timeline *audio.Timeline, charged int64) *core.GenerationResult {
	r.result.Status = core.GenerationCompleted
	r.result.Audio = assembled
	r.result.Chunks = timeline.Chunks()
	r.result.Duration = timeline.Total()
	r.result.CreditsCharged = charged
	r.result.ProcessingTime = r.orchestrator.now().Sub(r.started)

	r.transition(StateCompleted, 0, 0)
	r.orchestrator.log.Info(logFmtCompleted,
		r.result.RequestID,
		len(r.result.Chunks),
		r.result.CreditsCharged,
		r.result.Duration,
		r.result.ProcessingTime.Round(time.Millisecond),
	)
	r.observe()

	return r.result
}

func (r *run) observe() {
	if r.orchestrator.observer != nil {
		r.orchestrator.observer.ObserveGeneration(r.result, r.modelID)
	}
}

// IsValidation reports whether err was caused by invalid input.
func IsValidation(err error) bool {
	return errors.Is(err, core.ErrValidation)
}
