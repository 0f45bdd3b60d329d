package generation_test

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-gateway/internal/core"
	"github.com/book-expert/tts-gateway/internal/generation"
	"github.com/book-expert/tts-gateway/internal/seed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testVoice     = "voice-1"
	testFormat    = "mp3_44100_128"
	shortSentence = "Lorem ipsum dolor sit amet consectetur adipiscin."
	finalSentence = "Lorem ipsum dolor sit amet consectetur adipiscing."
)

var errProviderDown = errors.New("provider down")

type executeCall struct {
	tier    core.Tier
	req     core.SynthesisRequest
	credits int64
}

// fakeExecutor returns payload for every call except the one at failAt (1-based).
type fakeExecutor struct {
	mu      sync.Mutex
	payload []byte
	failAt  int
	failErr error
	calls   []executeCall
}

func (e *fakeExecutor) Execute(_ context.Context, tier core.Tier, req core.SynthesisRequest, credits int64) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.calls = append(e.calls, executeCall{tier: tier, req: req, credits: credits})

	if e.failAt == len(e.calls) {
		return nil, e.failErr
	}

	return e.payload, nil
}

type fakeLedger struct {
	sufficient bool
	err        error
	checked    []int64
}

func (l *fakeLedger) HasSufficientCredits(_ context.Context, _ string, amount int64) (bool, error) {
	l.checked = append(l.checked, amount)

	return l.sufficient, l.err
}

func (l *fakeLedger) Deduct(context.Context, string, int64) (bool, error) {
	return false, errors.New("orchestrator must not deduct")
}

type recordingObserver struct {
	results []*core.GenerationResult
	models  []string
}

func (o *recordingObserver) ObserveGeneration(result *core.GenerationResult, modelID string) {
	o.results = append(o.results, result)
	o.models = append(o.models, modelID)
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "generation-test.log")
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = log.Close()
	})

	return log
}

func payloadOf(size int) []byte {
	return append([]byte("ID3"), bytes.Repeat([]byte{0xAB}, size-3)...)
}

// fiveThousandChars is 99 sentences of 49 characters and one of 50, joined by
// single spaces.
func fiveThousandChars() string {
	sentences := make([]string, 0, 100)
	for range 99 {
		sentences = append(sentences, shortSentence)
	}

	return strings.Join(append(sentences, finalSentence), " ")
}

func request(text string) core.GenerationRequest {
	return core.GenerationRequest{
		ID:            "req-1",
		UserID:        "user-1",
		VoiceID:       testVoice,
		Text:          text,
		ModelID:       generation.ModelFlash,
		OutputFormat:  testFormat,
		Language:      "",
		VoiceLanguage: "",
		Settings:      nil,
		Seed:          nil,
		Tier:          "",
	}
}

type fixture struct {
	executor     *fakeExecutor
	ledger       *fakeLedger
	observer     *recordingObserver
	orchestrator *generation.Orchestrator
}

func newFixture(t *testing.T, options generation.Options) *fixture {
	t.Helper()

	f := &fixture{
		executor: &fakeExecutor{mu: sync.Mutex{}, payload: payloadOf(2000), failAt: 0, failErr: nil, calls: nil},
		ledger:   &fakeLedger{sufficient: true, err: nil, checked: nil},
		observer: &recordingObserver{results: nil, models: nil},
	}
	f.orchestrator = generation.New(
		f.executor,
		f.ledger,
		generation.NewCatalog(generation.DefaultModels()),
		options,
		f.observer,
		newTestLogger(t),
	)

	return f
}

func TestGenerateSplitsLongTextIntoSeededChunks(t *testing.T) {
	t.Parallel()

	f := newFixture(t, generation.DefaultOptions())
	input := fiveThousandChars()
	require.Len(t, input, 5000)

	result, err := f.orchestrator.Generate(context.Background(), request(input))
	require.NoError(t, err)

	base := seed.Derive(testVoice, generation.ModelFlash, input, 0.5, 0.75, 0)

	assert.True(t, result.Succeeded())
	assert.Equal(t, base, result.Seed)
	assert.Equal(t, int64(2500), result.CreditsCharged)
	assert.Equal(t, []int64{2500}, f.ledger.checked)
	require.Len(t, result.Chunks, 2)
	require.Len(t, f.executor.calls, 2)

	assert.Equal(t, base, result.Chunks[0].Seed)
	assert.Equal(t, base+1, result.Chunks[1].Seed)
	assert.Equal(t, int64(1249), result.Chunks[0].Credits)
	assert.Equal(t, int64(1251), result.Chunks[1].Credits)

	for index, call := range f.executor.calls {
		require.NotNil(t, call.req.Seed)
		assert.Equal(t, base+uint32(index), *call.req.Seed)
		assert.Equal(t, result.Chunks[index].Credits, call.credits)
		assert.Equal(t, core.TierRegular, call.tier)
		assert.LessOrEqual(t, len(call.req.Text), 2500)
		assert.InDelta(t, seed.MinStability, call.req.Settings.Stability, 0)
		assert.True(t, call.req.Settings.UseSpeakerBoost)
		assert.Empty(t, call.req.LanguageCode)
	}

	assert.Equal(t, input, f.executor.calls[0].req.Text+" "+f.executor.calls[1].req.Text)
}

func TestGenerateKeepsChunkSeedsBelowMaximum(t *testing.T) {
	t.Parallel()

	f := newFixture(t, generation.DefaultOptions())
	explicit := uint32(math.MaxUint32)

	req := request(fiveThousandChars())
	req.Seed = &explicit

	result, err := f.orchestrator.Generate(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, result.Chunks, 2)

	assert.Equal(t, uint32(math.MaxUint32-1), result.Seed)
	assert.Equal(t, uint32(math.MaxUint32-1), result.Chunks[0].Seed)
	assert.Equal(t, uint32(math.MaxUint32), result.Chunks[1].Seed)
	assert.Greater(t, *f.executor.calls[1].req.Seed, *f.executor.calls[0].req.Seed)
}

func TestGenerateHonorsExplicitSeedAndTier(t *testing.T) {
	t.Parallel()

	f := newFixture(t, generation.DefaultOptions())
	explicit := uint32(777)

	req := request("A short sentence.")
	req.Seed = &explicit
	req.Tier = core.TierPremium

	result, err := f.orchestrator.Generate(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, explicit, result.Seed)
	require.Len(t, f.executor.calls, 1)
	assert.Equal(t, explicit, *f.executor.calls[0].req.Seed)
	assert.Equal(t, core.TierPremium, f.executor.calls[0].tier)
	assert.Equal(t, int64(9), result.CreditsCharged)
}

func TestGenerateAssemblesAudioAndTimeline(t *testing.T) {
	t.Parallel()

	options := generation.DefaultOptions()
	options.ChunkSize = 25

	f := newFixture(t, options)

	result, err := f.orchestrator.Generate(context.Background(), request("First sentence here. Second sentence here."))
	require.NoError(t, err)

	require.Len(t, result.Chunks, 2)
	assert.Len(t, result.Audio, 2000+2000-32)
	assert.InDelta(t, 0.0, result.Chunks[0].StartTime, 1e-9)
	assert.InDelta(t, 0.5, result.Chunks[0].EndTime, 1e-9)
	assert.InDelta(t, 0.5, result.Chunks[1].StartTime, 1e-9)
	assert.InDelta(t, 1.0, result.Chunks[1].EndTime, 1e-9)
	assert.InDelta(t, 1.0, result.Duration, 1e-9)
	assert.Equal(t, 1, result.Chunks[0].Sequence)
	assert.Equal(t, 2, result.Chunks[1].Sequence)
}

func TestGenerateRejectsInvalidRequests(t *testing.T) {
	t.Parallel()

	outOfRange := core.VoiceSettings{Stability: 1.5, SimilarityBoost: 0.5, Style: 0, UseSpeakerBoost: false}

	tests := []struct {
		name   string
		mutate func(req *core.GenerationRequest)
	}{
		{name: "missing voice", mutate: func(req *core.GenerationRequest) { req.VoiceID = "" }},
		{name: "blank text", mutate: func(req *core.GenerationRequest) { req.Text = "   \n " }},
		{name: "missing model", mutate: func(req *core.GenerationRequest) { req.ModelID = "" }},
		{name: "missing format", mutate: func(req *core.GenerationRequest) { req.OutputFormat = "" }},
		{name: "unsupported format", mutate: func(req *core.GenerationRequest) { req.OutputFormat = "ogg_48000" }},
		{name: "text too long", mutate: func(req *core.GenerationRequest) { req.Text = strings.Repeat("a", 41) }},
		{name: "unknown tier", mutate: func(req *core.GenerationRequest) { req.Tier = "gold" }},
		{name: "settings out of range", mutate: func(req *core.GenerationRequest) { req.Settings = &outOfRange }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			options := generation.DefaultOptions()
			options.MaxTextLength = 40

			f := newFixture(t, options)
			req := request("Hello there.")
			tc.mutate(&req)

			result, err := f.orchestrator.Generate(context.Background(), req)

			require.ErrorIs(t, err, core.ErrValidation)
			assert.True(t, generation.IsValidation(err))
			assert.Equal(t, core.GenerationFailed, result.Status)
			assert.Equal(t, err, result.Err)
			assert.Nil(t, result.Audio)
			assert.Zero(t, result.CreditsCharged)
			assert.Empty(t, f.executor.calls)
			assert.Empty(t, f.ledger.checked)
		})
	}
}

func TestGenerateRequiresSufficientCredits(t *testing.T) {
	t.Parallel()

	f := newFixture(t, generation.DefaultOptions())
	f.ledger.sufficient = false

	result, err := f.orchestrator.Generate(context.Background(), request("Hello there."))

	require.ErrorIs(t, err, core.ErrInsufficientCredits)
	assert.Equal(t, core.GenerationFailed, result.Status)
	assert.Empty(t, f.executor.calls)
}

func TestGenerateFailsWhenLedgerErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t, generation.DefaultOptions())
	ledgerErr := errors.New("ledger offline")
	f.ledger.err = ledgerErr

	_, err := f.orchestrator.Generate(context.Background(), request("Hello there."))

	require.ErrorIs(t, err, ledgerErr)
	assert.Empty(t, f.executor.calls)
}

func TestGenerateAbortsOnChunkFailure(t *testing.T) {
	t.Parallel()

	options := generation.DefaultOptions()
	options.ChunkSize = 25

	f := newFixture(t, options)
	f.executor.failAt = 2
	f.executor.failErr = &core.GenerationFailedError{Attempts: 3, Last: errProviderDown}

	result, err := f.orchestrator.Generate(context.Background(),
		request("First sentence here. Second sentence here. Third sentence here."))

	require.ErrorIs(t, err, core.ErrGenerationFailed)
	require.ErrorIs(t, err, errProviderDown)
	assert.Contains(t, err.Error(), "chunk 2/3")
	assert.Len(t, f.executor.calls, 2)
	assert.Equal(t, core.GenerationFailed, result.Status)
	assert.Nil(t, result.Audio)
	assert.Nil(t, result.Chunks)
	assert.Zero(t, result.CreditsCharged)
	assert.Zero(t, result.Duration)

	require.Len(t, f.observer.results, 1)
	assert.Same(t, result, f.observer.results[0])
}

func TestGenerateResolvesLanguage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		model         string
		text          string
		language      string
		voiceLanguage string
		autoDetect    bool
		wantLanguage  string
		wantForwarded string
	}{
		{
			name: "explicit language forwarded", model: generation.ModelFlash, text: "Hello there.",
			language: "de", voiceLanguage: "fr", autoDetect: true, wantLanguage: "de", wantForwarded: "de",
		},
		{
			name: "model without language support", model: generation.ModelMultilingual, text: "Hello there.",
			language: "de", voiceLanguage: "", autoDetect: false, wantLanguage: "de", wantForwarded: "",
		},
		{
			name: "voice default", model: generation.ModelTurbo, text: "Hello there.",
			language: "", voiceLanguage: "vi", autoDetect: true, wantLanguage: "vi", wantForwarded: "vi",
		},
		{
			name: "detected", model: generation.ModelFlash, text: "Привет, как дела?",
			language: "", voiceLanguage: "", autoDetect: true, wantLanguage: "ru", wantForwarded: "ru",
		},
		{
			name: "detection disabled", model: generation.ModelFlash, text: "Привет, как дела?",
			language: "", voiceLanguage: "", autoDetect: false, wantLanguage: "", wantForwarded: "",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			options := generation.DefaultOptions()
			options.AutoDetectLanguage = tc.autoDetect

			f := newFixture(t, options)
			req := request(tc.text)
			req.ModelID = tc.model
			req.Language = tc.language
			req.VoiceLanguage = tc.voiceLanguage

			result, err := f.orchestrator.Generate(context.Background(), req)
			require.NoError(t, err)

			assert.Equal(t, tc.wantLanguage, result.Language)
			require.Len(t, f.executor.calls, 1)
			assert.Equal(t, tc.wantForwarded, f.executor.calls[0].req.LanguageCode)
		})
	}
}

func TestGenerateReportsProgress(t *testing.T) {
	t.Parallel()

	var states []generation.State

	options := generation.DefaultOptions()
	options.ChunkSize = 25
	options.OnProgress = func(progress generation.Progress) {
		states = append(states, progress.State)
	}

	f := newFixture(t, options)

	_, err := f.orchestrator.Generate(context.Background(), request("First sentence here. Second sentence here."))
	require.NoError(t, err)

	assert.Equal(t, []generation.State{
		generation.StateValidated,
		generation.StateChunking,
		generation.StateGenerating,
		generation.StateGenerating,
		generation.StateAssembling,
		generation.StateCompleted,
	}, states)

	require.Len(t, f.observer.models, 1)
	assert.Equal(t, generation.ModelFlash, f.observer.models[0])
}

func TestPreviewUsesSampleSentence(t *testing.T) {
	t.Parallel()

	f := newFixture(t, generation.DefaultOptions())

	result, err := f.orchestrator.Preview(context.Background(), testVoice, "fr")
	require.NoError(t, err)

	require.Len(t, f.executor.calls, 1)

	call := f.executor.calls[0]
	assert.Equal(t, generation.PreviewText("fr"), call.req.Text)
	assert.Equal(t, generation.PreviewModel, call.req.ModelID)
	assert.Equal(t, generation.PreviewFormat, call.req.OutputFormat)
	assert.Equal(t, "fr", call.req.LanguageCode)
	assert.Nil(t, call.req.Seed)
	assert.Positive(t, call.credits)

	assert.True(t, result.Succeeded())
	assert.Zero(t, result.CreditsCharged)
	assert.Empty(t, f.ledger.checked)
	assert.Equal(t, generation.PreviewFormat, result.OutputFormat)
}

func TestPreviewRequiresVoice(t *testing.T) {
	t.Parallel()

	f := newFixture(t, generation.DefaultOptions())

	_, err := f.orchestrator.Preview(context.Background(), " ", "en")

	require.ErrorIs(t, err, core.ErrValidation)
	assert.Empty(t, f.executor.calls)
}

func TestPreviewTextFallsBackToEnglish(t *testing.T) {
	t.Parallel()

	assert.Equal(t, generation.PreviewText("en"), generation.PreviewText("xx"))
	assert.NotEqual(t, generation.PreviewText("en"), generation.PreviewText("ja"))
}

func TestEstimateCredits(t *testing.T) {
	t.Parallel()

	f := newFixture(t, generation.DefaultOptions())
	req := request("Hello")

	assert.Equal(t, int64(3), f.orchestrator.EstimateCredits(req))

	req.ModelID = generation.ModelMultilingual
	assert.Equal(t, int64(5), f.orchestrator.EstimateCredits(req))

	req.ModelID = "unknown-model"
	assert.Equal(t, int64(5), f.orchestrator.EstimateCredits(req))
}
