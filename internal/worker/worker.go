// Package worker serves generation requests over NATS request/reply, stores
// the produced artifacts, records history and settles the user's credits.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/tts-gateway/internal/audio"
	"github.com/book-expert/tts-gateway/internal/core"
	"github.com/book-expert/tts-gateway/internal/generation"
	"github.com/book-expert/tts-gateway/internal/history"
	"github.com/book-expert/tts-gateway/internal/objectstore"
	"github.com/nats-io/nats.go"
)

// DefaultHandleTimeout bounds one request from receipt to reply.
const DefaultHandleTimeout = 10 * time.Minute

const (
	logFmtReceived     = "Received generation request %s (workflow %s, user %s)"
	logFmtParseFailed  = "Failed to parse generation request: %v"
	logFmtGenFailed    = "Generation %s failed: %v"
	logFmtStoreFailed  = "Failed to store artifacts for %s: %v"
	logFmtHistory      = "Failed to record history for %s: %v"
	logFmtSettleFailed = "Credits for %s were not settled, discarding its artifacts: %v"
	logFmtDiscard      = "Failed to discard artifact '%s' of %s: %v"
	logFmtReplyFailed  = "Failed to publish reply for %s: %v"
	logFmtCompleted    = "Generation %s completed: %s (%s, %s)"
	logFmtProgressPub  = "Failed to publish progress for %s: %v"
	errFmtSubscribe    = "failed to subscribe to subject %s: %w"
	errFmtDrain        = "failed to drain subscription: %w"
	errFmtUnmarshal    = "failed to unmarshal event: %w"
	errFmtDownloadText = "failed to download text for key '%s': %w"
	errFmtUploadAudio  = "failed to upload audio for key '%s': %w"
	errFmtUploadSRT    = "failed to upload subtitles for key '%s': %w"
	errFmtMarshalReply = "failed to marshal reply event: %w"
	errFmtRespond      = "failed to respond: %w"
	errFmtPublish      = "failed to publish completed event: %w"
	errFmtDeduct       = "failed to deduct %d credits from %s: %w"
	errFmtNotDeducted  = "%w: balance of %s no longer covers %d credits"
)

// Generator runs generation requests.
type Generator interface {
	Generate(ctx context.Context, req core.GenerationRequest) (*core.GenerationResult, error)
	Preview(ctx context.Context, voiceID, language string) (*core.GenerationResult, error)
}

// ArtifactStore keeps generated audio and subtitles.
type ArtifactStore interface {
	core.ObjectStore
	Put(ctx context.Context, key string, data []byte, contentType, requestID string) (objectstore.Artifact, error)
	Delete(ctx context.Context, key string) error
}

// HistoryRecorder persists finished generations.
type HistoryRecorder interface {
	Record(ctx context.Context, record history.Record) (history.Record, error)
}

// Options configure a NatsWorker.
type Options struct {
	Subject          string
	QueueGroup       string
	CompletedSubject string
	DefaultModel     string
	DefaultFormat    string
	HandleTimeout    time.Duration
}

// NatsWorker listens for generation requests on a NATS subject.
type NatsWorker struct {
	natsConnection *nats.Conn
	options        Options
	generator      Generator
	store          ArtifactStore
	history        HistoryRecorder
	ledger         core.CreditLedger
	log            *logger.Logger
}

// NewNatsWorker creates a new instance of a NATS worker. history and ledger
// may be nil, in which case nothing is recorded or deducted.
func NewNatsWorker(
	natsConnection *nats.Conn,
	options Options,
	generator Generator,
	store ArtifactStore,
	recorder HistoryRecorder,
	ledger core.CreditLedger,
	log *logger.Logger,
) *NatsWorker {
	if options.HandleTimeout <= 0 {
		options.HandleTimeout = DefaultHandleTimeout
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		options:        options,
		generator:      generator,
		store:          store,
		history:        recorder,
		ledger:         ledger,
		log:            log,
	}
}

// Run subscribes and serves until ctx is done, then drains the subscription.
func (w *NatsWorker) Run(ctx context.Context) error {
	var (
		sub *nats.Subscription
		err error
	)

	if w.options.QueueGroup != "" {
		sub, err = w.natsConnection.QueueSubscribe(w.options.Subject, w.options.QueueGroup, w.handleMessage)
	} else {
		sub, err = w.natsConnection.Subscribe(w.options.Subject, w.handleMessage)
	}

	if err != nil {
		return fmt.Errorf(errFmtSubscribe, w.options.Subject, err)
	}

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf(errFmtDrain, drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), w.options.HandleTimeout)
	defer cancel()

	event, err := parseEvent(msg)
	if err != nil {
		w.log.Error(logFmtParseFailed, err)
		w.reply(msg, failedReply(NewHeader("", ""), "", core.Validationf("%v", err)))

		return
	}

	reply := w.Process(ctx, event)
	w.reply(msg, reply)
}

// Process runs one request to completion and returns its reply.
func (w *NatsWorker) Process(ctx context.Context, event *GenerationRequestedEvent) *GenerationCompletedEvent {
	id := requestID(event.Header)
	w.log.Info(logFmtReceived, id, event.Header.WorkflowID, event.Header.UserID)

	req, err := w.buildRequest(ctx, id, event)
	if err != nil {
		w.log.Error(logFmtGenFailed, id, err)

		return failedReply(event.Header, id, err)
	}

	var result *core.GenerationResult
	if event.Preview {
		result, err = w.generator.Preview(ctx, req.VoiceID, event.PreviewLanguage)
	} else {
		result, err = w.generator.Generate(ctx, req)
	}

	if err != nil {
		w.log.Error(logFmtGenFailed, id, err)
		w.recordHistory(ctx, event, req, failedResult(id, req, result, err), "", "")

		return failedReply(event.Header, id, err)
	}

	audioKey, subtitleKey, err := w.storeArtifacts(ctx, id, result)
	if err != nil {
		w.log.Error(logFmtStoreFailed, id, err)
		w.recordHistory(ctx, event, req, failedResult(id, req, result, err), "", "")

		return failedReply(event.Header, id, err)
	}

	if err := w.settle(ctx, event, result); err != nil {
		w.log.Error(logFmtSettleFailed, id, err)
		w.discard(ctx, id, audioKey, subtitleKey)
		w.recordHistory(ctx, event, req, failedResult(id, req, result, err), "", "")

		return failedReply(event.Header, id, err)
	}

	w.recordHistory(ctx, event, req, result, audioKey, subtitleKey)

	w.log.Info(logFmtCompleted, id, audioKey,
		audio.FormatDuration(result.Duration), audio.FormatFileSize(int64(len(result.Audio))))

	return &GenerationCompletedEvent{
		Header:         replyHeader(event.Header),
		RequestID:      id,
		Status:         core.GenerationCompleted,
		AudioKey:       audioKey,
		SubtitleKey:    subtitleKey,
		OutputFormat:   result.OutputFormat,
		Language:       result.Language,
		Seed:           result.Seed,
		Duration:       result.Duration,
		Chunks:         len(result.Chunks),
		CreditsCharged: result.CreditsCharged,
		ErrorCode:      "",
		Error:          "",
		Retryable:      false,
	}
}

func (w *NatsWorker) buildRequest(ctx context.Context, id string, event *GenerationRequestedEvent) (core.GenerationRequest, error) {
	text := event.Text
	if text == "" && event.TextKey != "" && !event.Preview {
		data, err := w.store.Download(ctx, event.TextKey)
		if err != nil {
			return core.GenerationRequest{}, fmt.Errorf(errFmtDownloadText, event.TextKey, err)
		}

		text = string(data)
	}

	modelID := event.ModelID
	if modelID == "" {
		modelID = w.options.DefaultModel
	}

	format := event.OutputFormat
	if format == "" {
		format = w.options.DefaultFormat
	}

	if event.Preview {
		modelID = generation.PreviewModel
		format = generation.PreviewFormat
	}

	return core.GenerationRequest{
		ID:            id,
		UserID:        event.Header.UserID,
		VoiceID:       event.VoiceID,
		Text:          text,
		ModelID:       modelID,
		OutputFormat:  format,
		Language:      event.Language,
		VoiceLanguage: event.VoiceLanguage,
		Settings:      event.Settings,
		Seed:          event.Seed,
		Tier:          event.Tier,
	}, nil
}

func (w *NatsWorker) storeArtifacts(ctx context.Context, id string, result *core.GenerationResult) (string, string, error) {
	audioKey := objectstore.AudioKey(id, result.OutputFormat)

	_, err := w.store.Put(ctx, audioKey, result.Audio, objectstore.ContentTypeOf(result.OutputFormat), id)
	if err != nil {
		return "", "", fmt.Errorf(errFmtUploadAudio, audioKey, err)
	}

	if len(result.Chunks) == 0 {
		return audioKey, "", nil
	}

	subtitleKey := objectstore.SubtitleKey(id)

	_, err = w.store.Put(ctx, subtitleKey, []byte(audio.FormatSRT(result.Chunks)), objectstore.ContentTypeSubtitle, id)
	if err != nil {
		w.discard(ctx, id, audioKey)

		return "", "", fmt.Errorf(errFmtUploadSRT, subtitleKey, err)
	}

	return audioKey, subtitleKey, nil
}

func (w *NatsWorker) recordHistory(
	ctx context.Context,
	event *GenerationRequestedEvent,
	req core.GenerationRequest,
	result *core.GenerationResult,
	audioKey, subtitleKey string,
) {
	if w.history == nil || event.Preview || req.UserID == "" {
		return
	}

	_, err := w.history.Record(ctx, history.FromResult(req, result, audioKey, subtitleKey))
	if err != nil {
		w.log.Error(logFmtHistory, req.ID, err)
	}
}

// settle deducts the charged credits once the artifacts are stored. A refused
// or failed deduction fails the request.
func (w *NatsWorker) settle(ctx context.Context, event *GenerationRequestedEvent, result *core.GenerationResult) error {
	userID := event.Header.UserID
	if w.ledger == nil || event.Preview || userID == "" || result.CreditsCharged == 0 {
		return nil
	}

	deducted, err := w.ledger.Deduct(ctx, userID, result.CreditsCharged)
	if err != nil {
		return fmt.Errorf(errFmtDeduct, result.CreditsCharged, userID, err)
	}

	if !deducted {
		return fmt.Errorf(errFmtNotDeducted, core.ErrInsufficientCredits, userID, result.CreditsCharged)
	}

	return nil
}

// discard removes the stored artifacts of a request that was not paid for.
func (w *NatsWorker) discard(ctx context.Context, id string, keys ...string) {
	ctx = context.WithoutCancel(ctx)

	for _, key := range keys {
		if key == "" {
			continue
		}

		if err := w.store.Delete(ctx, key); err != nil {
			w.log.Error(logFmtDiscard, key, id, err)
		}
	}
}

func (w *NatsWorker) reply(msg *nats.Msg, reply *GenerationCompletedEvent) {
	data, err := json.Marshal(reply)
	if err != nil {
		w.log.Error(logFmtReplyFailed, reply.RequestID, fmt.Errorf(errFmtMarshalReply, err))

		return
	}

	if msg.Reply != "" {
		if err := msg.Respond(data); err != nil {
			w.log.Error(logFmtReplyFailed, reply.RequestID, fmt.Errorf(errFmtRespond, err))
		}
	}

	if w.options.CompletedSubject != "" {
		if err := w.natsConnection.Publish(w.options.CompletedSubject, data); err != nil {
			w.log.Error(logFmtReplyFailed, reply.RequestID, fmt.Errorf(errFmtPublish, err))
		}
	}
}

// NewProgressPublisher returns a callback that publishes generation progress
// on subject.
func NewProgressPublisher(natsConnection *nats.Conn, subject string, log *logger.Logger) func(generation.Progress) {
	return func(progress generation.Progress) {
		data, err := json.Marshal(&GenerationProgressEvent{
			Header:    NewHeader(progress.RequestID, ""),
			RequestID: progress.RequestID,
			State:     string(progress.State),
			Chunk:     progress.Chunk,
			Total:     progress.Total,
		})
		if err == nil {
			err = natsConnection.Publish(subject, data)
		}

		if err != nil {
			log.Warn(logFmtProgressPub, progress.RequestID, err)
		}
	}
}

func parseEvent(msg *nats.Msg) (*GenerationRequestedEvent, error) {
	var event GenerationRequestedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		return nil, fmt.Errorf(errFmtUnmarshal, err)
	}

	return &event, nil
}

func failedReply(header events.EventHeader, id string, err error) *GenerationCompletedEvent {
	kind := core.KindOf(err)

	return &GenerationCompletedEvent{
		Header:         replyHeader(header),
		RequestID:      id,
		Status:         core.GenerationFailed,
		AudioKey:       "",
		SubtitleKey:    "",
		OutputFormat:   "",
		Language:       "",
		Seed:           0,
		Duration:       0,
		Chunks:         0,
		CreditsCharged: 0,
		ErrorCode:      errorCode(err),
		Error:          err.Error(),
		Retryable:      kind.Retryable() || errors.Is(err, context.DeadlineExceeded),
	}
}

// failedResult turns a generation or storage failure into a result to record.
func failedResult(id string, req core.GenerationRequest, result *core.GenerationResult, err error) *core.GenerationResult {
	failed := &core.GenerationResult{
		RequestID:      id,
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
		Err:            err,
	}

	if result != nil {
		failed.Language = result.Language
		failed.Seed = result.Seed
		failed.Settings = result.Settings
		failed.ProcessingTime = result.ProcessingTime
	}

	return failed
}
