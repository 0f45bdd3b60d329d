// Package worker_test tests the NATS worker for the tts-gateway.
package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/tts-gateway/internal/core"
	"github.com/book-expert/tts-gateway/internal/generation"
	"github.com/book-expert/tts-gateway/internal/history"
	"github.com/book-expert/tts-gateway/internal/objectstore"
	"github.com/book-expert/tts-gateway/internal/worker"
	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	requestSubject   = "tts.test.requested"
	completedSubject = "tts.test.completed"
	progressSubject  = "tts.test.progress"
)

var (
	errMockDownload = errors.New("mock download error")
	errMockUpload   = errors.New("mock upload error")
	errMockLedger   = errors.New("mock ledger error")
)

// mockStore is an in-memory ArtifactStore.
type mockStore struct {
	mu                 sync.Mutex
	objects            map[string][]byte
	contentTypes       map[string]string
	downloadShouldFail bool
	uploadShouldFail   bool
}

func newMockStore() *mockStore {
	return &mockStore{
		mu:                 sync.Mutex{},
		objects:            make(map[string][]byte),
		contentTypes:       make(map[string]string),
		downloadShouldFail: false,
		uploadShouldFail:   false,
	}
}

func (m *mockStore) Download(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.downloadShouldFail {
		return nil, errMockDownload
	}

	data, ok := m.objects[key]
	if !ok {
		return nil, objectstore.ErrArtifactNotFound
	}

	return data, nil
}

func (m *mockStore) Put(_ context.Context, key string, data []byte, contentType, _ string) (objectstore.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.uploadShouldFail {
		return objectstore.Artifact{}, errMockUpload
	}

	m.objects[key] = data
	m.contentTypes[key] = contentType

	return objectstore.Artifact{Key: key, Size: uint64(len(data)), ContentType: contentType, Digest: ""}, nil
}

func (m *mockStore) Upload(ctx context.Context, key string, data []byte) error {
	_, err := m.Put(ctx, key, data, "", "")

	return err
}

func (m *mockStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.objects[key]; !ok {
		return objectstore.ErrArtifactNotFound
	}

	delete(m.objects, key)
	delete(m.contentTypes, key)

	return nil
}

func (m *mockStore) failUploads() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.uploadShouldFail = true
}

func (m *mockStore) failDownloads() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.downloadShouldFail = true
}

func (m *mockStore) object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.objects[key]

	return data, ok
}

// mockGenerator returns a canned result or error and records what it was asked.
type mockGenerator struct {
	mu          sync.Mutex
	err         error
	requests    []core.GenerationRequest
	previewArgs []string
}

func (g *mockGenerator) Generate(_ context.Context, req core.GenerationRequest) (*core.GenerationResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.requests = append(g.requests, req)

	return g.result(req.ID, req.OutputFormat, 120)
}

func (g *mockGenerator) Preview(_ context.Context, voiceID, language string) (*core.GenerationResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.previewArgs = append(g.previewArgs, voiceID, language)

	return g.result("", generation.PreviewFormat, 0)
}

func (g *mockGenerator) fail(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.err = err
}

func (g *mockGenerator) generated() []core.GenerationRequest {
	g.mu.Lock()
	defer g.mu.Unlock()

	return append([]core.GenerationRequest(nil), g.requests...)
}

func (g *mockGenerator) previewed() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	return append([]string(nil), g.previewArgs...)
}

func (g *mockGenerator) result(id, format string, credits int64) (*core.GenerationResult, error) {
	if g.err != nil {
		return &core.GenerationResult{
			RequestID:      id,
			Status:         core.GenerationFailed,
			Audio:          nil,
			OutputFormat:   format,
			Language:       "en",
			Seed:           0,
			Settings:       core.VoiceSettings{},
			Duration:       0,
			Chunks:         nil,
			CreditsCharged: 0,
			ProcessingTime: 0,
			Err:            g.err,
		}, g.err
	}

	return &core.GenerationResult{
		RequestID:    id,
		Status:       core.GenerationCompleted,
		Audio:        []byte("ID3 sample audio"),
		OutputFormat: format,
		Language:     "en",
		Seed:         1234,
		Settings:     core.DefaultVoiceSettings(),
		Duration:     2.5,
		Chunks: []core.Chunk{
			{Sequence: 1, Text: "Hello there.", Seed: 1234, Credits: credits, StartTime: 0, EndTime: 2.5},
		},
		CreditsCharged: credits,
		ProcessingTime: time.Second,
		Err:            nil,
	}, nil
}

type mockHistory struct {
	mu      sync.Mutex
	records []history.Record
}

func (h *mockHistory) Record(_ context.Context, record history.Record) (history.Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.records = append(h.records, record)

	return record, nil
}

func (h *mockHistory) all() []history.Record {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]history.Record(nil), h.records...)
}

type mockLedger struct {
	mu       sync.Mutex
	deducted map[string]int64
	refuse   bool
	err      error
}

func (l *mockLedger) HasSufficientCredits(context.Context, string, int64) (bool, error) {
	return true, nil
}

func (l *mockLedger) Deduct(_ context.Context, userID string, amount int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.err != nil {
		return false, l.err
	}

	if l.refuse {
		return false, nil
	}

	l.deducted[userID] += amount

	return true, nil
}

func (l *mockLedger) refuseDeductions() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refuse = true
}

func (l *mockLedger) failDeductions(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.err = err
}

func (l *mockLedger) total(userID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.deducted[userID]
}

type fixture struct {
	conn      *nats.Conn
	store     *mockStore
	generator *mockGenerator
	history   *mockHistory
	ledger    *mockLedger
	worker    *worker.NatsWorker
}

func createTestNatsClient(t *testing.T) *nats.Conn {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1
	server := test.RunServer(&opts)

	natsConnection, err := nats.Connect(server.ClientURL())
	if err != nil {
		t.Fatalf("Failed to connect to test NATS server: %v", err)
	}

	t.Cleanup(func() {
		natsConnection.Close()
		server.Shutdown()
	})

	return natsConnection
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "worker-test.log")
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = log.Close()
	})

	return log
}

func setupTest(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		conn:      createTestNatsClient(t),
		store:     newMockStore(),
		generator: &mockGenerator{mu: sync.Mutex{}, err: nil, requests: nil, previewArgs: nil},
		history:   &mockHistory{mu: sync.Mutex{}, records: nil},
		ledger:    &mockLedger{mu: sync.Mutex{}, deducted: make(map[string]int64), refuse: false, err: nil},
	}

	f.worker = worker.NewNatsWorker(f.conn, worker.Options{
		Subject:          requestSubject,
		QueueGroup:       "workers",
		CompletedSubject: completedSubject,
		DefaultModel:     generation.ModelFlash,
		DefaultFormat:    "mp3_44100_128",
		HandleTimeout:    5 * time.Second,
	}, f.generator, f.store, f.history, f.ledger, newTestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)

	go func() {
		errChan <- f.worker.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-errChan, "worker.Run should not error on graceful shutdown")
	})

	// Make sure the subscription is live before the first request.
	require.NoError(t, f.conn.Flush())
	time.Sleep(50 * time.Millisecond)

	return f
}

func newEvent(userID string) *worker.GenerationRequestedEvent {
	return &worker.GenerationRequestedEvent{
		Header: events.EventHeader{
			Timestamp:  time.Now(),
			WorkflowID: uuid.NewString(),
			EventID:    uuid.NewString(),
			UserID:     userID,
			TenantID:   "",
		},
		VoiceID:         "voice-1",
		VoiceLanguage:   "",
		Text:            "Hello there.",
		TextKey:         "",
		ModelID:         "",
		OutputFormat:    "",
		Language:        "",
		Settings:        nil,
		Seed:            nil,
		Tier:            "",
		Preview:         false,
		PreviewLanguage: "",
	}
}

func request(t *testing.T, conn *nats.Conn, payload any) *worker.GenerationCompletedEvent {
	t.Helper()

	data, err := json.Marshal(payload)
	require.NoError(t, err)

	replyMsg, err := conn.Request(requestSubject, data, 5*time.Second)
	require.NoError(t, err, "Request should succeed and receive a reply")

	var reply worker.GenerationCompletedEvent

	require.NoError(t, json.Unmarshal(replyMsg.Data, &reply))

	return &reply
}

func TestMessageHandler_Success(t *testing.T) {
	t.Parallel()

	f := setupTest(t)

	completed, err := f.conn.SubscribeSync(completedSubject)
	require.NoError(t, err)

	event := newEvent("user-1")
	reply := request(t, f.conn, event)

	assert.Equal(t, core.GenerationCompleted, reply.Status)
	assert.Equal(t, event.Header.EventID, reply.RequestID)
	assert.Equal(t, event.Header.WorkflowID, reply.Header.WorkflowID)
	assert.Equal(t, "user-1", reply.Header.UserID)
	assert.Equal(t, int64(120), reply.CreditsCharged)
	assert.Equal(t, 1, reply.Chunks)
	assert.Equal(t, "audio/"+event.Header.EventID+".mp3", reply.AudioKey)
	assert.Equal(t, "subtitles/"+event.Header.EventID+".srt", reply.SubtitleKey)

	audioData, ok := f.store.object(reply.AudioKey)
	require.True(t, ok)
	assert.Equal(t, []byte("ID3 sample audio"), audioData)

	subtitles, ok := f.store.object(reply.SubtitleKey)
	require.True(t, ok)
	assert.Contains(t, string(subtitles), "00:00:00,000 --> 00:00:02,500")

	requests := f.generator.generated()
	require.Len(t, requests, 1)
	assert.Equal(t, generation.ModelFlash, requests[0].ModelID)
	assert.Equal(t, "mp3_44100_128", requests[0].OutputFormat)
	assert.Equal(t, "user-1", requests[0].UserID)

	records := f.history.all()
	require.Len(t, records, 1)
	assert.Equal(t, core.GenerationCompleted, records[0].Status)
	assert.Equal(t, reply.AudioKey, records[0].AudioKey)
	assert.Equal(t, int64(120), f.ledger.total("user-1"))

	msg, err := completed.NextMsg(2 * time.Second)
	require.NoError(t, err)

	var published worker.GenerationCompletedEvent

	require.NoError(t, json.Unmarshal(msg.Data, &published))
	assert.Equal(t, reply.RequestID, published.RequestID)
}

func TestMessageHandler_GenerationFailure(t *testing.T) {
	t.Parallel()

	f := setupTest(t)
	f.generator.fail(&core.GenerationFailedError{
		Attempts: 3,
		Last:     core.NewProviderError(core.KindRateLimited, 429, "too_many_concurrent_requests", "busy", nil),
	})

	reply := request(t, f.conn, newEvent("user-2"))

	assert.Equal(t, core.GenerationFailed, reply.Status)
	assert.Equal(t, string(core.KindRateLimited), reply.ErrorCode)
	assert.True(t, reply.Retryable)
	assert.Zero(t, reply.CreditsCharged)
	assert.Empty(t, reply.AudioKey)
	assert.Zero(t, f.ledger.total("user-2"))

	records := f.history.all()
	require.Len(t, records, 1)
	assert.Equal(t, core.GenerationFailed, records[0].Status)
	assert.Zero(t, records[0].Credits)
	assert.Contains(t, records[0].Error, "busy")
}

func TestMessageHandler_InsufficientCredits(t *testing.T) {
	t.Parallel()

	f := setupTest(t)
	f.generator.fail(core.ErrInsufficientCredits)

	reply := request(t, f.conn, newEvent("user-3"))

	assert.Equal(t, core.GenerationFailed, reply.Status)
	assert.Equal(t, worker.ErrorCodeInsufficientCredits, reply.ErrorCode)
	assert.False(t, reply.Retryable)
}

func TestMessageHandler_UploadFailureChargesNothing(t *testing.T) {
	t.Parallel()

	f := setupTest(t)
	f.store.failUploads()

	reply := request(t, f.conn, newEvent("user-4"))

	assert.Equal(t, core.GenerationFailed, reply.Status)
	assert.Contains(t, reply.Error, errMockUpload.Error())
	assert.Zero(t, f.ledger.total("user-4"))

	records := f.history.all()
	require.Len(t, records, 1)
	assert.Zero(t, records[0].Credits)
}

func TestMessageHandler_RefusedDeductionFailsRequest(t *testing.T) {
	t.Parallel()

	f := setupTest(t)
	f.ledger.refuseDeductions()

	event := newEvent("user-8")
	reply := request(t, f.conn, event)

	assert.Equal(t, core.GenerationFailed, reply.Status)
	assert.Equal(t, worker.ErrorCodeInsufficientCredits, reply.ErrorCode)
	assert.Zero(t, reply.CreditsCharged)
	assert.Empty(t, reply.AudioKey)
	assert.Empty(t, reply.SubtitleKey)
	assert.Zero(t, f.ledger.total("user-8"))

	_, stored := f.store.object("audio/" + event.Header.EventID + ".mp3")
	assert.False(t, stored, "unpaid audio is discarded")

	_, stored = f.store.object("subtitles/" + event.Header.EventID + ".srt")
	assert.False(t, stored, "unpaid subtitles are discarded")

	records := f.history.all()
	require.Len(t, records, 1)
	assert.Equal(t, core.GenerationFailed, records[0].Status)
	assert.Zero(t, records[0].Credits)
	assert.Empty(t, records[0].AudioKey)
}

func TestMessageHandler_LedgerErrorFailsRequest(t *testing.T) {
	t.Parallel()

	f := setupTest(t)
	f.ledger.failDeductions(errMockLedger)

	event := newEvent("user-9")
	reply := request(t, f.conn, event)

	assert.Equal(t, core.GenerationFailed, reply.Status)
	assert.Contains(t, reply.Error, errMockLedger.Error())
	assert.Zero(t, reply.CreditsCharged)

	_, stored := f.store.object("audio/" + event.Header.EventID + ".mp3")
	assert.False(t, stored)

	records := f.history.all()
	require.Len(t, records, 1)
	assert.Equal(t, core.GenerationFailed, records[0].Status)
	assert.Zero(t, records[0].Credits)
}

func TestMessageHandler_TextFromObjectStore(t *testing.T) {
	t.Parallel()

	f := setupTest(t)
	_, err := f.store.Put(context.Background(), "texts/chapter-1.txt", []byte("Stored chapter text."), "text/plain", "")
	require.NoError(t, err)

	event := newEvent("user-5")
	event.Text = ""
	event.TextKey = "texts/chapter-1.txt"

	reply := request(t, f.conn, event)

	assert.Equal(t, core.GenerationCompleted, reply.Status)
	requests := f.generator.generated()
	require.Len(t, requests, 1)
	assert.Equal(t, "Stored chapter text.", requests[0].Text)
}

func TestMessageHandler_TextDownloadFailure(t *testing.T) {
	t.Parallel()

	f := setupTest(t)
	f.store.failDownloads()

	event := newEvent("user-6")
	event.Text = ""
	event.TextKey = "texts/missing.txt"

	reply := request(t, f.conn, event)

	assert.Equal(t, core.GenerationFailed, reply.Status)
	assert.Empty(t, f.generator.generated())
}

func TestMessageHandler_Preview(t *testing.T) {
	t.Parallel()

	f := setupTest(t)

	event := newEvent("user-7")
	event.Preview = true
	event.PreviewLanguage = "ja"

	reply := request(t, f.conn, event)

	assert.Equal(t, core.GenerationCompleted, reply.Status)
	assert.Equal(t, []string{"voice-1", "ja"}, f.generator.previewed())
	assert.Equal(t, "audio/"+event.Header.EventID+".mp3", reply.AudioKey)
	assert.Empty(t, f.generator.generated())
	assert.Empty(t, f.history.all())
	assert.Zero(t, f.ledger.total("user-7"))
}

func TestMessageHandler_MalformedRequest(t *testing.T) {
	t.Parallel()

	f := setupTest(t)

	replyMsg, err := f.conn.Request(requestSubject, []byte("{not json"), 5*time.Second)
	require.NoError(t, err)

	var reply worker.GenerationCompletedEvent

	require.NoError(t, json.Unmarshal(replyMsg.Data, &reply))
	assert.Equal(t, core.GenerationFailed, reply.Status)
	assert.Equal(t, string(core.KindValidation), reply.ErrorCode)
	assert.Empty(t, f.generator.generated())
}

func TestProgressPublisher(t *testing.T) {
	t.Parallel()

	conn := createTestNatsClient(t)

	sub, err := conn.SubscribeSync(progressSubject)
	require.NoError(t, err)

	publish := worker.NewProgressPublisher(conn, progressSubject, newTestLogger(t))
	publish(generation.Progress{RequestID: "req-9", State: generation.StateGenerating, Chunk: 2, Total: 3})

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)

	var event worker.GenerationProgressEvent

	require.NoError(t, json.Unmarshal(msg.Data, &event))
	assert.Equal(t, "req-9", event.RequestID)
	assert.Equal(t, "generating", event.State)
	assert.Equal(t, 2, event.Chunk)
	assert.Equal(t, 3, event.Total)
	assert.Equal(t, "req-9", event.Header.WorkflowID)
}
