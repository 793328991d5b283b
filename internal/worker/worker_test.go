// Package worker_test tests the NATS worker for the narration service.
package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/orchestrator"
	"github.com/book-expert/narration-service/internal/worker"
)

const (
	testSubject      = "text.processed"
	testChunkSubject = "audio.chunk.created"
)

var errMockDownload = errors.New("mock download error")

// mockObjectStore serves article text for the worker.
type mockObjectStore struct {
	downloadShouldFail bool
	downloadedKey      string
}

func (m *mockObjectStore) Download(_ context.Context, key string) ([]byte, error) {
	if m.downloadShouldFail {
		return nil, errMockDownload
	}

	m.downloadedKey = key

	return []byte("Sample article text."), nil
}

func (m *mockObjectStore) Upload(_ context.Context, _ string, _ []byte, _ string) error {
	return nil
}

func (m *mockObjectStore) Delete(_ context.Context, _ string) error {
	return nil
}

func (m *mockObjectStore) Exists(_ context.Context, _ string) (bool, error) {
	return false, nil
}

func (m *mockObjectStore) List(_ context.Context, _ string) ([]string, error) {
	return nil, nil
}

// mockGenerator returns a canned generation result.
type mockGenerator struct {
	result    *orchestrator.Result
	articleID string
	text      string
}

func (m *mockGenerator) Generate(_ context.Context, articleID, text string) (*orchestrator.Result, error) {
	m.articleID = articleID
	m.text = text

	return m.result, nil
}

func createTestNatsClient(t *testing.T) *nats.Conn {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1 // Use a random port
	opts.JetStream = true
	natsServer := test.RunServer(&opts)

	natsConnection, err := nats.Connect(natsServer.ClientURL())
	if err != nil {
		t.Fatalf("Failed to connect to test NATS server: %v", err)
	}

	t.Cleanup(func() {
		natsConnection.Close()
		natsServer.Shutdown()
	})

	return natsConnection
}

func setupTest(t *testing.T, result *orchestrator.Result) (*mockObjectStore, *mockGenerator, *nats.Conn) {
	t.Helper()

	mockStore := &mockObjectStore{
		downloadShouldFail: false,
		downloadedKey:      "",
	}
	generator := &mockGenerator{
		result:    result,
		articleID: "",
		text:      "",
	}

	natsConnection := createTestNatsClient(t)

	testLogger, err := logger.New(t.TempDir(), "test-log.log")
	require.NoError(t, err)

	workerInstance, err := worker.NewNatsWorker(
		natsConnection, testSubject, testChunkSubject, mockStore, generator, testLogger,
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	errChan := make(chan error, 1)

	go func() {
		errChan <- workerInstance.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()

		shutdownErr := <-errChan
		assert.NoError(t, shutdownErr, "worker.Run should not error on graceful shutdown")
	})

	return mockStore, generator, natsConnection
}

func newTestEvent(workflowID string) *events.TextProcessedEvent {
	return &events.TextProcessedEvent{
		Header: events.EventHeader{
			Timestamp:  time.Now(),
			WorkflowID: workflowID,
			EventID:    uuid.NewString(),
			UserID:     "",
			TenantID:   "",
		},
		TextKey:           workflowID + "/article.txt",
		PNGKey:            "",
		PageNumber:        0,
		TotalPages:        0,
		Voice:             "",
		Seed:              0,
		NGL:               0,
		TopP:              0,
		RepetitionPenalty: 0,
		Temperature:       0,
	}
}

func TestHandleMessage_PartialProgress(t *testing.T) {
	t.Parallel()

	result := &orchestrator.Result{
		Complete:         false,
		Audio:            []byte("prefix"),
		TotalChunks:      3,
		AvailableIndices: []int{0, 1},
		MissingIndices:   []int{2},
		NewlyCompleted:   []int{0, 1},
		Failures:         nil,
	}

	mockStore, generator, natsConnection := setupTest(t, result)

	// Capture per-chunk notifications.
	chunkChan := make(chan *nats.Msg, 4)
	sub, err := natsConnection.ChanSubscribe(testChunkSubject, chunkChan)
	require.NoError(t, err)

	defer func() { _ = sub.Unsubscribe() }()

	workflowID := uuid.NewString()
	testEvent := newTestEvent(workflowID)

	eventData, err := json.Marshal(testEvent)
	require.NoError(t, err)

	replyMsg, err := natsConnection.Request(testSubject, eventData, 5*time.Second)
	require.NoError(t, err, "Request should succeed and receive a reply")

	assert.Equal(t, testEvent.TextKey, mockStore.downloadedKey)
	assert.Equal(t, workflowID, generator.articleID)
	assert.Equal(t, "Sample article text.", generator.text)

	// One AudioChunkCreatedEvent per newly completed chunk.
	for _, wantIndex := range []int{0, 1} {
		select {
		case msg := <-chunkChan:
			var chunkEvent events.AudioChunkCreatedEvent

			require.NoError(t, json.Unmarshal(msg.Data, &chunkEvent))
			assert.Equal(t, workflowID, chunkEvent.Header.WorkflowID)
			assert.Equal(t, core.ChunkArtifactKey(workflowID, wantIndex), chunkEvent.AudioKey)
			assert.Equal(t, wantIndex, chunkEvent.PageNumber)
			assert.Equal(t, 3, chunkEvent.TotalPages)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for chunk event %d", wantIndex)
		}
	}

	// The reply carries progress counters, not an artifact key.
	var replyEvent events.AudioChunkCreatedEvent

	require.NoError(t, json.Unmarshal(replyMsg.Data, &replyEvent))
	assert.Empty(t, replyEvent.AudioKey)
	assert.Equal(t, 2, replyEvent.PageNumber)
	assert.Equal(t, 3, replyEvent.TotalPages)
}

func TestHandleMessage_Complete(t *testing.T) {
	t.Parallel()

	result := &orchestrator.Result{
		Complete:         true,
		Audio:            []byte("full"),
		TotalChunks:      2,
		AvailableIndices: []int{0},
		MissingIndices:   []int{},
		NewlyCompleted:   nil,
		Failures:         nil,
	}

	_, _, natsConnection := setupTest(t, result)

	workflowID := uuid.NewString()

	eventData, err := json.Marshal(newTestEvent(workflowID))
	require.NoError(t, err)

	replyMsg, err := natsConnection.Request(testSubject, eventData, 5*time.Second)
	require.NoError(t, err)

	var replyEvent events.AudioChunkCreatedEvent

	require.NoError(t, json.Unmarshal(replyMsg.Data, &replyEvent))
	assert.Equal(t, core.CompleteArtifactKey(workflowID), replyEvent.AudioKey)
	assert.Equal(t, workflowID, replyEvent.Header.WorkflowID)
}

func TestHandleMessage_InvalidEventIgnored(t *testing.T) {
	t.Parallel()

	_, generator, natsConnection := setupTest(t, &orchestrator.Result{
		Complete:         false,
		Audio:            nil,
		TotalChunks:      0,
		AvailableIndices: nil,
		MissingIndices:   nil,
		NewlyCompleted:   nil,
		Failures:         nil,
	})

	// Missing text key: the worker logs and drops the message, so the
	// request times out without a reply.
	event := newTestEvent(uuid.NewString())
	event.TextKey = ""

	eventData, err := json.Marshal(event)
	require.NoError(t, err)

	_, err = natsConnection.Request(testSubject, eventData, 500*time.Millisecond)
	require.Error(t, err)
	assert.Empty(t, generator.articleID, "generator must not run for invalid events")
}
