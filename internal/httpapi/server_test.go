// Package httpapi_test tests the HTTP audio surface.
package httpapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/narration-service/internal/assembler"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/httpapi"
	"github.com/book-expert/narration-service/internal/orchestrator"
	"github.com/book-expert/narration-service/internal/synthesis"
)

// mockGenerator returns canned orchestration results.
type mockGenerator struct {
	result *orchestrator.Result
	status *assembler.Status
	report *orchestrator.DebugReport
	err    error
}

func (m *mockGenerator) Generate(_ context.Context, _, _ string) (*orchestrator.Result, error) {
	if m.err != nil {
		return nil, m.err
	}

	return m.result, nil
}

func (m *mockGenerator) Status(_ context.Context, _ string) (*assembler.Status, error) {
	return m.status, nil
}

func (m *mockGenerator) Debug(_ context.Context, _ string) (*orchestrator.DebugReport, error) {
	return m.report, nil
}

// mockArticleSource serves fixed article text.
type mockArticleSource struct {
	texts map[string]string
}

func (m *mockArticleSource) Text(_ context.Context, articleID string) (string, error) {
	text, ok := m.texts[articleID]
	if !ok {
		return "", fmt.Errorf("article '%s': %w", articleID, core.ErrObjectNotFound)
	}

	return text, nil
}

func newTestServer(t *testing.T, generator httpapi.Generator, articles core.ArticleSource) *httpapi.Server {
	t.Helper()

	testLogger, err := logger.New(t.TempDir(), "test-log.log")
	require.NoError(t, err)

	return httpapi.NewServer(generator, articles, testLogger)
}

func defaultArticles() *mockArticleSource {
	return &mockArticleSource{texts: map[string]string{"my-article": "Some article text."}}
}

func TestHandleAudio_Complete(t *testing.T) {
	t.Parallel()

	generator := &mockGenerator{
		result: &orchestrator.Result{
			Complete:         true,
			Audio:            []byte("full audio"),
			TotalChunks:      1,
			AvailableIndices: []int{0},
			MissingIndices:   []int{},
			NewlyCompleted:   nil,
			Failures:         nil,
		},
		status: nil,
		report: nil,
		err:    nil,
	}

	server := newTestServer(t, generator, defaultArticles())

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/api/audio/my-article", nil)
	server.Handler().ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "full audio", recorder.Body.String())
	assert.Equal(t, "audio/mpeg", recorder.Header().Get("Content-Type"))
	assert.Equal(t, "complete", recorder.Header().Get(httpapi.HeaderAudioStatus))
	assert.Contains(t, recorder.Header().Get("Cache-Control"), "immutable")
}

func TestHandleAudio_Partial(t *testing.T) {
	t.Parallel()

	generator := &mockGenerator{
		result: &orchestrator.Result{
			Complete:         false,
			Audio:            []byte("prefix audio"),
			TotalChunks:      4,
			AvailableIndices: []int{0, 1, 2},
			MissingIndices:   []int{3},
			NewlyCompleted:   []int{2},
			Failures:         nil,
		},
		status: nil,
		report: nil,
		err:    nil,
	}

	server := newTestServer(t, generator, defaultArticles())

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/api/audio/my-article", nil)
	server.Handler().ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusPartialContent, recorder.Code)
	assert.Equal(t, "prefix audio", recorder.Body.String())
	assert.Equal(t, "partial", recorder.Header().Get(httpapi.HeaderAudioStatus))
	assert.Equal(t, "4", recorder.Header().Get(httpapi.HeaderTotalChunks))
	assert.Equal(t, "3", recorder.Header().Get(httpapi.HeaderAvailableChunks))
	assert.Equal(t, "3", recorder.Header().Get(httpapi.HeaderMissingChunks))
	assert.Equal(t, "no-store", recorder.Header().Get("Cache-Control"))
}

func TestHandleAudio_PartialWithNoMissingHeaderValue(t *testing.T) {
	t.Parallel()

	generator := &mockGenerator{
		result: &orchestrator.Result{
			Complete:         false,
			Audio:            nil,
			TotalChunks:      2,
			AvailableIndices: []int{},
			MissingIndices:   []int{0, 1},
			NewlyCompleted:   nil,
			Failures:         nil,
		},
		status: nil,
		report: nil,
		err:    nil,
	}

	server := newTestServer(t, generator, defaultArticles())

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/api/audio/my-article", nil)
	server.Handler().ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusPartialContent, recorder.Code)
	assert.Equal(t, "0,1", recorder.Header().Get(httpapi.HeaderMissingChunks))
}

func TestHandleAudio_TotalFailure(t *testing.T) {
	t.Parallel()

	generator := &mockGenerator{
		result: nil,
		status: nil,
		report: nil,
		err: &orchestrator.GenerationError{
			ArticleID:   "my-article",
			TotalChunks: 2,
			Failures: []orchestrator.ChunkFailure{
				{Index: 0, Kind: synthesis.KindTimeout, Message: "timed out"},
				{Index: 1, Kind: synthesis.KindAPIError, Message: "throttled"},
			},
		},
	}

	server := newTestServer(t, generator, defaultArticles())

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/api/audio/my-article", nil)
	server.Handler().ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusInternalServerError, recorder.Code)

	var body map[string]any

	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	assert.Equal(t, "my-article", body["articleId"])
	assert.NotEmpty(t, body["remediation"])

	failures, ok := body["failures"].([]any)
	require.True(t, ok)
	assert.Len(t, failures, 2)
}

func TestHandleAudio_UnknownArticle(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, &mockGenerator{
		result: nil,
		status: nil,
		report: nil,
		err:    errors.New("generator should not be reached"),
	}, defaultArticles())

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/api/audio/unknown", nil)
	server.Handler().ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestHandleStatus(t *testing.T) {
	t.Parallel()

	generator := &mockGenerator{
		result: nil,
		status: &assembler.Status{
			Complete:         false,
			TotalChunks:      4,
			AvailableIndices: []int{0, 1, 3},
			MissingIndices:   []int{2},
			Prefix:           []byte("ab"),
		},
		report: nil,
		err:    nil,
	}

	server := newTestServer(t, generator, defaultArticles())

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/api/audio/my-article/status", nil)
	server.Handler().ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusOK, recorder.Code)

	var body map[string]any

	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	assert.InDelta(t, 4, body["totalChunks"], 0)
	assert.InDelta(t, 3, body["availableChunks"], 0)
	assert.InDelta(t, 2, body["prefixBytes"], 0)
	assert.Equal(t, false, body["complete"])
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, &mockGenerator{
		result: nil,
		status: nil,
		report: nil,
		err:    nil,
	}, defaultArticles())

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/health", nil)
	server.Handler().ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusOK, recorder.Code)
}
