// Package httpapi exposes the narration engine over HTTP. The audio endpoint
// is poll-driven: a partial response carries the playable prefix plus
// progress headers, and the client is expected to re-request after an
// increasing delay to respect the synthesis endpoint's throttling.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/book-expert/logger"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/book-expert/narration-service/internal/assembler"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/orchestrator"
)

// Response headers of the audio progress protocol.
const (
	HeaderAudioStatus     = "X-Audio-Status"
	HeaderTotalChunks     = "X-Total-Chunks"
	HeaderAvailableChunks = "X-Available-Chunks"
	HeaderMissingChunks   = "X-Missing-Chunks"
)

// Header values.
const (
	audioStatusPartial  = "partial"
	audioStatusComplete = "complete"
	missingNone         = "none"
)

// Cache control: a complete artifact never changes; partial state is stale
// the moment the next chunk lands.
const (
	cacheControlComplete = "public, max-age=31536000, immutable"
	cacheControlPartial  = "no-store"
)

// Generator is the orchestration surface the API drives.
type Generator interface {
	Generate(ctx context.Context, articleID, text string) (*orchestrator.Result, error)
	Status(ctx context.Context, articleID string) (*assembler.Status, error)
	Debug(ctx context.Context, articleID string) (*orchestrator.DebugReport, error)
}

// errorBody is the structured diagnostic payload for hard failures.
type errorBody struct {
	Error       string                      `json:"error"`
	ArticleID   string                      `json:"articleId,omitempty"`
	TotalChunks int                         `json:"totalChunks,omitempty"`
	Failures    []orchestrator.ChunkFailure `json:"failures,omitempty"`
	Remediation string                      `json:"remediation,omitempty"`
}

// Server wires the narration engine into an echo instance.
type Server struct {
	echo      *echo.Echo
	generator Generator
	articles  core.ArticleSource
	log       *logger.Logger
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(generator Generator, articles core.ArticleSource, log *logger.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	server := &Server{
		echo:      e,
		generator: generator,
		articles:  articles,
		log:       log,
	}

	e.GET("/health", server.handleHealth)

	api := e.Group("/api")
	api.GET("/audio/:articleID", server.handleAudio)
	api.GET("/audio/:articleID/status", server.handleStatus)
	api.GET("/audio/:articleID/debug", server.handleDebug)

	return server
}

// Start begins serving on the given address and blocks until shutdown.
func (s *Server) Start(address string) error {
	err := s.echo.Start(address)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}

	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.echo.Shutdown(ctx)
	if err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}

	return nil
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// handleAudio returns the complete artifact when it exists, otherwise runs a
// generation attempt and returns whatever contiguous prefix is playable.
func (s *Server) handleAudio(c echo.Context) error {
	articleID := c.Param("articleID")
	ctx := c.Request().Context()

	text, err := s.articles.Text(ctx, articleID)
	if err != nil {
		if errors.Is(err, core.ErrObjectNotFound) {
			return c.JSON(http.StatusNotFound, errorBody{
				Error:     fmt.Sprintf("no article text staged for '%s'", articleID),
				ArticleID: articleID,
			})
		}

		s.log.Error("Failed to load article text for '%s': %v", articleID, err)

		return c.JSON(http.StatusInternalServerError, errorBody{
			Error:     "failed to load article text",
			ArticleID: articleID,
		})
	}

	result, err := s.generator.Generate(ctx, articleID, text)
	if err != nil {
		return s.writeGenerationError(c, articleID, err)
	}

	if result.Complete {
		c.Response().Header().Set(HeaderAudioStatus, audioStatusComplete)
		c.Response().Header().Set(echo.HeaderCacheControl, cacheControlComplete)

		return c.Blob(http.StatusOK, core.ContentTypeMP3, result.Audio)
	}

	header := c.Response().Header()
	header.Set(HeaderAudioStatus, audioStatusPartial)
	header.Set(HeaderTotalChunks, strconv.Itoa(result.TotalChunks))
	header.Set(HeaderAvailableChunks, strconv.Itoa(len(result.AvailableIndices)))
	header.Set(HeaderMissingChunks, formatIndices(result.MissingIndices))
	header.Set(echo.HeaderCacheControl, cacheControlPartial)

	return c.Blob(http.StatusPartialContent, core.ContentTypeMP3, result.Audio)
}

// handleStatus reports progress without dispatching any synthesis work.
func (s *Server) handleStatus(c echo.Context) error {
	articleID := c.Param("articleID")

	status, err := s.generator.Status(c.Request().Context(), articleID)
	if err != nil {
		s.log.Error("Failed to compute status for '%s': %v", articleID, err)

		return c.JSON(http.StatusInternalServerError, errorBody{
			Error:     "failed to compute audio status",
			ArticleID: articleID,
		})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"articleId":        articleID,
		"complete":         status.Complete,
		"totalChunks":      status.TotalChunks,
		"availableChunks":  status.AvailableCount(),
		"availableIndices": status.AvailableIndices,
		"missingIndices":   status.MissingIndices,
		"prefixBytes":      len(status.Prefix),
	})
}

func (s *Server) handleDebug(c echo.Context) error {
	articleID := c.Param("articleID")

	report, err := s.generator.Debug(c.Request().Context(), articleID)
	if err != nil {
		s.log.Error("Failed to build debug report for '%s': %v", articleID, err)

		return c.JSON(http.StatusInternalServerError, errorBody{
			Error:     "failed to build debug report",
			ArticleID: articleID,
		})
	}

	return c.JSON(http.StatusOK, report)
}

// writeGenerationError maps a total generation failure onto a 500 with the
// full per-chunk failure list; anything less diagnostic makes multi-chunk
// failures nearly impossible to investigate from the outside.
func (s *Server) writeGenerationError(c echo.Context, articleID string, err error) error {
	var genErr *orchestrator.GenerationError
	if errors.As(err, &genErr) {
		s.log.Error("Total generation failure for '%s': %v", articleID, err)

		return c.JSON(http.StatusInternalServerError, errorBody{
			Error:       genErr.Error(),
			ArticleID:   genErr.ArticleID,
			TotalChunks: genErr.TotalChunks,
			Failures:    genErr.Failures,
			Remediation: "the synthesis endpoint produced no audio; wait and retry, or check the endpoint health",
		})
	}

	s.log.Error("Generation failed for '%s': %v", articleID, err)

	return c.JSON(http.StatusInternalServerError, errorBody{
		Error:     err.Error(),
		ArticleID: articleID,
	})
}

func formatIndices(indices []int) string {
	if len(indices) == 0 {
		return missingNone
	}

	parts := make([]string, 0, len(indices))
	for _, index := range indices {
		parts = append(parts, strconv.Itoa(index))
	}

	return strings.Join(parts, ",")
}
