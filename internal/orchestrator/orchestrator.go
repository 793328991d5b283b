// Package orchestrator implements the resilient chunked audio generation
// loop: it determines which chunks are missing, synthesizes a bounded batch
// of them concurrently, persists every success immediately, and converges
// toward a single complete artifact across repeated invocations.
package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/book-expert/logger"

	"github.com/book-expert/narration-service/internal/assembler"
	"github.com/book-expert/narration-service/internal/chunker"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/metadata"
	"github.com/book-expert/narration-service/internal/synthesis"
)

// Defaults.
const (
	// DefaultMaxChunkChars bounds a chunk's character length.
	DefaultMaxChunkChars = 1250
	// DefaultDispatchBatchSize bounds how many missing chunks one
	// invocation synthesizes. Dispatching every missing chunk at once makes
	// the throttled endpoint spend capacity on chunks far ahead of the
	// playhead, so only the lowest missing indices are requested; the next
	// poll then always makes forward progress on the chunk blocking
	// playback.
	DefaultDispatchBatchSize = 3
)

// Static errors.
var (
	// ErrEmptyArticle indicates the article text produced no chunks.
	ErrEmptyArticle = errors.New("article text is empty")
	// ErrRecordTruncated indicates a stored metadata record holds fewer
	// chunk texts than its declared chunk count.
	ErrRecordTruncated = errors.New("metadata record holds no text for chunk")
)

// Log formats.
const (
	logFmtChunkFailed    = "Chunk %d of article '%s' failed (%s): %s (text length %d)"
	logFmtChunkCompleted = "Chunk %d/%d of article '%s' completed (%d bytes)"
	logFmtFinalized      = "Article '%s' finalized: %d chunks, %d bytes total"
	logFmtCleanupFailed  = "Cleanup of '%s' failed (will be retried on next finalization): %v"
)

// ChunkFailure records one chunk's synthesis failure for diagnostics.
type ChunkFailure struct {
	Index   int            `json:"index"`
	Kind    synthesis.Kind `json:"kind"`
	Message string         `json:"message"`
}

// GenerationError is the hard-failure result: a dispatch had missing chunks
// to fill, every synthesis call failed, and no chunk at all exists yet. Any
// partial progress is never reported as this error.
type GenerationError struct {
	ArticleID   string         `json:"articleId"`
	TotalChunks int            `json:"totalChunks"`
	Failures    []ChunkFailure `json:"failures"`
}

func (e *GenerationError) Error() string {
	indices := make([]string, 0, len(e.Failures))
	for _, failure := range e.Failures {
		indices = append(indices, fmt.Sprintf("%d", failure.Index))
	}

	return fmt.Sprintf(
		"audio generation produced zero chunks for article '%s': %d/%d dispatched chunks failed (indices %s); "+
			"the synthesis endpoint may be down or throttled, retry after a delay",
		e.ArticleID, len(e.Failures), e.TotalChunks, strings.Join(indices, ","),
	)
}

// Result is the outcome of one Generate invocation. When Complete is false
// the caller is expected to poll again after a delay; Audio then holds the
// contiguous playable prefix rather than the whole article.
type Result struct {
	Complete         bool
	Audio            []byte
	TotalChunks      int
	AvailableIndices []int
	MissingIndices   []int
	NewlyCompleted   []int
	Failures         []ChunkFailure
}

// Orchestrator drives chunked audio generation for articles. It is the sole
// writer of chunk metadata and the sole creator and deleter of chunk and
// complete artifacts; it holds no in-process state between invocations, so
// any instance can serve any request.
type Orchestrator struct {
	store         core.ObjectStore
	synth         core.Synthesizer
	tracker       *metadata.Tracker
	assembler     *assembler.Assembler
	log           *logger.Logger
	maxChunkChars int
	batchSize     int
}

// New creates an Orchestrator. Non-positive maxChunkChars or batchSize fall
// back to the defaults.
func New(
	store core.ObjectStore,
	synth core.Synthesizer,
	tracker *metadata.Tracker,
	asm *assembler.Assembler,
	log *logger.Logger,
	maxChunkChars int,
	batchSize int,
) *Orchestrator {
	if maxChunkChars <= 0 {
		maxChunkChars = DefaultMaxChunkChars
	}

	if batchSize <= 0 {
		batchSize = DefaultDispatchBatchSize
	}

	return &Orchestrator{
		store:         store,
		synth:         synth,
		tracker:       tracker,
		assembler:     asm,
		log:           log,
		maxChunkChars: maxChunkChars,
		batchSize:     batchSize,
	}
}

// Status reports the current audio state of an article without dispatching
// any synthesis work.
func (o *Orchestrator) Status(ctx context.Context, articleID string) (*assembler.Status, error) {
	return o.assembler.Status(ctx, articleID)
}

// Generate runs one generation attempt for an article. It is safe to call
// repeatedly; each call moves the article closer to completion and returns
// whatever is currently playable. Two concurrent calls for the same article
// may duplicate synthesis work but cannot corrupt state: chunk uploads are
// idempotent overwrites and completion marking is idempotent.
func (o *Orchestrator) Generate(ctx context.Context, articleID, text string) (*Result, error) {
	status, err := o.assembler.Status(ctx, articleID)
	if err != nil {
		return nil, err
	}

	// Terminal: the complete artifact already exists. Sweep any leftover
	// intermediate state from an interrupted finalization before returning.
	if status.Complete {
		o.sweepLeftovers(ctx, articleID)

		return completeResult(status.Prefix), nil
	}

	// All chunks present but not yet materialized: finalize and return.
	if status.TotalChunks > 0 && len(status.MissingIndices) == 0 {
		audio, finalizeErr := o.finalize(ctx, articleID, status.TotalChunks)
		if finalizeErr != nil {
			return nil, finalizeErr
		}

		return completeResult(audio), nil
	}

	record, err := o.ensureMetadata(ctx, articleID, text)
	if err != nil {
		return nil, err
	}

	missing := record.MissingIndices()
	dispatch := missing
	if len(dispatch) > o.batchSize {
		dispatch = dispatch[:o.batchSize]
	}

	newlyCompleted, failures := o.dispatchBatch(ctx, articleID, record, dispatch)

	status, err = o.assembler.Status(ctx, articleID)
	if err != nil {
		return nil, err
	}

	if status.TotalChunks > 0 && len(status.MissingIndices) == 0 {
		audio, finalizeErr := o.finalize(ctx, articleID, status.TotalChunks)
		if finalizeErr != nil {
			return nil, finalizeErr
		}

		result := completeResult(audio)
		result.NewlyCompleted = newlyCompleted

		return result, nil
	}

	// Total failure: a non-empty dispatch produced nothing and no chunk at
	// all exists. Anything less than zero progress stays a partial result.
	if len(dispatch) > 0 && len(newlyCompleted) == 0 && status.AvailableCount() == 0 {
		return nil, &GenerationError{
			ArticleID:   articleID,
			TotalChunks: record.TotalChunks,
			Failures:    failures,
		}
	}

	return &Result{
		Complete:         false,
		Audio:            status.Prefix,
		TotalChunks:      status.TotalChunks,
		AvailableIndices: status.AvailableIndices,
		MissingIndices:   status.MissingIndices,
		NewlyCompleted:   newlyCompleted,
		Failures:         failures,
	}, nil
}

// ensureMetadata loads the stored metadata record, or creates it from a
// fresh split when none exists. A stored record is authoritative: its chunk
// texts are reused so indices stay stable across retries even if the
// caller's view of the text has drifted.
func (o *Orchestrator) ensureMetadata(ctx context.Context, articleID, text string) (*metadata.Record, error) {
	record, err := o.tracker.Get(ctx, articleID)
	if err == nil {
		return record, nil
	}

	if !errors.Is(err, metadata.ErrNotFound) {
		return nil, err
	}

	chunks := chunker.Split(chunker.Normalize(text), o.maxChunkChars)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: article '%s'", ErrEmptyArticle, articleID)
	}

	return o.tracker.Initialize(ctx, articleID, chunks)
}

// dispatchBatch synthesizes the given chunk indices concurrently. Every
// dispatched call runs to completion regardless of sibling failures; one
// chunk failing must never abort the others. Successes are persisted and
// marked immediately so progress survives even if this invocation dies
// before returning.
func (o *Orchestrator) dispatchBatch(
	ctx context.Context,
	articleID string,
	record *metadata.Record,
	indices []int,
) (newlyCompleted []int, failures []ChunkFailure) {
	var (
		waitGroup sync.WaitGroup
		mutex     sync.Mutex
	)

	for _, index := range indices {
		waitGroup.Add(1)

		go func(chunkIndex int) {
			defer waitGroup.Done()

			chunkText, err := chunkTextAt(record, chunkIndex)

			var artifactSize int64
			if err == nil {
				artifactSize, err = o.generateChunk(ctx, articleID, chunkIndex, chunkText)
			}

			mutex.Lock()
			defer mutex.Unlock()

			if err != nil {
				failures = append(failures, ChunkFailure{
					Index:   chunkIndex,
					Kind:    synthesis.ClassifyKind(err),
					Message: err.Error(),
				})

				o.log.Error(logFmtChunkFailed,
					chunkIndex, articleID, synthesis.ClassifyKind(err), err, len(chunkText))

				return
			}

			// MarkCompleted rewrites the whole metadata record, so
			// sibling marks must not interleave or one chunk's mark
			// would erase another's.
			o.markChunkCompleted(ctx, articleID, chunkIndex, artifactSize)

			newlyCompleted = append(newlyCompleted, chunkIndex)
		}(index)
	}

	waitGroup.Wait()

	sort.Ints(newlyCompleted)
	sort.Slice(failures, func(i, j int) bool { return failures[i].Index < failures[j].Index })

	return newlyCompleted, failures
}

// chunkTextAt guards against a stored record whose text list is shorter
// than its declared chunk count; such corruption becomes a per-chunk
// failure instead of taking the whole batch down.
func chunkTextAt(record *metadata.Record, index int) (string, error) {
	if index >= len(record.TextChunks) {
		return "", fmt.Errorf("%w %d: record holds %d of %d chunk texts",
			ErrRecordTruncated, index, len(record.TextChunks), record.TotalChunks)
	}

	return record.TextChunks[index], nil
}

// generateChunk synthesizes one chunk and persists its artifact, returning
// the artifact size. Completion marking happens in the caller under the
// batch mutex.
func (o *Orchestrator) generateChunk(ctx context.Context, articleID string, index int, text string) (int64, error) {
	audioData, err := o.synth.Synthesize(ctx, text)
	if err != nil {
		return 0, err
	}

	uploadErr := o.store.Upload(ctx, core.ChunkArtifactKey(articleID, index), audioData, core.ContentTypeMP3)
	if uploadErr != nil {
		return 0, fmt.Errorf("failed to persist chunk %d: %w", index, uploadErr)
	}

	return int64(len(audioData)), nil
}

// markChunkCompleted records a persisted chunk in metadata. A mark failure
// after a successful upload is logged and absorbed: the artifact exists,
// and a later status scan will see it.
func (o *Orchestrator) markChunkCompleted(ctx context.Context, articleID string, index int, size int64) {
	record, markErr := o.tracker.MarkCompleted(ctx, articleID, index, size)
	if markErr != nil {
		o.log.Warn("Failed to mark chunk %d of article '%s' completed: %v", index, articleID, markErr)

		return
	}

	o.log.Info(logFmtChunkCompleted, index, record.TotalChunks, articleID, size)
}

// finalize is the commit step: it concatenates every chunk in index order,
// writes the complete artifact, and only then deletes intermediate state.
// The multi-key cleanup is not atomic; an interruption leaves the complete
// artifact in place and the next invocation sweeps the leftovers, so
// re-finalization is harmless.
func (o *Orchestrator) finalize(ctx context.Context, articleID string, totalChunks int) ([]byte, error) {
	var audio bytes.Buffer

	for i := 0; i < totalChunks; i++ {
		data, err := o.store.Download(ctx, core.ChunkArtifactKey(articleID, i))
		if err != nil {
			return nil, fmt.Errorf("failed to load chunk %d during finalization of article '%s': %w", i, articleID, err)
		}

		audio.Write(data)
	}

	uploadErr := o.store.Upload(ctx, core.CompleteArtifactKey(articleID), audio.Bytes(), core.ContentTypeMP3)
	if uploadErr != nil {
		return nil, fmt.Errorf("failed to write complete artifact for article '%s': %w", articleID, uploadErr)
	}

	o.cleanup(ctx, articleID, totalChunks)

	o.log.Info(logFmtFinalized, articleID, totalChunks, audio.Len())

	return audio.Bytes(), nil
}

// cleanup deletes chunk artifacts and metadata after the complete artifact
// is durable. Individual failures are logged, never fatal.
func (o *Orchestrator) cleanup(ctx context.Context, articleID string, totalChunks int) {
	for i := 0; i < totalChunks; i++ {
		key := core.ChunkArtifactKey(articleID, i)

		err := o.store.Delete(ctx, key)
		if err != nil {
			o.log.Warn(logFmtCleanupFailed, key, err)
		}
	}

	err := o.tracker.Delete(ctx, articleID)
	if err != nil {
		o.log.Warn(logFmtCleanupFailed, core.MetadataKey(articleID), err)
	}
}

// sweepLeftovers removes intermediate state that survived an interrupted
// finalization. Cheap in the common case: one metadata read.
func (o *Orchestrator) sweepLeftovers(ctx context.Context, articleID string) {
	record, err := o.tracker.Get(ctx, articleID)
	if err != nil {
		return
	}

	o.cleanup(ctx, articleID, record.TotalChunks)
}

func completeResult(audio []byte) *Result {
	return &Result{
		Complete:         true,
		Audio:            audio,
		TotalChunks:      1,
		AvailableIndices: []int{0},
		MissingIndices:   []int{},
		NewlyCompleted:   nil,
		Failures:         nil,
	}
}
