// Package metadata maintains the durable per-article record of chunk
// generation progress.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/book-expert/narration-service/internal/core"
)

// Static errors.
var (
	// ErrNotFound indicates no metadata record exists for the article.
	ErrNotFound = errors.New("chunk metadata not found")
	// ErrMetadataConflict indicates an existing record disagrees with a
	// freshly computed split. The stored record is authoritative; forcing a
	// re-chunk requires deleting it explicitly.
	ErrMetadataConflict = errors.New("chunk metadata conflicts with new split")
	// ErrIndexOutOfRange indicates a chunk index outside [0, totalChunks).
	ErrIndexOutOfRange = errors.New("chunk index out of range")
)

// Record is the durable chunk metadata for one article. It exists only while
// generation is incomplete; finalization deletes it.
//
// CompletedChunks is kept sorted and free of duplicates. ChunkSizes is
// indexed by chunk index and meaningful only for completed indices. The
// original chunk texts are retained so a retry can regenerate a missing chunk
// without re-deriving the split; re-chunking from scratch could produce a
// different split and desynchronize indices.
type Record struct {
	TotalChunks     int       `json:"totalChunks"`
	CompletedChunks []int     `json:"completedChunks"`
	ChunkSizes      []int64   `json:"chunkSizes"`
	TextChunks      []string  `json:"textChunks"`
	LastUpdated     time.Time `json:"lastUpdated"`
}

// IsCompleted reports whether the given chunk index has a persisted artifact.
func (r *Record) IsCompleted(index int) bool {
	for _, completed := range r.CompletedChunks {
		if completed == index {
			return true
		}
	}

	return false
}

// IsComplete reports whether every chunk index has been completed.
func (r *Record) IsComplete() bool {
	return len(r.CompletedChunks) == r.TotalChunks
}

// MissingIndices returns the chunk indices without a persisted artifact, in
// ascending order.
func (r *Record) MissingIndices() []int {
	missing := make([]int, 0, r.TotalChunks-len(r.CompletedChunks))

	for i := 0; i < r.TotalChunks; i++ {
		if !r.IsCompleted(i) {
			missing = append(missing, i)
		}
	}

	return missing
}

// Tracker persists Records in the object store, one per article. All
// operations are read-modify-write against the store; two orchestrations
// racing on the same article resolve last-write-wins, which is acceptable
// because chunk artifacts are idempotently overwritten with identical
// content.
type Tracker struct {
	store core.ObjectStore
	now   func() time.Time
}

// NewTracker creates a Tracker backed by the given store.
func NewTracker(store core.ObjectStore) *Tracker {
	return &Tracker{
		store: store,
		now:   time.Now,
	}
}

// Initialize creates the metadata record for an article from its chunk
// texts. If a record already exists with the same chunk count it is returned
// unchanged; if the counts disagree the stored record is authoritative and
// ErrMetadataConflict is returned rather than silently overwriting.
func (t *Tracker) Initialize(ctx context.Context, articleID string, textChunks []string) (*Record, error) {
	existing, err := t.Get(ctx, articleID)
	if err == nil {
		if existing.TotalChunks != len(textChunks) {
			return nil, fmt.Errorf(
				"%w: stored totalChunks=%d, new split yields %d (article %s)",
				ErrMetadataConflict, existing.TotalChunks, len(textChunks), articleID,
			)
		}

		return existing, nil
	}

	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	record := &Record{
		TotalChunks:     len(textChunks),
		CompletedChunks: []int{},
		ChunkSizes:      make([]int64, len(textChunks)),
		TextChunks:      textChunks,
		LastUpdated:     t.now().UTC(),
	}

	putErr := t.put(ctx, articleID, record)
	if putErr != nil {
		return nil, putErr
	}

	return record, nil
}

// Get loads the metadata record for an article, or ErrNotFound if absent.
func (t *Tracker) Get(ctx context.Context, articleID string) (*Record, error) {
	data, err := t.store.Download(ctx, core.MetadataKey(articleID))
	if err != nil {
		if errors.Is(err, core.ErrObjectNotFound) {
			return nil, fmt.Errorf("article '%s': %w", articleID, ErrNotFound)
		}

		return nil, fmt.Errorf("failed to download metadata for article '%s': %w", articleID, err)
	}

	var record Record

	unmarshalErr := json.Unmarshal(data, &record)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata for article '%s': %w", articleID, unmarshalErr)
	}

	return &record, nil
}

// MarkCompleted records that the chunk at index has a persisted artifact of
// sizeBytes. Marking an already-completed index is a no-op for the completed
// set and must not duplicate the index or corrupt the size table.
func (t *Tracker) MarkCompleted(ctx context.Context, articleID string, index int, sizeBytes int64) (*Record, error) {
	record, err := t.Get(ctx, articleID)
	if err != nil {
		return nil, err
	}

	if index < 0 || index >= record.TotalChunks {
		return nil, fmt.Errorf("%w: index %d, totalChunks %d", ErrIndexOutOfRange, index, record.TotalChunks)
	}

	if !record.IsCompleted(index) {
		record.CompletedChunks = append(record.CompletedChunks, index)
		sort.Ints(record.CompletedChunks)
	}

	record.ChunkSizes[index] = sizeBytes
	record.LastUpdated = t.now().UTC()

	putErr := t.put(ctx, articleID, record)
	if putErr != nil {
		return nil, putErr
	}

	return record, nil
}

// Delete removes the metadata record for an article. Safe to call when no
// record exists.
func (t *Tracker) Delete(ctx context.Context, articleID string) error {
	err := t.store.Delete(ctx, core.MetadataKey(articleID))
	if err != nil {
		return fmt.Errorf("failed to delete metadata for article '%s': %w", articleID, err)
	}

	return nil
}

func (t *Tracker) put(ctx context.Context, articleID string, record *Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata for article '%s': %w", articleID, err)
	}

	uploadErr := t.store.Upload(ctx, core.MetadataKey(articleID), data, core.ContentTypeJSON)
	if uploadErr != nil {
		return fmt.Errorf("failed to upload metadata for article '%s': %w", articleID, uploadErr)
	}

	return nil
}
