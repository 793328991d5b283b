// Package assembler computes the playable state of an article from whatever
// chunk artifacts currently exist.
package assembler

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/metadata"
)

// Status describes the current audio state of one article.
//
// Prefix holds the concatenation, in index order, of the longest contiguous
// run of chunks starting at index 0. Playback must proceed strictly in
// article order, so a chunk is only ever exposed once everything before it
// exists; stopping at the first gap guarantees the prefix is always safe to
// play from the start. AvailableIndices still reports chunks beyond the first
// gap for diagnostics.
type Status struct {
	Complete         bool
	TotalChunks      int
	AvailableIndices []int
	MissingIndices   []int
	Prefix           []byte
}

// AvailableCount returns the number of chunks with a persisted artifact.
func (s *Status) AvailableCount() int {
	return len(s.AvailableIndices)
}

// Assembler reads chunk state from the object store and metadata tracker.
type Assembler struct {
	store   core.ObjectStore
	tracker *metadata.Tracker
}

// New creates an Assembler.
func New(store core.ObjectStore, tracker *metadata.Tracker) *Assembler {
	return &Assembler{
		store:   store,
		tracker: tracker,
	}
}

// Status reports the audio state of an article. A Complete Artifact takes
// priority over any chunk state: once it exists it supersedes chunks and
// metadata entirely. Absent metadata means generation never started and is
// reported as zero total chunks.
func (a *Assembler) Status(ctx context.Context, articleID string) (*Status, error) {
	complete, err := a.completeArtifact(ctx, articleID)
	if err != nil {
		return nil, err
	}

	if complete != nil {
		return complete, nil
	}

	record, err := a.tracker.Get(ctx, articleID)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return &Status{
				Complete:         false,
				TotalChunks:      0,
				AvailableIndices: nil,
				MissingIndices:   nil,
				Prefix:           nil,
			}, nil
		}

		return nil, err
	}

	return a.assembleFromChunks(ctx, articleID, record)
}

// completeArtifact returns a terminal Status when the Complete Artifact
// exists, or nil when it does not.
func (a *Assembler) completeArtifact(ctx context.Context, articleID string) (*Status, error) {
	data, err := a.store.Download(ctx, core.CompleteArtifactKey(articleID))
	if err != nil {
		if errors.Is(err, core.ErrObjectNotFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to check complete artifact for article '%s': %w", articleID, err)
	}

	return &Status{
		Complete:         true,
		TotalChunks:      1,
		AvailableIndices: []int{0},
		MissingIndices:   []int{},
		Prefix:           data,
	}, nil
}

// assembleFromChunks scans chunk indices in order. The prefix accumulates
// chunk bytes only while the run from index 0 is unbroken; after the first
// gap the scan continues purely to record which further indices exist.
func (a *Assembler) assembleFromChunks(
	ctx context.Context,
	articleID string,
	record *metadata.Record,
) (*Status, error) {
	var prefix bytes.Buffer

	available := make([]int, 0, record.TotalChunks)
	missing := make([]int, 0, record.TotalChunks)
	contiguous := true

	for i := 0; i < record.TotalChunks; i++ {
		key := core.ChunkArtifactKey(articleID, i)

		if contiguous {
			data, err := a.store.Download(ctx, key)
			if err != nil {
				if errors.Is(err, core.ErrObjectNotFound) {
					contiguous = false

					missing = append(missing, i)

					continue
				}

				return nil, fmt.Errorf("failed to download chunk %d for article '%s': %w", i, articleID, err)
			}

			prefix.Write(data)

			available = append(available, i)

			continue
		}

		exists, err := a.store.Exists(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to check chunk %d for article '%s': %w", i, articleID, err)
		}

		if exists {
			available = append(available, i)
		} else {
			missing = append(missing, i)
		}
	}

	return &Status{
		Complete:         false,
		TotalChunks:      record.TotalChunks,
		AvailableIndices: available,
		MissingIndices:   missing,
		Prefix:           prefix.Bytes(),
	}, nil
}
