package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/metadata"
)

// DebugReport is a point-in-time dump of everything the store and tracker
// know about one article. Opaque failures in a multi-chunk pipeline are hard
// to debug without this.
type DebugReport struct {
	ArticleID           string           `json:"articleId"`
	HasCompleteArtifact bool             `json:"hasCompleteArtifact"`
	StoredKeys          []string         `json:"storedKeys"`
	Metadata            *metadata.Record `json:"metadata,omitempty"`
	Inconsistencies     []string         `json:"inconsistencies,omitempty"`
}

// Debug gathers a DebugReport for an article and cross-checks the metadata
// record against the keys actually present in the store.
func (o *Orchestrator) Debug(ctx context.Context, articleID string) (*DebugReport, error) {
	report := &DebugReport{
		ArticleID:           articleID,
		HasCompleteArtifact: false,
		StoredKeys:          nil,
		Metadata:            nil,
		Inconsistencies:     nil,
	}

	hasComplete, err := o.store.Exists(ctx, core.CompleteArtifactKey(articleID))
	if err != nil {
		return nil, fmt.Errorf("failed to check complete artifact for article '%s': %w", articleID, err)
	}

	report.HasCompleteArtifact = hasComplete

	keys, err := o.store.List(ctx, core.ArticlePrefix(articleID))
	if err != nil {
		return nil, fmt.Errorf("failed to list keys for article '%s': %w", articleID, err)
	}

	report.StoredKeys = keys

	record, err := o.tracker.Get(ctx, articleID)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return report, nil
		}

		return nil, err
	}

	report.Metadata = record
	report.Inconsistencies = o.validateRecord(ctx, articleID, record, hasComplete)

	return report, nil
}

// validateRecord reports divergences between the metadata record and the
// artifacts actually present.
func (o *Orchestrator) validateRecord(
	ctx context.Context,
	articleID string,
	record *metadata.Record,
	hasComplete bool,
) []string {
	var problems []string

	if hasComplete {
		problems = append(problems,
			"metadata record still present alongside the complete artifact (interrupted finalization)")
	}

	if len(record.TextChunks) != record.TotalChunks {
		problems = append(problems, fmt.Sprintf(
			"textChunks length %d does not match totalChunks %d",
			len(record.TextChunks), record.TotalChunks))
	}

	for _, index := range record.CompletedChunks {
		if index < 0 || index >= record.TotalChunks {
			problems = append(problems, fmt.Sprintf(
				"completed index %d outside [0, %d)", index, record.TotalChunks))

			continue
		}

		exists, err := o.store.Exists(ctx, core.ChunkArtifactKey(articleID, index))
		if err != nil {
			problems = append(problems, fmt.Sprintf("failed to check chunk %d: %v", index, err))

			continue
		}

		if !exists {
			problems = append(problems, fmt.Sprintf(
				"chunk %d marked completed but its artifact is missing", index))
		}
	}

	return problems
}
