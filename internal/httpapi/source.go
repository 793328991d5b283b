package httpapi

import (
	"context"
	"fmt"

	"github.com/book-expert/narration-service/internal/core"
)

// StoreArticleSource reads staged article text from the object store. The
// upstream fetch/parse pipeline writes the plain text under a fixed per-
// article key; this service never fetches or parses articles itself.
type StoreArticleSource struct {
	store core.ObjectStore
}

// NewStoreArticleSource creates a StoreArticleSource.
func NewStoreArticleSource(store core.ObjectStore) *StoreArticleSource {
	return &StoreArticleSource{store: store}
}

// Text returns the staged article text. A missing key is surfaced as
// core.ErrObjectNotFound so the API layer can answer 404.
func (s *StoreArticleSource) Text(ctx context.Context, articleID string) (string, error) {
	data, err := s.store.Download(ctx, core.ArticleTextKey(articleID))
	if err != nil {
		return "", fmt.Errorf("article text for '%s': %w", articleID, err)
	}

	return string(data), nil
}
