// Package core defines the core business logic and interfaces for the narration service.
package core

import (
	"context"
	"errors"
)

// ErrObjectNotFound is returned by an ObjectStore when the requested key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore defines the interface for interacting with a durable key-value blob store.
// Download reports a missing key via ErrObjectNotFound; Exists reports it as false.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Synthesizer defines the interface for a text-to-speech synthesis backend.
// A single call synthesizes one text chunk; retry policy belongs to the caller.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// ArticleSource provides the full text of an article by its identifier.
type ArticleSource interface {
	Text(ctx context.Context, articleID string) (string, error)
}
