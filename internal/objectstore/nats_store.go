// Package objectstore provides a NATS-based implementation of the ObjectStore interface.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/book-expert/narration-service/internal/core"
)

// NatsObjectStore implements the core.ObjectStore interface using NATS JetStream.
type NatsObjectStore struct {
	jetstreamContext nats.JetStreamContext
	bucket           string
	store            nats.ObjectStore
}

// New creates and initializes a new NatsObjectStore.
func New(jetstreamContext nats.JetStreamContext, bucketName string) (*NatsObjectStore, error) {
	// Use a "create-first" approach.
	store, err := jetstreamContext.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("Storage for the %s bucket.", bucketName),
		TTL:         0,
		MaxBytes:    0,
		Storage:     nats.FileStorage,
		Replicas:    1,
		Placement:   nil,
		Metadata:    nil,
		Compression: false,
	})

	// If the bucket already exists, bind to it.
	if err != nil {
		if errors.Is(err, jetstream.ErrBucketExists) {
			store, err = jetstreamContext.ObjectStore(bucketName)
			if err != nil {
				return nil, fmt.Errorf("failed to bind to existing object store bucket '%s': %w", bucketName, err)
			}
		} else {
			// For any other error, fail.
			return nil, fmt.Errorf("failed to create object store bucket '%s': %w", bucketName, err)
		}
	}

	return &NatsObjectStore{
		jetstreamContext: jetstreamContext,
		bucket:           bucketName,
		store:            store,
	}, nil
}

// Download retrieves an object from the NATS object store. A missing key is
// reported as core.ErrObjectNotFound so callers can treat absence as state.
func (n *NatsObjectStore) Download(_ context.Context, key string) ([]byte, error) {
	obj, err := n.store.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrObjectNotFound) {
			return nil, fmt.Errorf("object '%s' in bucket '%s': %w", key, n.bucket, core.ErrObjectNotFound)
		}

		return nil, fmt.Errorf("failed to get object '%s' from bucket '%s': %w", key, n.bucket, err)
	}

	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()

	if readErr != nil {
		return nil, fmt.Errorf("failed to read object '%s': %w", key, readErr)
	}

	if closeErr != nil {
		return data, fmt.Errorf("failed to close object '%s': %w", key, closeErr)
	}

	return data, nil
}

// Upload saves an object to the NATS object store. Re-uploading an existing
// key overwrites it, which callers rely on for idempotent chunk writes.
func (n *NatsObjectStore) Upload(_ context.Context, key string, data []byte, contentType string) error {
	reader := bytes.NewReader(data)

	headers := nats.Header{}
	if contentType != "" {
		headers.Set("Content-Type", contentType)
	}

	_, err := n.store.Put(&nats.ObjectMeta{
		Name:        key,
		Description: "",
		Headers:     headers,
		Metadata:    nil,
		Opts:        nil,
	}, reader)
	if err != nil {
		return fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, n.bucket, err)
	}

	return nil
}

// Delete removes an object from the store. Deleting a key that does not exist
// is not an error; cleanup must be safe to repeat.
func (n *NatsObjectStore) Delete(_ context.Context, key string) error {
	err := n.store.Delete(key)
	if err != nil && !errors.Is(err, nats.ErrObjectNotFound) {
		return fmt.Errorf("failed to delete object '%s' from bucket '%s': %w", key, n.bucket, err)
	}

	return nil
}

// Exists reports whether an object is present without downloading its bytes.
func (n *NatsObjectStore) Exists(_ context.Context, key string) (bool, error) {
	info, err := n.store.GetInfo(key)
	if err != nil {
		if errors.Is(err, nats.ErrObjectNotFound) {
			return false, nil
		}

		return false, fmt.Errorf("failed to stat object '%s' in bucket '%s': %w", key, n.bucket, err)
	}

	// A deleted object may leave a tombstone entry behind.
	if info.Deleted {
		return false, nil
	}

	return true, nil
}

// List returns the keys of all live objects whose name starts with prefix.
func (n *NatsObjectStore) List(_ context.Context, prefix string) ([]string, error) {
	infos, err := n.store.List()
	if err != nil {
		if errors.Is(err, nats.ErrNoObjectsFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to list bucket '%s': %w", n.bucket, err)
	}

	var keys []string

	for _, info := range infos {
		if info.Deleted {
			continue
		}

		if strings.HasPrefix(info.Name, prefix) {
			keys = append(keys, info.Name)
		}
	}

	return keys, nil
}
