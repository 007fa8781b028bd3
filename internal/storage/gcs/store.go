// Package gcs is a Cloud Storage blob store for hosted mode. Object
// generation numbers serve as tags, so conditional writes ride on GCS
// preconditions instead of any client-side locking.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/plotpalette/plotpalette/internal/domain"
)

// Store implements the blob store over a GCS bucket.
type Store struct {
	client *storage.Client
	bucket string
}

// NewStore creates a GCS blob store.
// It assumes the client is authenticated (e.g. via GOOGLE_APPLICATION_CREDENTIALS).
func NewStore(ctx context.Context, bucketName string) (*Store, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &Store{
		client: client,
		bucket: bucketName,
	}, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Put writes an object under a generation precondition. An empty ifTag
// requires that the object does not exist; otherwise ifTag must be the
// decimal generation returned by an earlier Put or Get.
func (s *Store) Put(ctx context.Context, key string, data []byte, ifTag string) (string, error) {
	obj := s.client.Bucket(s.bucket).Object(key)

	if ifTag == "" {
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	} else {
		gen, err := strconv.ParseInt(ifTag, 10, 64)
		if err != nil {
			return "", fmt.Errorf("invalid blob tag %q: %w", ifTag, err)
		}
		obj = obj.If(storage.Conditions{GenerationMatch: gen})
	}

	w := obj.NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", fmt.Errorf("failed to write object %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			return "", fmt.Errorf("%w: key %s", domain.ErrTagMismatch, key)
		}
		return "", fmt.Errorf("failed to finalize object %s: %w", key, err)
	}

	return strconv.FormatInt(w.Attrs().Generation, 10), nil
}

// Get returns an object's contents and its generation tag. The reader is
// pinned to a single generation, so the data and tag always agree.
func (s *Store) Get(ctx context.Context, key string) ([]byte, string, error) {
	obj := s.client.Bucket(s.bucket).Object(key)

	r, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, "", fmt.Errorf("%w: key %s", domain.ErrBlobNotFound, key)
		}
		return nil, "", fmt.Errorf("failed to open object %s: %w", key, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, strconv.FormatInt(r.Attrs.Generation, 10), nil
}

// Delete removes an object. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.client.Bucket(s.bucket).Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}

// isPreconditionFailed reports whether the GCS error is an HTTP 412,
// meaning the generation precondition lost a race.
func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
