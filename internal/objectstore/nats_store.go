// Package objectstore provides a NATS-based implementation of the ObjectStore interface.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

const internalScheme = "nats://objectstore/"

// NatsObjectStore implements the core.ObjectStore interface using NATS JetStream.
type NatsObjectStore struct {
	bucket        string
	prefix        string
	publicBaseURL string
	store         jetstream.ObjectStore
}

// Options tune key and URL generation.
type Options struct {
	// KeyPrefix is prepended to every key built by BuildKey.
	KeyPrefix string
	// PublicBaseURL, when set, is the externally reachable root of the bucket.
	PublicBaseURL string
}

// New creates and initializes a new NatsObjectStore.
func New(ctx context.Context, js jetstream.JetStream, bucketName string, opts Options) (*NatsObjectStore, error) {
	// Use a "create-first" approach.
	store, err := js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("Audio artifacts of the %s bucket.", bucketName),
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	})

	// If the bucket already exists, bind to it.
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) {
			return nil, fmt.Errorf("failed to create object store bucket '%s': %w", bucketName, err)
		}

		store, err = js.ObjectStore(ctx, bucketName)
		if err != nil {
			return nil, fmt.Errorf("failed to bind to existing object store bucket '%s': %w", bucketName, err)
		}
	}

	return &NatsObjectStore{
		bucket:        bucketName,
		prefix:        opts.KeyPrefix,
		publicBaseURL: strings.TrimRight(opts.PublicBaseURL, "/"),
		store:         store,
	}, nil
}

// BuildKey namespaces name under the configured prefix.
func (n *NatsObjectStore) BuildKey(name string) string {
	if n.prefix == "" {
		return name
	}

	return path.Join(n.prefix, name)
}

// URLFor returns the durable URL of key.
func (n *NatsObjectStore) URLFor(key string) string {
	if n.publicBaseURL != "" {
		return n.publicBaseURL + "/" + key
	}

	return internalScheme + n.bucket + "/" + key
}

// KeyFromURL reverses URLFor. It reports false for URLs this store did not produce.
func (n *NatsObjectStore) KeyFromURL(url string) (string, bool) {
	roots := []string{internalScheme + n.bucket + "/"}
	if n.publicBaseURL != "" {
		roots = append(roots, n.publicBaseURL+"/")
	}

	for _, root := range roots {
		if key, ok := strings.CutPrefix(url, root); ok && key != "" {
			return key, true
		}
	}

	return "", false
}

// UploadFile streams the file at filePath into the bucket under key.
func (n *NatsObjectStore) UploadFile(ctx context.Context, key, filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open '%s' for upload: %w", filePath, err)
	}
	defer file.Close()

	_, err = n.store.Put(ctx, jetstream.ObjectMeta{Name: key}, file)
	if err != nil {
		return "", fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, n.bucket, err)
	}

	return n.URLFor(key), nil
}

// Upload saves an in-memory object.
func (n *NatsObjectStore) Upload(ctx context.Context, key string, data []byte) error {
	_, err := n.store.PutBytes(ctx, key, data)
	if err != nil {
		return fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, n.bucket, err)
	}

	return nil
}

// Download retrieves an object from the NATS object store.
func (n *NatsObjectStore) Download(ctx context.Context, key string) ([]byte, error) {
	data, err := n.store.GetBytes(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get object '%s' from bucket '%s': %w", key, n.bucket, err)
	}

	return data, nil
}
