// Package objectstore_test tests the NATS object store implementation.
package objectstore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/book-expert/tts-pipeline/internal/objectstore"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ core.ObjectStore = (*objectstore.NatsObjectStore)(nil)

// StartTestServer starts an in-memory NATS server for testing purposes.
func StartTestServer(t *testing.T) (*server.Server, jetstream.JetStream) {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1 // Use a random port
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	natsServer := test.RunServer(&opts)

	natsConnection, err := nats.Connect(natsServer.ClientURL())
	if err != nil {
		t.Fatalf("Failed to connect to test NATS server: %v", err)
	}

	t.Cleanup(func() {
		natsConnection.Close()
		natsServer.Shutdown()
	})

	js, err := jetstream.New(natsConnection)
	require.NoError(t, err)

	return natsServer, js
}

func TestNatsObjectStore_UploadDownload(t *testing.T) {
	t.Parallel()

	_, js := StartTestServer(t)
	ctx := context.Background()

	store, err := objectstore.New(ctx, js, "test-bucket", objectstore.Options{})
	require.NoError(t, err)

	key := "my-test-object"
	uploadData := []byte("hello world, this is a test")

	require.NoError(t, store.Upload(ctx, key, uploadData))

	downloadData, err := store.Download(ctx, key)
	require.NoError(t, err)
	require.Equal(t, uploadData, downloadData)
}

func TestNatsObjectStore_UploadFileRoundTripsThroughURL(t *testing.T) {
	t.Parallel()

	_, js := StartTestServer(t)
	ctx := context.Background()

	store, err := objectstore.New(ctx, js, "AUDIO", objectstore.Options{KeyPrefix: "audio/"})
	require.NoError(t, err)

	filePath := filepath.Join(t.TempDir(), "clip.wav")
	require.NoError(t, os.WriteFile(filePath, []byte("RIFF"), 0o600))

	key := store.BuildKey("clip.wav")
	assert.Equal(t, "audio/clip.wav", key)

	url, err := store.UploadFile(ctx, key, filePath)
	require.NoError(t, err)
	assert.Equal(t, "nats://objectstore/AUDIO/audio/clip.wav", url)

	back, ok := store.KeyFromURL(url)
	require.True(t, ok)
	assert.Equal(t, key, back)

	data, err := store.Download(ctx, back)
	require.NoError(t, err)
	assert.Equal(t, []byte("RIFF"), data)

	_, ok = store.KeyFromURL("https://elsewhere.example/clip.wav")
	assert.False(t, ok)
}

func TestNatsObjectStore_BindsExistingBucketAndPublicURL(t *testing.T) {
	t.Parallel()

	_, js := StartTestServer(t)
	ctx := context.Background()

	_, err := objectstore.New(ctx, js, "shared", objectstore.Options{})
	require.NoError(t, err)

	store, err := objectstore.New(ctx, js, "shared", objectstore.Options{PublicBaseURL: "https://cdn.example/audio/"})
	require.NoError(t, err)

	assert.Equal(t, "https://cdn.example/audio/a.wav", store.URLFor("a.wav"))

	key, ok := store.KeyFromURL("https://cdn.example/audio/a.wav")
	require.True(t, ok)
	assert.Equal(t, "a.wav", key)

	_, err = store.Download(ctx, "missing")
	require.Error(t, err)
}

func TestNatsObjectStore_UploadFileMissing(t *testing.T) {
	t.Parallel()

	_, js := StartTestServer(t)

	store, err := objectstore.New(context.Background(), js, "b", objectstore.Options{})
	require.NoError(t, err)

	_, err = store.UploadFile(context.Background(), "k", filepath.Join(t.TempDir(), "nope.wav"))
	require.Error(t, err)
}
