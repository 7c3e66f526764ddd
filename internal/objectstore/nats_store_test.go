package objectstore_test

import (
	"context"
	"testing"

	"github.com/book-expert/voice-service/internal/objectstore"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startJetStream(t *testing.T) nats.JetStreamContext {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	natsServer := test.RunServer(&opts)

	natsConnection, err := nats.Connect(natsServer.ClientURL())
	require.NoError(t, err)

	t.Cleanup(func() {
		natsConnection.Close()
		natsServer.Shutdown()
	})

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	return jetstreamContext
}

func TestBucket_UploadDownload(t *testing.T) {
	t.Parallel()

	bucket, err := objectstore.Open(startJetStream(t), "AUDIO_FILES", "audio")
	require.NoError(t, err)
	assert.Equal(t, "AUDIO_FILES", bucket.Name())

	ctx := context.Background()
	payload := []byte("RIFF....WAVEfmt ")

	require.NoError(t, bucket.Upload(ctx, "chunk.wav", payload))

	downloaded, err := bucket.Download(ctx, "chunk.wav")
	require.NoError(t, err)
	assert.Equal(t, payload, downloaded)

	require.NoError(t, bucket.Upload(ctx, "chunk.wav", []byte("replaced")))

	downloaded, err = bucket.Download(ctx, "chunk.wav")
	require.NoError(t, err)
	assert.Equal(t, []byte("replaced"), downloaded)
}

func TestBucket_DownloadMissing(t *testing.T) {
	t.Parallel()

	bucket, err := objectstore.Open(startJetStream(t), "TEXT_FILES", "text")
	require.NoError(t, err)

	_, err = bucket.Download(context.Background(), "absent.txt")
	require.ErrorIs(t, err, objectstore.ErrObjectNotFound)
}

func TestOpen_BindsToExistingBucket(t *testing.T) {
	t.Parallel()

	jetstreamContext := startJetStream(t)

	first, err := objectstore.Open(jetstreamContext, "SHARED", "text")
	require.NoError(t, err)
	require.NoError(t, first.Upload(context.Background(), "page-1.txt", []byte("Hello")))

	second, err := objectstore.Open(jetstreamContext, "SHARED", "text")
	require.NoError(t, err)

	data, err := second.Download(context.Background(), "page-1.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("Hello"), data)
}
