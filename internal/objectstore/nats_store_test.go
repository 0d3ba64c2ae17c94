// Package objectstore_test tests the NATS output archive.
package objectstore_test

import (
	"context"
	"testing"

	"github.com/book-expert/voice-clone-service/internal/objectstore"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

// startTestServer starts an in-memory NATS server for testing purposes.
func startTestServer(t *testing.T) (*server.Server, *nats.Conn) {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1 // Use a random port
	opts.JetStream = true
	natsServer := test.RunServer(&opts)

	natsConnection, err := nats.Connect(natsServer.ClientURL())
	if err != nil {
		t.Fatalf("Failed to connect to test NATS server: %v", err)
	}

	return natsServer, natsConnection
}

func TestArchiveUploadDownloadRoundTrip(t *testing.T) {
	t.Parallel()

	natsServer, natsConnection := startTestServer(t)
	defer natsServer.Shutdown()
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	store, err := objectstore.New(jetstreamContext, "rendered-outputs")
	require.NoError(t, err)

	ctx := context.Background()
	key := "cloned_voice_test.wav"
	rendered := []byte("RIFF....WAVE pretend payload")

	require.NoError(t, store.Upload(ctx, key, rendered))

	downloaded, downloadErr := store.Download(ctx, key)
	require.NoError(t, downloadErr)
	require.Equal(t, rendered, downloaded)
}

func TestNewBindsToExistingBucket(t *testing.T) {
	t.Parallel()

	natsServer, natsConnection := startTestServer(t)
	defer natsServer.Shutdown()
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	first, err := objectstore.New(jetstreamContext, "shared-bucket")
	require.NoError(t, err)
	require.NoError(t, first.Upload(context.Background(), "key", []byte("data")))

	second, err := objectstore.New(jetstreamContext, "shared-bucket")
	require.NoError(t, err)

	data, downloadErr := second.Download(context.Background(), "key")
	require.NoError(t, downloadErr)
	require.Equal(t, []byte("data"), data)
}

func TestConnectOverClientURL(t *testing.T) {
	t.Parallel()

	natsServer, natsConnection := startTestServer(t)
	defer natsServer.Shutdown()
	defer natsConnection.Close()

	store, err := objectstore.Connect(natsServer.ClientURL(), "connect-bucket")
	require.NoError(t, err)

	defer store.Close()

	require.NoError(t, store.Upload(context.Background(), "key", []byte("payload")))

	data, downloadErr := store.Download(context.Background(), "key")
	require.NoError(t, downloadErr)
	require.Equal(t, []byte("payload"), data)
}
