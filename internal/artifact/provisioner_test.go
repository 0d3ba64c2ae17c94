// Package artifact_test tests artifact provisioning and verification.
package artifact_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/artifact"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "artifact-test.log")
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = log.Close()
	})

	return log
}

func testManifest(t *testing.T, url string, payload []byte) *artifact.Manifest {
	t.Helper()

	digest := sha256.Sum256(payload)
	checksum := hex.EncodeToString(digest[:])

	manifest := &artifact.Manifest{
		Artifacts: []artifact.Spec{
			{
				Name:      "encoder",
				Filename:  "encoder.pt",
				URL:       url + "/encoder.pt",
				SizeBytes: int64(len(payload)),
				SHA256:    checksum,
			},
			{
				Name:      "synthesizer",
				Filename:  "synthesizer.pt",
				URL:       url + "/synthesizer.pt",
				SizeBytes: int64(len(payload)),
				SHA256:    checksum,
			},
			{
				Name:      "vocoder",
				Filename:  "vocoder.pt",
				URL:       url + "/vocoder.pt",
				SizeBytes: int64(len(payload)),
				SHA256:    checksum,
			},
		},
	}

	require.NoError(t, manifest.Validate())

	return manifest
}

func TestEnsureDownloadsMissingArtifact(t *testing.T) {
	t.Parallel()

	payload := []byte("pretend these are encoder weights")

	var fetches atomic.Int64

	server := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			fetches.Add(1)
			_, _ = w.Write(payload)
		}),
	)
	defer server.Close()

	modelsDir := t.TempDir()
	manifest := testManifest(t, server.URL, payload)
	provisioner := artifact.NewProvisioner(
		manifest,
		modelsDir,
		3,
		time.Millisecond,
		time.Second,
		createTestLogger(t),
	)

	path, err := provisioner.Ensure(context.Background(), "encoder")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(modelsDir, "default", "encoder.pt"), path)

	data, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.Equal(t, payload, data)
	assert.Equal(t, int64(1), fetches.Load())
}

func TestEnsurePresentAndVerifiedPerformsNoFetch(t *testing.T) {
	t.Parallel()

	payload := []byte("already provisioned weights")

	var fetches atomic.Int64

	server := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			fetches.Add(1)
			_, _ = w.Write(payload)
		}),
	)
	defer server.Close()

	modelsDir := t.TempDir()
	targetDir := filepath.Join(modelsDir, "default")
	require.NoError(t, os.MkdirAll(targetDir, 0o750))
	require.NoError(
		t,
		os.WriteFile(filepath.Join(targetDir, "vocoder.pt"), payload, 0o600),
	)

	manifest := testManifest(t, server.URL, payload)
	provisioner := artifact.NewProvisioner(
		manifest,
		modelsDir,
		3,
		time.Millisecond,
		time.Second,
		createTestLogger(t),
	)

	_, err := provisioner.Ensure(context.Background(), "vocoder")
	require.NoError(t, err)
	assert.Equal(t, int64(0), fetches.Load())
}

func TestEnsureRefetchesCorruptArtifact(t *testing.T) {
	t.Parallel()

	payload := []byte("genuine synthesizer weights")

	server := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write(payload)
		}),
	)
	defer server.Close()

	modelsDir := t.TempDir()
	targetDir := filepath.Join(modelsDir, "default")
	require.NoError(t, os.MkdirAll(targetDir, 0o750))
	// A truncated local copy must be replaced, not trusted.
	require.NoError(
		t,
		os.WriteFile(filepath.Join(targetDir, "synthesizer.pt"), payload[:4], 0o600),
	)

	manifest := testManifest(t, server.URL, payload)
	provisioner := artifact.NewProvisioner(
		manifest,
		modelsDir,
		3,
		time.Millisecond,
		time.Second,
		createTestLogger(t),
	)

	path, err := provisioner.Ensure(context.Background(), "synthesizer")
	require.NoError(t, err)

	data, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.Equal(t, payload, data)
}

func TestEnsureFailsWithoutPartialFiles(t *testing.T) {
	t.Parallel()

	payload := []byte("unreachable weights")

	server := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}),
	)
	defer server.Close()

	modelsDir := t.TempDir()
	manifest := testManifest(t, server.URL, payload)
	provisioner := artifact.NewProvisioner(
		manifest,
		modelsDir,
		2,
		time.Millisecond,
		time.Second,
		createTestLogger(t),
	)

	_, err := provisioner.Ensure(context.Background(), "encoder")
	require.ErrorIs(t, err, artifact.ErrArtifactUnavailable)

	entries, readErr := os.ReadDir(filepath.Join(modelsDir, "default"))
	require.NoError(t, readErr)
	assert.Empty(t, entries)
}

func TestEnsureUnknownArtifact(t *testing.T) {
	t.Parallel()

	payload := []byte("weights")
	manifest := testManifest(t, "http://127.0.0.1:0", payload)
	provisioner := artifact.NewProvisioner(
		manifest,
		t.TempDir(),
		1,
		time.Millisecond,
		time.Second,
		createTestLogger(t),
	)

	_, err := provisioner.Ensure(context.Background(), "discriminator")
	require.ErrorIs(t, err, artifact.ErrUnknownArtifact)
}

func TestConcurrentEnsureFetchesOnce(t *testing.T) {
	t.Parallel()

	payload := []byte("contended encoder weights")

	var fetches atomic.Int64

	server := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			fetches.Add(1)
			_, _ = w.Write(payload)
		}),
	)
	defer server.Close()

	manifest := testManifest(t, server.URL, payload)
	provisioner := artifact.NewProvisioner(
		manifest,
		t.TempDir(),
		3,
		time.Millisecond,
		time.Second,
		createTestLogger(t),
	)

	const callers = 8

	var waitGroup sync.WaitGroup

	errs := make([]error, callers)

	for i := range callers {
		waitGroup.Add(1)

		go func(idx int) {
			defer waitGroup.Done()

			_, errs[idx] = provisioner.Ensure(context.Background(), "encoder")
		}(i)
	}

	waitGroup.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, int64(1), fetches.Load())
}

func TestManifestValidation(t *testing.T) {
	t.Parallel()

	empty := &artifact.Manifest{}
	require.ErrorIs(t, empty.Validate(), artifact.ErrManifestEmpty)

	incomplete := &artifact.Manifest{
		Artifacts: []artifact.Spec{
			{Name: "encoder", Filename: "encoder.pt", URL: "http://example/e"},
		},
	}
	require.ErrorIs(t, incomplete.Validate(), artifact.ErrArtifactMissing)

	nameless := &artifact.Manifest{
		Artifacts: []artifact.Spec{
			{Name: "", Filename: "encoder.pt", URL: "http://example/e"},
		},
	}
	require.ErrorIs(t, nameless.Validate(), artifact.ErrArtifactName)
}
