// Package session_test tests per-request workspace allocation and cleanup.
package session_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestManager(t *testing.T) *session.Manager {
	t.Helper()

	log, logErr := logger.New(t.TempDir(), "session-test.log")
	require.NoError(t, logErr)

	t.Cleanup(func() {
		_ = log.Close()
	})

	manager, err := session.NewManager(
		filepath.Join(t.TempDir(), "temp_uploads"),
		filepath.Join(t.TempDir(), "outputs"),
		log,
	)
	require.NoError(t, err)

	return manager
}

func TestNewManagerRequiresDirectories(t *testing.T) {
	t.Parallel()

	log, logErr := logger.New(t.TempDir(), "session-test.log")
	require.NoError(t, logErr)

	defer func() {
		_ = log.Close()
	}()

	_, err := session.NewManager("", "outputs", log)
	require.ErrorIs(t, err, session.ErrUploadsDirEmpty)

	_, err = session.NewManager("temp_uploads", "", log)
	require.ErrorIs(t, err, session.ErrOutputsDirEmpty)
}

func TestSessionsGetUniqueIdentifiers(t *testing.T) {
	t.Parallel()

	manager := createTestManager(t)

	seen := make(map[string]struct{})

	for range 100 {
		sess := manager.Open()

		_, duplicate := seen[sess.ID()]
		require.False(t, duplicate)

		seen[sess.ID()] = struct{}{}

		sess.Close()
	}
}

func TestSaveReferenceAndCleanup(t *testing.T) {
	t.Parallel()

	manager := createTestManager(t)
	sess := manager.Open()

	path, err := sess.SaveReference([]byte("reference bytes"), ".wav")
	require.NoError(t, err)
	require.FileExists(t, path)
	assert.Contains(t, filepath.Base(path), sess.ID())

	sess.Close()

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestCloseIsIdempotentAndSafeWithoutReference(t *testing.T) {
	t.Parallel()

	manager := createTestManager(t)

	sess := manager.Open()
	sess.Close()
	sess.Close()

	_, err := sess.SaveReference([]byte("late"), ".wav")
	require.ErrorIs(t, err, session.ErrSessionClosed)
}

func TestCloseLeavesDurableOutputAlone(t *testing.T) {
	t.Parallel()

	manager := createTestManager(t)
	sess := manager.Open()

	_, saveErr := sess.SaveReference([]byte("reference"), ".mp3")
	require.NoError(t, saveErr)

	outputPath := sess.OutputPath()
	require.NoError(t, os.WriteFile(outputPath, []byte("rendered"), 0o600))

	sess.Close()

	require.FileExists(t, outputPath)
}

func TestSaveReferenceRejectsBadExtension(t *testing.T) {
	t.Parallel()

	manager := createTestManager(t)
	sess := manager.Open()

	defer sess.Close()

	_, err := sess.SaveReference([]byte("reference"), "wav")
	require.ErrorIs(t, err, session.ErrBadExtension)
}

func TestOutputNamingIsSessionScoped(t *testing.T) {
	t.Parallel()

	manager := createTestManager(t)
	sess := manager.Open()

	defer sess.Close()

	assert.Equal(t, "cloned_voice_"+sess.ID()+".wav", sess.OutputFilename())
	assert.Equal(
		t,
		filepath.Join(manager.OutputsDir(), sess.OutputFilename()),
		sess.OutputPath(),
	)
}
