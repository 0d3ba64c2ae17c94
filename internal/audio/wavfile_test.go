package audio_test

import (
	"os"
	"path/filepath"
	"testing"

	vcaudio "github.com/book-expert/voice-clone-service/internal/audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFloat32WAVRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.wav")
	samples := []float32{0, 0.5, -0.5, 1.0, -1.0, 0.123456}

	err := vcaudio.WriteFloat32WAV(path, samples, 22050)
	require.NoError(t, err)

	decoded, sampleRate, readErr := vcaudio.ReadFloat32WAV(path)
	require.NoError(t, readErr)
	assert.Equal(t, 22050, sampleRate)
	assert.Equal(t, samples, decoded)
}

func TestWriteFloat32WAVRejectsEmptyInput(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "empty.wav")

	err := vcaudio.WriteFloat32WAV(path, nil, 22050)
	require.ErrorIs(t, err, vcaudio.ErrNoSamples)

	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr))
}

func TestWriteFloat32WAVRejectsBadSampleRate(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.wav")

	err := vcaudio.WriteFloat32WAV(path, []float32{0.1}, 0)
	require.ErrorIs(t, err, vcaudio.ErrBadSampleRate)
}

func TestWriteFloat32WAVLeavesNoTempFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "clean.wav")

	err := vcaudio.WriteFloat32WAV(path, []float32{0.25, -0.25}, 16000)
	require.NoError(t, err)

	entries, readErr := os.ReadDir(dir)
	require.NoError(t, readErr)
	require.Len(t, entries, 1)
	assert.Equal(t, "clean.wav", entries[0].Name())
}

func TestReadFloat32WAVRejectsGarbage(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "garbage.wav")
	require.NoError(t, os.WriteFile(path, []byte("not a wav"), 0o600))

	_, _, err := vcaudio.ReadFloat32WAV(path)
	require.ErrorIs(t, err, vcaudio.ErrNotFloatWAV)
}
