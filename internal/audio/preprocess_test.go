// Package audio_test tests reference-audio preprocessing and WAV I/O.
package audio_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/book-expert/logger"
	vcaudio "github.com/book-expert/voice-clone-service/internal/audio"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "audio-test.log")
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = log.Close()
	})

	return log
}

func defaultOptions() vcaudio.Options {
	return vcaudio.Options{
		TargetSampleRate:     16000,
		MinReferenceSeconds:  0.5,
		SilenceThresholdDBFS: -40.0,
		LoudnessTarget:       0.9,
		LoudnessNormalize:    false,
		FFmpegBinary:         "ffmpeg",
	}
}

// writePCM16WAV writes interleaved frames as a 16-bit PCM WAV test fixture.
func writePCM16WAV(t *testing.T, path string, sampleRate, channels int, frames []float64) {
	t.Helper()

	file, createErr := os.Create(path)
	require.NoError(t, createErr)

	encoder := wav.NewEncoder(file, sampleRate, 16, channels, 1)

	data := make([]int, len(frames))
	for i, sample := range frames {
		data[i] = int(sample * 32767.0)
	}

	buffer := &goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: channels,
			SampleRate:  sampleRate,
		},
		Data:           data,
		SourceBitDepth: 16,
	}

	require.NoError(t, encoder.Write(buffer))
	require.NoError(t, encoder.Close())
	require.NoError(t, file.Close())
}

// sineFrames generates a mono sine tone.
func sineFrames(sampleRate int, seconds, amplitude, frequency float64) []float64 {
	count := int(float64(sampleRate) * seconds)
	frames := make([]float64, count)

	for i := range frames {
		frames[i] = amplitude * math.Sin(
			2*math.Pi*frequency*float64(i)/float64(sampleRate),
		)
	}

	return frames
}

func TestPreprocessRejectsUnsupportedExtensionBeforeDecoding(t *testing.T) {
	t.Parallel()

	preprocessor := vcaudio.NewPreprocessor(defaultOptions(), createTestLogger(t))

	// The path does not exist: the extension gate must fire before any
	// file access is attempted.
	_, err := preprocessor.Preprocess(
		context.Background(),
		filepath.Join(t.TempDir(), "reference.txt"),
	)
	require.ErrorIs(t, err, vcaudio.ErrUnsupportedFormat)
}

func TestPreprocessRejectsCorruptWAV(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "corrupt.wav")
	require.NoError(t, os.WriteFile(path, []byte("definitely not audio"), 0o600))

	preprocessor := vcaudio.NewPreprocessor(defaultOptions(), createTestLogger(t))

	_, err := preprocessor.Preprocess(context.Background(), path)
	require.ErrorIs(t, err, vcaudio.ErrDecodeFailed)
}

func TestPreprocessRejectsZeroBitDepthWAV(t *testing.T) {
	t.Parallel()

	// A structurally valid WAV whose fmt chunk declares zero bits per
	// sample. Decoding must fail with a classified error, never panic.
	var buf bytes.Buffer

	writeLE := func(value any) {
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, value))
	}

	buf.WriteString("RIFF")
	writeLE(uint32(36 + 8))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	writeLE(uint32(16))
	writeLE(uint16(1)) // PCM
	writeLE(uint16(1)) // mono
	writeLE(uint32(16000))
	writeLE(uint32(0)) // byte rate
	writeLE(uint16(0)) // block align
	writeLE(uint16(0)) // zero bit depth
	buf.WriteString("data")
	writeLE(uint32(8))
	buf.Write(make([]byte, 8))

	path := filepath.Join(t.TempDir(), "zero-depth.wav")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	preprocessor := vcaudio.NewPreprocessor(defaultOptions(), createTestLogger(t))

	_, err := preprocessor.Preprocess(context.Background(), path)
	require.ErrorIs(t, err, vcaudio.ErrDecodeFailed)
}

func TestPreprocessIsDeterministic(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "reference.wav")
	writePCM16WAV(t, path, 16000, 1, sineFrames(16000, 2.0, 0.5, 440))

	preprocessor := vcaudio.NewPreprocessor(defaultOptions(), createTestLogger(t))

	first, firstErr := preprocessor.Preprocess(context.Background(), path)
	require.NoError(t, firstErr)

	second, secondErr := preprocessor.Preprocess(context.Background(), path)
	require.NoError(t, secondErr)

	assert.Equal(t, first.SampleRate, second.SampleRate)
	assert.Equal(t, first.Samples, second.Samples)
}

func TestPreprocessDownmixesStereoByAveraging(t *testing.T) {
	t.Parallel()

	const (
		sampleRate = 16000
		seconds    = 1.0
	)

	frames := make([]float64, 0, int(sampleRate*seconds)*2)
	for range int(sampleRate * seconds) {
		frames = append(frames, 0.8, 0.4)
	}

	path := filepath.Join(t.TempDir(), "stereo.wav")
	writePCM16WAV(t, path, sampleRate, 2, frames)

	preprocessor := vcaudio.NewPreprocessor(defaultOptions(), createTestLogger(t))

	waveform, err := preprocessor.Preprocess(context.Background(), path)
	require.NoError(t, err)
	require.NotEmpty(t, waveform.Samples)

	// Each mono sample is the channel average of 0.8 and 0.4.
	assert.InDelta(t, 0.6, float64(waveform.Samples[0]), 0.01)
	assert.InDelta(t, 0.6, float64(waveform.Samples[len(waveform.Samples)/2]), 0.01)
}

func TestPreprocessTrimsSurroundingSilence(t *testing.T) {
	t.Parallel()

	const sampleRate = 16000

	frames := make([]float64, 0, sampleRate*3)
	frames = append(frames, make([]float64, sampleRate)...) // 1s silence
	for range sampleRate {
		frames = append(frames, 0.5)
	}
	frames = append(frames, make([]float64, sampleRate)...) // 1s silence

	path := filepath.Join(t.TempDir(), "padded.wav")
	writePCM16WAV(t, path, sampleRate, 1, frames)

	preprocessor := vcaudio.NewPreprocessor(defaultOptions(), createTestLogger(t))

	waveform, err := preprocessor.Preprocess(context.Background(), path)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, waveform.Duration(), 0.05)
	assert.Greater(t, float64(waveform.Samples[0]), 0.01)
}

func TestPreprocessResamplesToTargetRate(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "slow.wav")
	writePCM16WAV(t, path, 8000, 1, sineFrames(8000, 2.0, 0.5, 440))

	preprocessor := vcaudio.NewPreprocessor(defaultOptions(), createTestLogger(t))

	waveform, err := preprocessor.Preprocess(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 16000, waveform.SampleRate)
	assert.InDelta(t, 2.0, waveform.Duration(), 0.2)
}

func TestPreprocessNormalizesPeak(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "quiet.wav")
	writePCM16WAV(t, path, 16000, 1, sineFrames(16000, 1.0, 0.2, 440))

	opts := defaultOptions()
	opts.LoudnessNormalize = true

	preprocessor := vcaudio.NewPreprocessor(opts, createTestLogger(t))

	waveform, err := preprocessor.Preprocess(context.Background(), path)
	require.NoError(t, err)

	var peak float32

	for _, sample := range waveform.Samples {
		if sample < 0 {
			sample = -sample
		}

		if sample > peak {
			peak = sample
		}
	}

	assert.InDelta(t, 0.9, float64(peak), 0.01)
}

func TestPreprocessRejectsTooShortReference(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "blip.wav")
	writePCM16WAV(t, path, 16000, 1, sineFrames(16000, 0.1, 0.5, 440))

	preprocessor := vcaudio.NewPreprocessor(defaultOptions(), createTestLogger(t))

	_, err := preprocessor.Preprocess(context.Background(), path)
	require.ErrorIs(t, err, vcaudio.ErrReferenceTooShort)
}

func TestSupportedExtension(t *testing.T) {
	t.Parallel()

	assert.True(t, vcaudio.SupportedExtension(".wav"))
	assert.True(t, vcaudio.SupportedExtension(".WAV"))
	assert.True(t, vcaudio.SupportedExtension(".webm"))
	assert.True(t, vcaudio.SupportedExtension(".mp3"))
	assert.True(t, vcaudio.SupportedExtension(".ogg"))
	assert.True(t, vcaudio.SupportedExtension(".m4a"))
	assert.False(t, vcaudio.SupportedExtension(".txt"))
	assert.False(t, vcaudio.SupportedExtension(".flac"))
	assert.False(t, vcaudio.SupportedExtension(""))
}
