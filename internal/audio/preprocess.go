// Package audio normalizes arbitrary reference recordings into the fixed
// representation the speaker encoder expects, and writes rendered waveforms
// as WAV files.
package audio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/go-audio/wav"
	resampling "github.com/tphakala/go-audio-resampling"
)

// Supported reference-audio extensions.
const (
	extWAV  = ".wav"
	extWEBM = ".webm"
	extMP3  = ".mp3"
	extOGG  = ".ogg"
	extM4A  = ".m4a"
)

const (
	defaultFFmpegBinary = "ffmpeg"
	dbfsToAmplitudeBase = 20.0
)

// Static preprocessing errors.
var (
	// ErrUnsupportedFormat is returned before any decode work when the
	// declared extension is not in the supported set.
	ErrUnsupportedFormat = errors.New("unsupported audio format")

	// ErrDecodeFailed is returned when a supported container cannot be
	// decoded (corrupt file).
	ErrDecodeFailed = errors.New("audio decode failed")

	// ErrReferenceTooShort is returned when the usable audio after
	// trimming is below the configured duration floor.
	ErrReferenceTooShort = errors.New("reference audio too short")
)

// Options holds the preprocessing tunables. Zero values fall back to the
// documented defaults applied by NewPreprocessor.
type Options struct {
	TargetSampleRate     int
	MinReferenceSeconds  float64
	SilenceThresholdDBFS float64
	LoudnessTarget       float64
	LoudnessNormalize    bool
	FFmpegBinary         string
}

// Preprocessor decodes a reference recording, resamples it to the encoder
// rate, downmixes to mono, trims surrounding silence, and optionally
// normalizes loudness. The transformation is deterministic: identical input
// bytes yield bit-identical output waveforms.
type Preprocessor struct {
	opts Options
	log  *logger.Logger
}

// NewPreprocessor creates a preprocessor with the given options.
func NewPreprocessor(opts Options, log *logger.Logger) *Preprocessor {
	if opts.FFmpegBinary == "" {
		opts.FFmpegBinary = defaultFFmpegBinary
	}

	return &Preprocessor{
		opts: opts,
		log:  log,
	}
}

// SupportedExtension reports whether the lowercase extension (with leading
// dot) is accepted as reference audio.
func SupportedExtension(ext string) bool {
	switch strings.ToLower(ext) {
	case extWAV, extWEBM, extMP3, extOGG, extM4A:
		return true
	default:
		return false
	}
}

// Preprocess reads the reference recording at path and returns the
// normalized mono waveform at the target sample rate. The extension check
// happens before any decode work so unsupported uploads fail cheaply.
func (p *Preprocessor) Preprocess(ctx context.Context, path string) (core.Waveform, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if !SupportedExtension(ext) {
		return core.Waveform{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}

	wavPath := path

	if ext != extWAV {
		transcoded, transcodeErr := p.transcodeToWAV(ctx, path)
		if transcodeErr != nil {
			return core.Waveform{}, transcodeErr
		}

		defer func() {
			removeErr := os.Remove(transcoded)
			if removeErr != nil {
				p.log.Warn(
					"Failed to remove transcoded file '%s': %v",
					transcoded,
					removeErr,
				)
			}
		}()

		wavPath = transcoded
	}

	samples, sourceRate, decodeErr := decodeWAVMono(wavPath)
	if decodeErr != nil {
		return core.Waveform{}, decodeErr
	}

	resampled, resampleErr := p.resample(samples, sourceRate)
	if resampleErr != nil {
		return core.Waveform{}, resampleErr
	}

	trimmed := trimSilence(resampled, p.opts.SilenceThresholdDBFS)

	if p.opts.LoudnessNormalize {
		normalizePeak(trimmed, p.opts.LoudnessTarget)
	}

	waveform := core.Waveform{
		Samples:    trimmed,
		SampleRate: p.opts.TargetSampleRate,
	}

	if waveform.Duration() < p.opts.MinReferenceSeconds {
		return core.Waveform{}, fmt.Errorf(
			"%w: %.2fs usable audio, need at least %.2fs",
			ErrReferenceTooShort,
			waveform.Duration(),
			p.opts.MinReferenceSeconds,
		)
	}

	return waveform, nil
}

// transcodeToWAV converts a non-WAV container into a temporary 16-bit PCM
// WAV file, preserving the source rate and channel layout so the rest of the
// pipeline treats every input identically.
func (p *Preprocessor) transcodeToWAV(ctx context.Context, path string) (string, error) {
	output, tempErr := os.CreateTemp(os.TempDir(), "transcode-*.wav")
	if tempErr != nil {
		return "", fmt.Errorf("failed to create transcode target: %w", tempErr)
	}

	outputPath := output.Name()

	closeErr := output.Close()
	if closeErr != nil {
		return "", fmt.Errorf("failed to close transcode target: %w", closeErr)
	}

	args := []string{
		"-y",
		"-i", path,
		"-acodec", "pcm_s16le",
		outputPath,
	}

	// #nosec G204 -- the binary comes from configuration, paths are ours
	cmd := exec.CommandContext(ctx, p.opts.FFmpegBinary, args...)

	combined, runErr := cmd.CombinedOutput()
	if runErr != nil {
		removeErr := os.Remove(outputPath)
		if removeErr != nil && !os.IsNotExist(removeErr) {
			p.log.Warn(
				"Failed to remove transcode target '%s': %v",
				outputPath,
				removeErr,
			)
		}

		return "", fmt.Errorf(
			"%w: transcode of %q failed: %w - output: %s",
			ErrDecodeFailed,
			filepath.Base(path),
			runErr,
			string(combined),
		)
	}

	return outputPath, nil
}

// decodeWAVMono decodes a WAV file into normalized float32 samples, averaging
// multi-channel audio down to mono.
func decodeWAVMono(path string) ([]float32, int, error) {
	file, openErr := os.Open(path)
	if openErr != nil {
		return nil, 0, fmt.Errorf("failed to open audio file: %w", openErr)
	}
	defer file.Close()

	decoder := wav.NewDecoder(file)
	if !decoder.IsValidFile() {
		return nil, 0, fmt.Errorf("%w: not a valid WAV file", ErrDecodeFailed)
	}

	buffer, decodeErr := decoder.FullPCMBuffer()
	if decodeErr != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrDecodeFailed, decodeErr)
	}

	if buffer.Format == nil || buffer.Format.NumChannels <= 0 {
		return nil, 0, fmt.Errorf("%w: missing format information", ErrDecodeFailed)
	}

	channels := buffer.Format.NumChannels
	bitDepth := buffer.SourceBitDepth

	if bitDepth <= 0 {
		bitDepth = int(decoder.BitDepth)
	}

	// A zero bit depth would make the scale shift below panic.
	if bitDepth <= 0 {
		return nil, 0, fmt.Errorf("%w: missing bit depth", ErrDecodeFailed)
	}

	scale := float32(int64(1) << (bitDepth - 1))
	frames := len(buffer.Data) / channels
	samples := make([]float32, frames)

	for frame := range frames {
		var sum float32

		for channel := range channels {
			sum += float32(buffer.Data[frame*channels+channel]) / scale
		}

		samples[frame] = sum / float32(channels)
	}

	return samples, int(decoder.SampleRate), nil
}

// resample converts the mono signal from its source rate to the target rate.
func (p *Preprocessor) resample(samples []float32, sourceRate int) ([]float32, error) {
	if sourceRate == p.opts.TargetSampleRate {
		return samples, nil
	}

	resampler, newErr := resampling.New(&resampling.Config{
		InputRate:  float64(sourceRate),
		OutputRate: float64(p.opts.TargetSampleRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if newErr != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", newErr)
	}

	input := make([]float64, len(samples))
	for i, sample := range samples {
		input[i] = float64(sample)
	}

	output, processErr := resampler.Process(input)
	if processErr != nil {
		return nil, fmt.Errorf("failed to resample audio: %w", processErr)
	}

	resampled := make([]float32, len(output))
	for i, sample := range output {
		resampled[i] = float32(sample)
	}

	return resampled, nil
}

// trimSilence drops leading and trailing samples whose amplitude stays below
// the dBFS threshold.
func trimSilence(samples []float32, thresholdDBFS float64) []float32 {
	threshold := float32(math.Pow(10, thresholdDBFS/dbfsToAmplitudeBase))

	start := 0
	for start < len(samples) && absSample(samples[start]) < threshold {
		start++
	}

	end := len(samples)
	for end > start && absSample(samples[end-1]) < threshold {
		end--
	}

	return samples[start:end]
}

// normalizePeak scales the signal in place so its peak amplitude matches the
// target. A silent signal is left untouched.
func normalizePeak(samples []float32, target float64) {
	var peak float32

	for _, sample := range samples {
		if abs := absSample(sample); abs > peak {
			peak = abs
		}
	}

	if peak == 0 {
		return
	}

	gain := float32(target) / peak
	for i := range samples {
		samples[i] *= gain
	}
}

func absSample(sample float32) float32 {
	if sample < 0 {
		return -sample
	}

	return sample
}
