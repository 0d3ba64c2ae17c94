// Package pipeline sequences the three-stage voice cloning inference:
// reference preprocessing, speaker embedding, spectrogram synthesis, and
// waveform vocoding, with strict error classification at every boundary.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/audio"
	"github.com/book-expert/voice-clone-service/internal/core"
)

// ModelSource provides the three loaded inference models. It is satisfied by
// the model cache and by test mocks.
type ModelSource interface {
	Encoder(ctx context.Context) (core.Encoder, error)
	Synthesizer(ctx context.Context) (core.Synthesizer, error)
	Vocoder(ctx context.Context) (core.Vocoder, error)
}

// Preprocessor normalizes a reference recording into the encoder's fixed
// representation.
type Preprocessor interface {
	Preprocess(ctx context.Context, path string) (core.Waveform, error)
}

// Request carries one synthesis job through the pipeline. The caller owns it
// for the duration of the call; the orchestrator borrows it read-only.
type Request struct {
	SessionID      string
	Text           string
	ReferencePath  string
	OutputPath     string
	OutputFilename string
}

// Orchestrator drives the synthesis pipeline against shared model state.
// Safe for concurrent use; per-model call serialization lives inside the
// model cache handles.
type Orchestrator struct {
	models       ModelSource
	preprocessor Preprocessor
	pool         *Pool
	archive      core.ObjectStore
	log          *logger.Logger
}

// NewOrchestrator wires the pipeline. The archive store is optional; pass
// nil to disable durable output archiving.
func NewOrchestrator(
	models ModelSource,
	preprocessor Preprocessor,
	pool *Pool,
	archive core.ObjectStore,
	log *logger.Logger,
) *Orchestrator {
	return &Orchestrator{
		models:       models,
		preprocessor: preprocessor,
		pool:         pool,
		archive:      archive,
		log:          log,
	}
}

// Synthesize renders the request text in the reference speaker's voice and
// persists the result at the requested output path. Any stage failure aborts
// the run; no partial file is ever left at the final output path.
func (o *Orchestrator) Synthesize(
	ctx context.Context,
	req Request,
) (core.SynthesisResult, error) {
	text := normalizeText(req.Text)
	if text == "" {
		return core.SynthesisResult{}, ErrEmptyText
	}

	admissionErr := o.pool.Acquire(ctx)
	if admissionErr != nil {
		return core.SynthesisResult{}, admissionErr
	}
	defer o.pool.Release()

	waveform, preprocessErr := o.preprocessor.Preprocess(ctx, req.ReferencePath)
	if preprocessErr != nil {
		// Preprocessing errors keep their own classification.
		return core.SynthesisResult{}, preprocessErr
	}

	o.log.Info(
		"Session %s: reference normalized (%.2fs at %d Hz)",
		req.SessionID,
		waveform.Duration(),
		waveform.SampleRate,
	)

	embedding, embedErr := o.embedSpeaker(ctx, waveform)
	if embedErr != nil {
		return core.SynthesisResult{}, embedErr
	}

	spectrogram, sampleRate, synthesisErr := o.synthesizeSpectrogram(
		ctx,
		text,
		embedding,
	)
	if synthesisErr != nil {
		return core.SynthesisResult{}, synthesisErr
	}

	samples, vocodeErr := o.vocode(ctx, spectrogram)
	if vocodeErr != nil {
		return core.SynthesisResult{}, vocodeErr
	}

	writeErr := audio.WriteFloat32WAV(req.OutputPath, samples, sampleRate)
	if writeErr != nil {
		return core.SynthesisResult{}, fmt.Errorf("%w: %w", ErrOutputWrite, writeErr)
	}

	result := core.SynthesisResult{
		OutputPath:  req.OutputPath,
		Filename:    req.OutputFilename,
		SampleRate:  sampleRate,
		SampleCount: len(samples),
	}

	o.log.Info(
		"Session %s: rendered %.2fs of audio to %s",
		req.SessionID,
		result.DurationSeconds(),
		result.OutputPath,
	)

	o.archiveOutput(ctx, req.SessionID, result)

	return result, nil
}

// embedSpeaker obtains the encoder and computes the speaker embedding.
// Model acquisition errors pass through unchanged so callers can tell
// provisioning and load failures apart from inference failures.
func (o *Orchestrator) embedSpeaker(
	ctx context.Context,
	waveform core.Waveform,
) (core.SpeakerEmbedding, error) {
	encoder, getErr := o.models.Encoder(ctx)
	if getErr != nil {
		return nil, getErr
	}

	embedding, embedErr := encoder.EmbedUtterance(ctx, waveform)
	if embedErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncodingStage, embedErr)
	}

	return embedding, nil
}

// synthesizeSpectrogram submits a singleton batch to the synthesizer and
// returns the single spectrogram along with the model's output sample rate.
func (o *Orchestrator) synthesizeSpectrogram(
	ctx context.Context,
	text string,
	embedding core.SpeakerEmbedding,
) (core.Spectrogram, int, error) {
	synthesizer, getErr := o.models.Synthesizer(ctx)
	if getErr != nil {
		return core.Spectrogram{}, 0, getErr
	}

	spectrograms, synthErr := synthesizer.SynthesizeSpectrograms(
		ctx,
		[]string{text},
		[]core.SpeakerEmbedding{embedding},
	)
	if synthErr != nil {
		return core.Spectrogram{}, 0, fmt.Errorf(
			"%w: %w",
			ErrSynthesisStage,
			synthErr,
		)
	}

	if len(spectrograms) == 0 || len(spectrograms[0].Frames) == 0 {
		return core.Spectrogram{}, 0, fmt.Errorf(
			"%w: %w",
			ErrSynthesisStage,
			errNoSpectrogram,
		)
	}

	return spectrograms[0], synthesizer.SampleRate(), nil
}

// vocode converts the spectrogram to a mono float32 waveform.
func (o *Orchestrator) vocode(
	ctx context.Context,
	spectrogram core.Spectrogram,
) ([]float32, error) {
	vocoder, getErr := o.models.Vocoder(ctx)
	if getErr != nil {
		return nil, getErr
	}

	samples, vocodeErr := vocoder.InferWaveform(ctx, spectrogram)
	if vocodeErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrVocodingStage, vocodeErr)
	}

	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrVocodingStage, errEmptyWaveform)
	}

	return samples, nil
}

// archiveOutput uploads the rendered file to the configured object store.
// Archiving is best-effort: a failure is logged and never fails the request.
func (o *Orchestrator) archiveOutput(
	ctx context.Context,
	sessionID string,
	result core.SynthesisResult,
) {
	if o.archive == nil {
		return
	}

	data, readErr := os.ReadFile(result.OutputPath)
	if readErr != nil {
		o.log.Warn(
			"Session %s: failed to read output for archiving: %v",
			sessionID,
			readErr,
		)

		return
	}

	uploadErr := o.archive.Upload(ctx, result.Filename, data)
	if uploadErr != nil {
		o.log.Warn(
			"Session %s: failed to archive output '%s': %v",
			sessionID,
			result.Filename,
			uploadErr,
		)

		return
	}

	o.log.Info("Session %s: archived output as '%s'", sessionID, result.Filename)
}

// normalizeText trims the input and collapses runs of whitespace, the only
// text normalization owned by the orchestrator; everything further is the
// synthesizer model's business.
func normalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
