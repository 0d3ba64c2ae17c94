package pipeline

import "errors"

// Stage-classified errors. Callers branch on these with errors.Is instead of
// inspecting message text; each inference stage wraps its underlying cause
// with its own identity.
var (
	// ErrEmptyText is returned when the input text is empty after
	// trimming. No model is invoked and no file is written.
	ErrEmptyText = errors.New("text cannot be empty")

	// ErrEncodingStage wraps failures computing the speaker embedding.
	ErrEncodingStage = errors.New("encoding stage failed")

	// ErrSynthesisStage wraps failures producing the mel spectrogram.
	ErrSynthesisStage = errors.New("synthesis stage failed")

	// ErrVocodingStage wraps failures rendering the waveform.
	ErrVocodingStage = errors.New("vocoding stage failed")

	// ErrOutputWrite wraps failures persisting the rendered waveform.
	ErrOutputWrite = errors.New("output write failed")

	// ErrBusy is returned when every synthesis slot stays occupied for the
	// whole admission wait. The caller may retry the request later.
	ErrBusy = errors.New("synthesis capacity exhausted")

	errNoSpectrogram = errors.New("synthesizer returned no spectrogram")
	errEmptyWaveform = errors.New("vocoder returned no samples")
)
