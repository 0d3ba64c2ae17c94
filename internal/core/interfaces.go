// Package core defines the core business logic and interfaces for the
// voice-clone service.
package core

import "context"

// Logical model names for the three inference stages.
const (
	ModelEncoder     = "encoder"
	ModelSynthesizer = "synthesizer"
	ModelVocoder     = "vocoder"
)

// SpeakerEmbedding is a fixed-length voiceprint vector derived from a
// preprocessed reference recording. It is immutable once computed and scoped
// to a single synthesis request.
type SpeakerEmbedding []float32

// Spectrogram is the time-frequency representation produced by the
// synthesizer stage and consumed by the vocoder stage. Frames are time-major;
// every frame holds MelBins values.
type Spectrogram struct {
	Frames  [][]float32
	MelBins int
}

// Waveform holds raw single-channel audio samples at a known sample rate.
type Waveform struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the waveform length in seconds.
func (w Waveform) Duration() float64 {
	if w.SampleRate <= 0 {
		return 0
	}

	return float64(len(w.Samples)) / float64(w.SampleRate)
}

// Encoder computes a speaker embedding from a normalized reference waveform.
// The computation is a pure function of the waveform: identical input yields
// an identical embedding.
type Encoder interface {
	EmbedUtterance(ctx context.Context, waveform Waveform) (SpeakerEmbedding, error)
}

// Synthesizer produces one mel spectrogram per (text, embedding) pair. The
// contract is batch-shaped; the orchestrator always submits singleton
// batches. Output length may vary run-to-run for identical input because the
// underlying model is stochastic.
//
// SampleRate reports the output rate of the waveforms this model's
// spectrograms decode to. It is a property of the model, not a caller-supplied
// parameter.
type Synthesizer interface {
	SynthesizeSpectrograms(
		ctx context.Context,
		texts []string,
		embeddings []SpeakerEmbedding,
	) ([]Spectrogram, error)
	SampleRate() int
}

// Vocoder converts a mel spectrogram into a time-domain waveform.
type Vocoder interface {
	InferWaveform(ctx context.Context, spectrogram Spectrogram) ([]float32, error)
}

// ObjectStore defines the interface for interacting with a key-value blob
// store. The service uses it as an optional durable archive for rendered
// outputs.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
}

// SynthesisResult describes one successfully rendered output file. It is
// written exactly once per request and immutable after write.
type SynthesisResult struct {
	OutputPath  string
	Filename    string
	SampleRate  int
	SampleCount int
}

// DurationSeconds returns the rendered audio length in seconds.
func (r SynthesisResult) DurationSeconds() float64 {
	if r.SampleRate <= 0 {
		return 0
	}

	return float64(r.SampleCount) / float64(r.SampleRate)
}
