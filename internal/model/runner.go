package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/google/uuid"
)

// Runner subcommands. The runner binary wraps the actual neural inference
// runtime; this package only speaks its file-based JSON protocol.
const (
	runnerCmdVerify     = "verify"
	runnerCmdEncode     = "encode"
	runnerCmdSynthesize = "synthesize"
	runnerCmdVocode     = "vocode"
)

const (
	runnerFilePermissions = 0o600
	inputFilePattern      = "runner-input-%s.json"
	outputFilePattern     = "runner-output-%s.json"
)

// Static runner errors.
var (
	ErrRunnerBinaryMissing = errors.New("inference runner binary not found")
	ErrEmptyRunnerOutput   = errors.New("inference runner produced empty output")
)

// NewRunnerLoaders builds the production loader set. Each loader validates
// the artifact by running the runner's verify subcommand before handing out
// an inference handle, so corrupt weights fail at load time rather than on
// the first request.
func NewRunnerLoaders(binary string, synthesisRate int, log *logger.Logger) Loaders {
	return Loaders{
		Encoder: func(ctx context.Context, path string) (core.Encoder, error) {
			verifyErr := verifyModel(ctx, binary, path)
			if verifyErr != nil {
				return nil, verifyErr
			}

			return &runnerEncoder{
				runner: runner{binary: binary, modelPath: path, log: log},
			}, nil
		},
		Synthesizer: func(ctx context.Context, path string) (core.Synthesizer, error) {
			verifyErr := verifyModel(ctx, binary, path)
			if verifyErr != nil {
				return nil, verifyErr
			}

			return &runnerSynthesizer{
				runner:     runner{binary: binary, modelPath: path, log: log},
				sampleRate: synthesisRate,
			}, nil
		},
		Vocoder: func(ctx context.Context, path string) (core.Vocoder, error) {
			verifyErr := verifyModel(ctx, binary, path)
			if verifyErr != nil {
				return nil, verifyErr
			}

			return &runnerVocoder{
				runner: runner{binary: binary, modelPath: path, log: log},
			}, nil
		},
	}
}

// verifyModel asks the runner to deserialize the weights and report whether
// they are usable.
func verifyModel(ctx context.Context, binary, modelPath string) error {
	_, lookErr := exec.LookPath(binary)
	if lookErr != nil {
		return fmt.Errorf("%w: %q: %w", ErrRunnerBinaryMissing, binary, lookErr)
	}

	// #nosec G204 -- binary and model path come from validated configuration
	cmd := exec.CommandContext(ctx, binary, runnerCmdVerify, "--model", modelPath)

	output, runErr := cmd.CombinedOutput()
	if runErr != nil {
		return fmt.Errorf(
			"model verification failed for %q: %w - output: %s",
			modelPath,
			runErr,
			string(output),
		)
	}

	return nil
}

// runner invokes one subcommand of the inference runner binary, exchanging
// the payload through request-scoped temp files.
type runner struct {
	binary    string
	modelPath string
	log       *logger.Logger
}

func (r *runner) invoke(ctx context.Context, subcommand string, input, output any) error {
	token := uuid.NewString()
	inputPath := filepath.Join(os.TempDir(), fmt.Sprintf(inputFilePattern, token))
	outputPath := filepath.Join(os.TempDir(), fmt.Sprintf(outputFilePattern, token))

	defer r.removeQuietly(inputPath)
	defer r.removeQuietly(outputPath)

	inputData, marshalErr := json.Marshal(input)
	if marshalErr != nil {
		return fmt.Errorf("failed to marshal runner input: %w", marshalErr)
	}

	writeErr := os.WriteFile(inputPath, inputData, runnerFilePermissions)
	if writeErr != nil {
		return fmt.Errorf("failed to write runner input file: %w", writeErr)
	}

	args := []string{
		subcommand,
		"--model", r.modelPath,
		"--input", inputPath,
		"--output", outputPath,
	}

	// #nosec G204 -- binary comes from validated configuration, paths are ours
	cmd := exec.CommandContext(ctx, r.binary, args...)

	combined, runErr := cmd.CombinedOutput()
	if runErr != nil {
		return fmt.Errorf(
			"runner %s failed: %w - output: %s",
			subcommand,
			runErr,
			string(combined),
		)
	}

	outputData, readErr := os.ReadFile(outputPath)
	if readErr != nil {
		return fmt.Errorf("failed to read runner output file: %w", readErr)
	}

	if len(outputData) == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyRunnerOutput, subcommand)
	}

	unmarshalErr := json.Unmarshal(outputData, output)
	if unmarshalErr != nil {
		return fmt.Errorf("failed to parse runner output: %w", unmarshalErr)
	}

	return nil
}

func (r *runner) removeQuietly(path string) {
	removeErr := os.Remove(path)
	if removeErr != nil && !os.IsNotExist(removeErr) {
		r.log.Warn("Failed to remove runner temp file '%s': %v", path, removeErr)
	}
}

type encodeInput struct {
	SampleRate int       `json:"sample_rate"`
	Samples    []float32 `json:"samples"`
}

type encodeOutput struct {
	Embedding []float32 `json:"embedding"`
}

type runnerEncoder struct {
	runner runner
}

func (e *runnerEncoder) EmbedUtterance(
	ctx context.Context,
	waveform core.Waveform,
) (core.SpeakerEmbedding, error) {
	input := encodeInput{
		SampleRate: waveform.SampleRate,
		Samples:    waveform.Samples,
	}

	var output encodeOutput

	invokeErr := e.runner.invoke(ctx, runnerCmdEncode, input, &output)
	if invokeErr != nil {
		return nil, invokeErr
	}

	return core.SpeakerEmbedding(output.Embedding), nil
}

type spectrogramPayload struct {
	MelBins int         `json:"mel_bins"`
	Frames  [][]float32 `json:"frames"`
}

type synthesizeInput struct {
	Texts      []string    `json:"texts"`
	Embeddings [][]float32 `json:"embeddings"`
}

type synthesizeOutput struct {
	Spectrograms []spectrogramPayload `json:"spectrograms"`
}

type runnerSynthesizer struct {
	runner     runner
	sampleRate int
}

func (s *runnerSynthesizer) SynthesizeSpectrograms(
	ctx context.Context,
	texts []string,
	embeddings []core.SpeakerEmbedding,
) ([]core.Spectrogram, error) {
	input := synthesizeInput{
		Texts:      texts,
		Embeddings: make([][]float32, 0, len(embeddings)),
	}

	for _, embedding := range embeddings {
		input.Embeddings = append(input.Embeddings, embedding)
	}

	var output synthesizeOutput

	invokeErr := s.runner.invoke(ctx, runnerCmdSynthesize, input, &output)
	if invokeErr != nil {
		return nil, invokeErr
	}

	spectrograms := make([]core.Spectrogram, 0, len(output.Spectrograms))
	for _, payload := range output.Spectrograms {
		spectrograms = append(spectrograms, core.Spectrogram{
			Frames:  payload.Frames,
			MelBins: payload.MelBins,
		})
	}

	return spectrograms, nil
}

func (s *runnerSynthesizer) SampleRate() int {
	return s.sampleRate
}

type vocodeOutput struct {
	Samples []float32 `json:"samples"`
}

type runnerVocoder struct {
	runner runner
}

func (v *runnerVocoder) InferWaveform(
	ctx context.Context,
	spectrogram core.Spectrogram,
) ([]float32, error) {
	input := spectrogramPayload{
		MelBins: spectrogram.MelBins,
		Frames:  spectrogram.Frames,
	}

	var output vocodeOutput

	invokeErr := v.runner.invoke(ctx, runnerCmdVocode, input, &output)
	if invokeErr != nil {
		return nil, invokeErr
	}

	return output.Samples, nil
}
