// Package config provides the configuration structure for the
// voice-clone-service.
package config

import (
	"errors"
	"fmt"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
)

// Defaults for tunables the caller may leave unset. The minimum reference
// duration and loudness parameters are deliberately configurable rather than
// hard-coded; these are the documented fallbacks.
const (
	DefaultHTTPHost             = "0.0.0.0"
	DefaultHTTPPort             = 8000
	DefaultRequestTimeoutSecs   = 300
	DefaultMaxConcurrent        = 2
	DefaultAdmissionWaitSecs    = 10
	DefaultEncoderSampleRate    = 16000
	DefaultSynthesisSampleRate  = 22050
	DefaultMinReferenceSeconds  = 0.5
	DefaultSilenceThresholdDBFS = -40.0
	DefaultLoudnessTarget       = 0.9
	DefaultDownloadRetries      = 3
	DefaultDownloadBackoffSecs  = 2
	DefaultDownloadTimeoutSecs  = 600
)

// Static validation errors.
var (
	ErrModelsDirEmpty      = errors.New("models directory cannot be empty")
	ErrTempUploadsDirEmpty = errors.New("temp uploads directory cannot be empty")
	ErrOutputsDirEmpty     = errors.New("outputs directory cannot be empty")
	ErrManifestPathEmpty   = errors.New("artifact manifest path cannot be empty")
	ErrRunnerBinaryEmpty   = errors.New("runner binary cannot be empty")
)

// HTTPConfig holds the configuration for the HTTP surface.
type HTTPConfig struct {
	Host                  string `toml:"host"`
	Port                  int    `toml:"port"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	ModelsDir      string `toml:"models_dir"`
	TempUploadsDir string `toml:"temp_uploads_dir"`
	OutputsDir     string `toml:"outputs_dir"`
	BaseLogsDir    string `toml:"base_logs_dir"`
}

// PipelineConfig holds the tunables for the synthesis pipeline.
type PipelineConfig struct {
	RunnerBinary         string  `toml:"runner_binary"`
	MaxConcurrent        int     `toml:"max_concurrent"`
	AdmissionWaitSeconds int     `toml:"admission_wait_seconds"`
	EncoderSampleRate    int     `toml:"encoder_sample_rate"`
	SynthesisSampleRate  int     `toml:"synthesis_sample_rate"`
	MinReferenceSeconds  float64 `toml:"min_reference_seconds"`
	SilenceThresholdDBFS float64 `toml:"silence_threshold_dbfs"`
	LoudnessTarget       float64 `toml:"loudness_target"`
	LoudnessNormalize    bool    `toml:"loudness_normalize"`
}

// ArtifactsConfig holds the configuration for model artifact provisioning.
type ArtifactsConfig struct {
	ManifestPath           string `toml:"manifest_path"`
	DownloadRetries        int    `toml:"download_retries"`
	DownloadBackoffSeconds int    `toml:"download_backoff_seconds"`
	DownloadTimeoutSeconds int    `toml:"download_timeout_seconds"`
}

// NATSConfig holds the configuration for the optional output archive. An
// empty URL disables archiving.
type NATSConfig struct {
	URL                     string `toml:"url"`
	OutputObjectStoreBucket string `toml:"output_object_store_bucket"`
}

// Config is the root configuration structure.
type Config struct {
	HTTP      HTTPConfig      `toml:"http"`
	Paths     PathsConfig     `toml:"paths"`
	Pipeline  PipelineConfig  `toml:"pipeline"`
	Artifacts ArtifactsConfig `toml:"artifacts"`
	NATS      NATSConfig      `toml:"nats"`
}

// Load loads the configuration for the voice-clone-service, applies defaults
// for unset tunables, and validates the result.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	cfg.ApplyDefaults()

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, validateErr
	}

	return &cfg, nil
}

// ApplyDefaults fills every zero-valued tunable with its documented default.
func (c *Config) ApplyDefaults() {
	if c.HTTP.Host == "" {
		c.HTTP.Host = DefaultHTTPHost
	}

	if c.HTTP.Port == 0 {
		c.HTTP.Port = DefaultHTTPPort
	}

	if c.HTTP.RequestTimeoutSeconds == 0 {
		c.HTTP.RequestTimeoutSeconds = DefaultRequestTimeoutSecs
	}

	if c.Pipeline.MaxConcurrent == 0 {
		c.Pipeline.MaxConcurrent = DefaultMaxConcurrent
	}

	if c.Pipeline.AdmissionWaitSeconds == 0 {
		c.Pipeline.AdmissionWaitSeconds = DefaultAdmissionWaitSecs
	}

	if c.Pipeline.EncoderSampleRate == 0 {
		c.Pipeline.EncoderSampleRate = DefaultEncoderSampleRate
	}

	if c.Pipeline.SynthesisSampleRate == 0 {
		c.Pipeline.SynthesisSampleRate = DefaultSynthesisSampleRate
	}

	if c.Pipeline.MinReferenceSeconds == 0 {
		c.Pipeline.MinReferenceSeconds = DefaultMinReferenceSeconds
	}

	if c.Pipeline.SilenceThresholdDBFS == 0 {
		c.Pipeline.SilenceThresholdDBFS = DefaultSilenceThresholdDBFS
	}

	if c.Pipeline.LoudnessTarget == 0 {
		c.Pipeline.LoudnessTarget = DefaultLoudnessTarget
	}

	if c.Artifacts.DownloadRetries == 0 {
		c.Artifacts.DownloadRetries = DefaultDownloadRetries
	}

	if c.Artifacts.DownloadBackoffSeconds == 0 {
		c.Artifacts.DownloadBackoffSeconds = DefaultDownloadBackoffSecs
	}

	if c.Artifacts.DownloadTimeoutSeconds == 0 {
		c.Artifacts.DownloadTimeoutSeconds = DefaultDownloadTimeoutSecs
	}
}

// Validate checks that every required path is configured.
func (c *Config) Validate() error {
	if c.Paths.ModelsDir == "" {
		return ErrModelsDirEmpty
	}

	if c.Paths.TempUploadsDir == "" {
		return ErrTempUploadsDirEmpty
	}

	if c.Paths.OutputsDir == "" {
		return ErrOutputsDirEmpty
	}

	if c.Artifacts.ManifestPath == "" {
		return ErrManifestPathEmpty
	}

	if c.Pipeline.RunnerBinary == "" {
		return ErrRunnerBinaryEmpty
	}

	return nil
}
