// Package artifact provisions the pretrained model files the inference
// pipeline depends on. It verifies local copies against a known-good manifest
// and fetches missing or corrupt artifacts from their remote source.
package artifact

import (
	"errors"
	"fmt"
	"os"

	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/pelletier/go-toml/v2"
)

// Static manifest errors.
var (
	ErrManifestEmpty    = errors.New("artifact manifest declares no artifacts")
	ErrArtifactMissing  = errors.New("artifact manifest is missing a required entry")
	ErrArtifactName     = errors.New("artifact entry has an empty name")
	ErrArtifactFilename = errors.New("artifact entry has an empty filename")
	ErrArtifactURL      = errors.New("artifact entry has an empty url")
)

// Spec describes one model artifact: where it lives locally, where to fetch
// it from, and how to verify its integrity. Size is always checked; the
// checksum is checked when set.
type Spec struct {
	Name      string `toml:"name"`
	Filename  string `toml:"filename"`
	URL       string `toml:"url"`
	SizeBytes int64  `toml:"size_bytes"`
	SHA256    string `toml:"sha256"`
}

// Manifest is the known-good description of every required artifact.
type Manifest struct {
	Artifacts []Spec `toml:"artifact"`
}

// RequiredNames lists the three artifacts the pipeline cannot run without.
func RequiredNames() []string {
	return []string{core.ModelEncoder, core.ModelSynthesizer, core.ModelVocoder}
}

// LoadManifest reads and validates a TOML artifact manifest from disk.
func LoadManifest(path string) (*Manifest, error) {
	data, readErr := os.ReadFile(path)
	if readErr != nil {
		return nil, fmt.Errorf("failed to read artifact manifest %q: %w", path, readErr)
	}

	var manifest Manifest

	unmarshalErr := toml.Unmarshal(data, &manifest)
	if unmarshalErr != nil {
		return nil, fmt.Errorf(
			"failed to parse artifact manifest %q: %w",
			path,
			unmarshalErr,
		)
	}

	validateErr := manifest.Validate()
	if validateErr != nil {
		return nil, validateErr
	}

	return &manifest, nil
}

// Validate checks that every entry is complete and that all required model
// names are declared.
func (m *Manifest) Validate() error {
	if len(m.Artifacts) == 0 {
		return ErrManifestEmpty
	}

	declared := make(map[string]struct{}, len(m.Artifacts))

	for _, spec := range m.Artifacts {
		if spec.Name == "" {
			return ErrArtifactName
		}

		if spec.Filename == "" {
			return fmt.Errorf("%w: %q", ErrArtifactFilename, spec.Name)
		}

		if spec.URL == "" {
			return fmt.Errorf("%w: %q", ErrArtifactURL, spec.Name)
		}

		declared[spec.Name] = struct{}{}
	}

	for _, name := range RequiredNames() {
		_, ok := declared[name]
		if !ok {
			return fmt.Errorf("%w: %q", ErrArtifactMissing, name)
		}
	}

	return nil
}

// Lookup returns the spec for a logical artifact name.
func (m *Manifest) Lookup(name string) (Spec, bool) {
	for _, spec := range m.Artifacts {
		if spec.Name == name {
			return spec, true
		}
	}

	return Spec{}, false
}
