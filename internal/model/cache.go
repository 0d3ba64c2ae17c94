// Package model manages the lifecycle of the three inference models: it
// loads each one exactly once per process and hands out shared, serialized
// handles to concurrent callers.
package model

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/core"
)

// ErrModelLoadFailure is returned when an artifact is present but cannot be
// deserialized into a working inference handle (corrupt weights, incompatible
// format). It wraps the underlying cause and is surfaced to the first caller
// rather than retried silently.
var ErrModelLoadFailure = errors.New("model load failure")

// Provisioner is the slice of the artifact provisioner the cache depends on.
type Provisioner interface {
	Ensure(ctx context.Context, name string) (string, error)
}

// Loaders bundles the constructor for each inference stage. They are injected
// at cache construction so tests can substitute mock models for the real
// subprocess-backed ones.
type Loaders struct {
	Encoder     func(ctx context.Context, path string) (core.Encoder, error)
	Synthesizer func(ctx context.Context, path string) (core.Synthesizer, error)
	Vocoder     func(ctx context.Context, path string) (core.Vocoder, error)
}

// Cache holds at most one loaded instance of each inference model per
// process. The first call for a given model provisions its artifact and runs
// the injected loader; later calls return the cached handle. A per-name lock
// guarantees concurrent first callers trigger exactly one load.
//
// Returned handles serialize their inference calls internally, because the
// underlying subprocess runtimes are not safe for concurrent use.
type Cache struct {
	provisioner Provisioner
	loaders     Loaders
	log         *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	encoder     core.Encoder
	synthesizer core.Synthesizer
	vocoder     core.Vocoder
}

// NewCache creates an empty model cache. Nothing is loaded until first use.
func NewCache(provisioner Provisioner, loaders Loaders, log *logger.Logger) *Cache {
	return &Cache{
		provisioner: provisioner,
		loaders:     loaders,
		log:         log,
		locks:       make(map[string]*sync.Mutex),
	}
}

// Encoder returns the loaded speaker-embedding model, loading it on first
// call.
func (c *Cache) Encoder(ctx context.Context) (core.Encoder, error) {
	lock := c.nameLock(core.ModelEncoder)
	lock.Lock()
	defer lock.Unlock()

	if c.encoder != nil {
		return c.encoder, nil
	}

	path, ensureErr := c.provisioner.Ensure(ctx, core.ModelEncoder)
	if ensureErr != nil {
		return nil, ensureErr
	}

	handle, loadErr := c.loaders.Encoder(ctx, path)
	if loadErr != nil {
		return nil, newLoadFailure(core.ModelEncoder, loadErr)
	}

	c.log.Info("Model '%s' loaded from %s", core.ModelEncoder, path)
	c.encoder = &serializedEncoder{inner: handle}

	return c.encoder, nil
}

// Synthesizer returns the loaded text-to-spectrogram model, loading it on
// first call.
func (c *Cache) Synthesizer(ctx context.Context) (core.Synthesizer, error) {
	lock := c.nameLock(core.ModelSynthesizer)
	lock.Lock()
	defer lock.Unlock()

	if c.synthesizer != nil {
		return c.synthesizer, nil
	}

	path, ensureErr := c.provisioner.Ensure(ctx, core.ModelSynthesizer)
	if ensureErr != nil {
		return nil, ensureErr
	}

	handle, loadErr := c.loaders.Synthesizer(ctx, path)
	if loadErr != nil {
		return nil, newLoadFailure(core.ModelSynthesizer, loadErr)
	}

	c.log.Info("Model '%s' loaded from %s", core.ModelSynthesizer, path)
	c.synthesizer = &serializedSynthesizer{inner: handle}

	return c.synthesizer, nil
}

// Vocoder returns the loaded spectrogram-to-waveform model, loading it on
// first call.
func (c *Cache) Vocoder(ctx context.Context) (core.Vocoder, error) {
	lock := c.nameLock(core.ModelVocoder)
	lock.Lock()
	defer lock.Unlock()

	if c.vocoder != nil {
		return c.vocoder, nil
	}

	path, ensureErr := c.provisioner.Ensure(ctx, core.ModelVocoder)
	if ensureErr != nil {
		return nil, ensureErr
	}

	handle, loadErr := c.loaders.Vocoder(ctx, path)
	if loadErr != nil {
		return nil, newLoadFailure(core.ModelVocoder, loadErr)
	}

	c.log.Info("Model '%s' loaded from %s", core.ModelVocoder, path)
	c.vocoder = &serializedVocoder{inner: handle}

	return c.vocoder, nil
}

// WarmUp loads all three models eagerly. Used at startup so the first
// request does not pay the load cost.
func (c *Cache) WarmUp(ctx context.Context) error {
	_, encoderErr := c.Encoder(ctx)
	if encoderErr != nil {
		return encoderErr
	}

	_, synthesizerErr := c.Synthesizer(ctx)
	if synthesizerErr != nil {
		return synthesizerErr
	}

	_, vocoderErr := c.Vocoder(ctx)
	if vocoderErr != nil {
		return vocoderErr
	}

	return nil
}

func (c *Cache) nameLock(name string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	lock, ok := c.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[name] = lock
	}

	return lock
}

func newLoadFailure(name string, cause error) error {
	return fmt.Errorf("%w: %q: %w", ErrModelLoadFailure, name, cause)
}

// serializedEncoder guards a non-reentrant encoder handle with a mutex.
type serializedEncoder struct {
	mu    sync.Mutex
	inner core.Encoder
}

func (s *serializedEncoder) EmbedUtterance(
	ctx context.Context,
	waveform core.Waveform,
) (core.SpeakerEmbedding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inner.EmbedUtterance(ctx, waveform)
}

// serializedSynthesizer guards a non-reentrant synthesizer handle with a
// mutex. SampleRate is immutable model metadata and needs no lock.
type serializedSynthesizer struct {
	mu    sync.Mutex
	inner core.Synthesizer
}

func (s *serializedSynthesizer) SynthesizeSpectrograms(
	ctx context.Context,
	texts []string,
	embeddings []core.SpeakerEmbedding,
) ([]core.Spectrogram, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inner.SynthesizeSpectrograms(ctx, texts, embeddings)
}

func (s *serializedSynthesizer) SampleRate() int {
	return s.inner.SampleRate()
}

// serializedVocoder guards a non-reentrant vocoder handle with a mutex.
type serializedVocoder struct {
	mu    sync.Mutex
	inner core.Vocoder
}

func (s *serializedVocoder) InferWaveform(
	ctx context.Context,
	spectrogram core.Spectrogram,
) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inner.InferWaveform(ctx, spectrogram)
}
