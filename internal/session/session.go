// Package session allocates per-request scratch files and guarantees their
// cleanup on every exit path. Rendered outputs are durable artifacts and are
// never auto-deleted here.
package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/book-expert/logger"
	"github.com/google/uuid"
)

const (
	dirPermissions       = 0o750
	referencePermissions = 0o600
	referenceFilePattern = "temp_audio_%s%s"
	outputFilePattern    = "cloned_voice_%s.wav"
)

// Static session errors.
var (
	ErrUploadsDirEmpty = errors.New("uploads directory cannot be empty")
	ErrOutputsDirEmpty = errors.New("outputs directory cannot be empty")
	ErrSessionClosed   = errors.New("session already closed")
	ErrBadExtension    = errors.New("reference extension must start with a dot")
)

// Manager hands out isolated request workspaces. Each session gets a unique
// identifier used to name its temporary reference file and its durable
// output, so concurrent requests never collide.
type Manager struct {
	uploadsDir string
	outputsDir string
	log        *logger.Logger
}

// NewManager creates a session manager and ensures both directories exist.
func NewManager(uploadsDir, outputsDir string, log *logger.Logger) (*Manager, error) {
	if uploadsDir == "" {
		return nil, ErrUploadsDirEmpty
	}

	if outputsDir == "" {
		return nil, ErrOutputsDirEmpty
	}

	for _, dir := range []string{uploadsDir, outputsDir} {
		mkdirErr := os.MkdirAll(dir, dirPermissions)
		if mkdirErr != nil {
			return nil, fmt.Errorf(
				"failed to create session directory %q: %w",
				dir,
				mkdirErr,
			)
		}
	}

	return &Manager{
		uploadsDir: uploadsDir,
		outputsDir: outputsDir,
		log:        log,
	}, nil
}

// OutputsDir returns the directory durable outputs are written to.
func (m *Manager) OutputsDir() string {
	return m.outputsDir
}

// Open allocates a new request session with a globally unique identifier.
func (m *Manager) Open() *Session {
	return &Session{
		id:      uuid.NewString(),
		manager: m,
	}
}

// Session is the scope of one synthesis request's temporary resources.
type Session struct {
	id      string
	manager *Manager

	mu            sync.Mutex
	referencePath string
	closed        bool
}

// ID returns the session's unique identifier, used for request correlation
// in logs and file names.
func (s *Session) ID() string {
	return s.id
}

// SaveReference persists the uploaded reference bytes to the session's
// temporary file and returns its path. The file lives until Close.
func (s *Session) SaveReference(data []byte, ext string) (string, error) {
	if !strings.HasPrefix(ext, ".") {
		return "", fmt.Errorf("%w: %q", ErrBadExtension, ext)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrSessionClosed
	}

	path := filepath.Join(
		s.manager.uploadsDir,
		fmt.Sprintf(referenceFilePattern, s.id, strings.ToLower(ext)),
	)

	writeErr := os.WriteFile(path, data, referencePermissions)
	if writeErr != nil {
		return "", fmt.Errorf("failed to save reference audio: %w", writeErr)
	}

	s.referencePath = path

	return path, nil
}

// OutputFilename returns the durable output name for this session.
func (s *Session) OutputFilename() string {
	return fmt.Sprintf(outputFilePattern, s.id)
}

// OutputPath returns the full path the rendered WAV is persisted at.
func (s *Session) OutputPath() string {
	return filepath.Join(s.manager.outputsDir, s.OutputFilename())
}

// Close removes the session's temporary reference file. It runs on every
// exit path, is idempotent, and never touches the durable output.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.closed = true

	if s.referencePath == "" {
		return
	}

	removeErr := os.Remove(s.referencePath)
	if removeErr != nil && !os.IsNotExist(removeErr) {
		s.manager.log.Warn(
			"Session %s: failed to remove reference file '%s': %v",
			s.id,
			s.referencePath,
			removeErr,
		)
	}
}
