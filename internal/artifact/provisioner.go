package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/book-expert/logger"
)

// Artifacts live under <models dir>/default, matching the layout the
// pretrained release archives unpack to.
const (
	defaultSubdir   = "default"
	dirPermissions  = 0o750
	tempFilePattern = ".download-*"
)

// Static provisioning errors.
var (
	// ErrArtifactUnavailable is returned when an artifact cannot be made
	// locally available: the remote fetch failed after the retry budget,
	// or every fetched copy failed verification.
	ErrArtifactUnavailable = errors.New("artifact unavailable")

	// ErrUnknownArtifact is returned for a name the manifest does not
	// declare.
	ErrUnknownArtifact = errors.New("unknown artifact")

	errSizeMismatch     = errors.New("size mismatch")
	errChecksumMismatch = errors.New("checksum mismatch")
	errEmptyBody        = errors.New("received empty artifact body")
)

// Provisioner ensures model artifacts exist locally and pass integrity
// verification, fetching them from their manifest URL when they do not.
// It is safe for concurrent use; fetches for the same artifact name are
// serialized so only one download per artifact is ever in flight.
type Provisioner struct {
	manifest   *Manifest
	targetDir  string
	httpClient *http.Client
	retries    int
	backoff    time.Duration
	log        *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewProvisioner creates a provisioner that materializes artifacts under
// <modelsDir>/default. The retry count bounds download attempts per Ensure
// call; backoff is the base delay between attempts.
func NewProvisioner(
	manifest *Manifest,
	modelsDir string,
	retries int,
	backoff time.Duration,
	downloadTimeout time.Duration,
	log *logger.Logger,
) *Provisioner {
	return &Provisioner{
		manifest:  manifest,
		targetDir: filepath.Join(modelsDir, defaultSubdir),
		httpClient: &http.Client{
			Timeout: downloadTimeout,
		},
		retries: retries,
		backoff: backoff,
		log:     log,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Ensure guarantees the named artifact is present and verified, returning its
// local path. If the local file is absent or fails verification it is fetched
// from the manifest URL, written to a temporary file, and atomically renamed
// into place; no partial file ever occupies the final path.
func (p *Provisioner) Ensure(ctx context.Context, name string) (string, error) {
	spec, ok := p.manifest.Lookup(name)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownArtifact, name)
	}

	lock := p.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	finalPath := filepath.Join(p.targetDir, spec.Filename)

	verifyErr := p.verifyFile(finalPath, spec)
	if verifyErr == nil {
		return finalPath, nil
	}

	if !os.IsNotExist(verifyErr) {
		p.log.Warn(
			"Artifact '%s' failed verification, refetching: %v",
			name,
			verifyErr,
		)
	}

	fetchErr := p.fetchWithRetries(ctx, spec, finalPath)
	if fetchErr != nil {
		return "", fetchErr
	}

	return finalPath, nil
}

// EnsureAll provisions every required artifact in a fixed order. It is used
// at startup to front-load downloads before the first request arrives.
func (p *Provisioner) EnsureAll(ctx context.Context) error {
	for _, name := range RequiredNames() {
		_, err := p.Ensure(ctx, name)
		if err != nil {
			return err
		}
	}

	return nil
}

func (p *Provisioner) nameLock(name string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()

	lock, ok := p.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[name] = lock
	}

	return lock
}

func (p *Provisioner) fetchWithRetries(
	ctx context.Context,
	spec Spec,
	finalPath string,
) error {
	var lastErr error

	for attempt := 1; attempt <= p.retries; attempt++ {
		if attempt > 1 {
			backoffErr := p.waitBackoff(ctx, attempt)
			if backoffErr != nil {
				return fmt.Errorf(
					"%w: %q: %w",
					ErrArtifactUnavailable,
					spec.Name,
					backoffErr,
				)
			}
		}

		attemptErr := p.fetchOnce(ctx, spec, finalPath)
		if attemptErr == nil {
			p.log.Info("Artifact '%s' provisioned at %s", spec.Name, finalPath)

			return nil
		}

		lastErr = attemptErr
		p.log.Warn(
			"Artifact '%s' fetch attempt %d/%d failed: %v",
			spec.Name,
			attempt,
			p.retries,
			attemptErr,
		)
	}

	return fmt.Errorf("%w: %q: %w", ErrArtifactUnavailable, spec.Name, lastErr)
}

// waitBackoff sleeps for a linearly growing delay, honoring cancellation.
func (p *Provisioner) waitBackoff(ctx context.Context, attempt int) error {
	delay := p.backoff * time.Duration(attempt-1)

	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-time.After(delay):
		return nil
	}
}

// fetchOnce downloads the artifact to a temporary file in the target
// directory, verifies it, and renames it into place.
func (p *Provisioner) fetchOnce(ctx context.Context, spec Spec, finalPath string) error {
	mkdirErr := os.MkdirAll(p.targetDir, dirPermissions)
	if mkdirErr != nil {
		return fmt.Errorf("failed to create artifact directory: %w", mkdirErr)
	}

	tempFile, tempErr := os.CreateTemp(p.targetDir, spec.Filename+tempFilePattern)
	if tempErr != nil {
		return fmt.Errorf("failed to create temp download file: %w", tempErr)
	}

	tempPath := tempFile.Name()

	defer func() {
		removeErr := os.Remove(tempPath)
		if removeErr != nil && !os.IsNotExist(removeErr) {
			p.log.Warn(
				"Failed to remove temp download file '%s': %v",
				tempPath,
				removeErr,
			)
		}
	}()

	downloadErr := p.downloadTo(ctx, spec.URL, tempFile)

	closeErr := tempFile.Close()

	if downloadErr != nil {
		return downloadErr
	}

	if closeErr != nil {
		return fmt.Errorf("failed to close temp download file: %w", closeErr)
	}

	verifyErr := p.verifyFile(tempPath, spec)
	if verifyErr != nil {
		return fmt.Errorf("fetched artifact failed verification: %w", verifyErr)
	}

	renameErr := os.Rename(tempPath, finalPath)
	if renameErr != nil {
		return fmt.Errorf("failed to move artifact into place: %w", renameErr)
	}

	return nil
}

// downloadTo streams the artifact body into the destination file.
func (p *Provisioner) downloadTo(ctx context.Context, url string, dst *os.File) error {
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if reqErr != nil {
		return fmt.Errorf("failed to create download request: %w", reqErr)
	}

	resp, doErr := p.httpClient.Do(req)
	if doErr != nil {
		return fmt.Errorf("failed to download from %s: %w", url, doErr)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf(
			"download from %s returned non-OK status: %s",
			url,
			resp.Status,
		)
	}

	written, copyErr := io.Copy(dst, resp.Body)
	if copyErr != nil {
		return fmt.Errorf("failed to stream artifact body: %w", copyErr)
	}

	if written == 0 {
		return errEmptyBody
	}

	syncErr := dst.Sync()
	if syncErr != nil {
		return fmt.Errorf("failed to sync artifact to disk: %w", syncErr)
	}

	return nil
}

// verifyFile checks the file at path against the manifest expectations. The
// returned error satisfies os.IsNotExist when the file is simply absent.
func (p *Provisioner) verifyFile(path string, spec Spec) error {
	info, statErr := os.Stat(path)
	if statErr != nil {
		return statErr
	}

	if spec.SizeBytes > 0 && info.Size() != spec.SizeBytes {
		return fmt.Errorf(
			"%w: %q has %d bytes, expected %d",
			errSizeMismatch,
			path,
			info.Size(),
			spec.SizeBytes,
		)
	}

	if spec.SHA256 != "" {
		checksumErr := verifyChecksum(path, spec.SHA256)
		if checksumErr != nil {
			return checksumErr
		}
	}

	return nil
}

func verifyChecksum(path, expected string) error {
	file, openErr := os.Open(path)
	if openErr != nil {
		return fmt.Errorf("failed to open artifact for checksum: %w", openErr)
	}
	defer file.Close()

	hash := sha256.New()

	_, copyErr := io.Copy(hash, file)
	if copyErr != nil {
		return fmt.Errorf("failed to hash artifact: %w", copyErr)
	}

	actual := hex.EncodeToString(hash.Sum(nil))
	if actual != expected {
		return fmt.Errorf(
			"%w: %q has sha256 %s, expected %s",
			errChecksumMismatch,
			path,
			actual,
			expected,
		)
	}

	return nil
}
