// Package server exposes the HTTP surface of the voice-clone service. It is
// thin glue: request validation, session lifecycle, and error-to-status
// mapping around the synthesis pipeline.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/audio"
	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/pipeline"
	"github.com/book-expert/voice-clone-service/internal/session"
	"github.com/book-expert/voice-clone-service/internal/vcutil"
)

const (
	serviceName = "voice-clone-service"

	routeCloneVoice    = "POST /clone-voice"
	routeDownloadAudio = "GET /download-audio/{filename}"
	routeHealth        = "GET /health"
	routeRoot          = "GET /{$}"

	formFieldAudio = "audio"
	formFieldText  = "text"

	contentTypeJSON = "application/json"
	contentTypeWAV  = "audio/wav"

	// Reference uploads are short recordings; anything larger is abuse.
	maxUploadBytes = 64 << 20
)

// Response messages.
const (
	msgSuccess          = "Voice cloning completed successfully"
	msgMissingAudio     = "Missing required 'audio' file field"
	msgEmptyText        = "Text cannot be empty"
	msgUnsupportedType  = "Unsupported file type. Allowed types: .m4a, .mp3, .ogg, .wav, .webm"
	msgReferenceTooWeak = "Reference audio is too short or silent"
	msgCorruptAudio     = "Reference audio could not be decoded"
	msgBusy             = "Service is at capacity, retry shortly"
	msgNotFound         = "Audio file not found"
)

// Synthesizer is the slice of the pipeline the HTTP layer depends on.
type Synthesizer interface {
	Synthesize(ctx context.Context, req pipeline.Request) (core.SynthesisResult, error)
}

// Server handles the HTTP surface of the voice-clone service.
type Server struct {
	synthesizer Synthesizer
	sessions    *session.Manager
	log         *logger.Logger
}

// New creates the HTTP server glue around a synthesis pipeline and a session
// manager.
func New(synthesizer Synthesizer, sessions *session.Manager, log *logger.Logger) *Server {
	return &Server{
		synthesizer: synthesizer,
		sessions:    sessions,
		log:         log,
	}
}

// Handler returns the routed HTTP handler for the service.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(routeCloneVoice, s.handleCloneVoice)
	mux.HandleFunc(routeDownloadAudio, s.handleDownloadAudio)
	mux.HandleFunc(routeHealth, s.handleHealth)
	mux.HandleFunc(routeRoot, s.handleRoot)

	return mux
}

type cloneVoiceResponse struct {
	Status   string `json:"status"`
	AudioURL string `json:"audio_url"`
	Filename string `json:"filename"`
	Message  string `json:"message"`
}

type errorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (s *Server) handleCloneVoice(
	responseWriter http.ResponseWriter,
	request *http.Request,
) {
	request.Body = http.MaxBytesReader(responseWriter, request.Body, maxUploadBytes)

	text, referenceData, ext, parseErr := s.parseCloneRequest(request)
	if parseErr != nil {
		s.writeError(responseWriter, http.StatusBadRequest, parseErr.Error())

		return
	}

	sess := s.sessions.Open()
	defer sess.Close()

	referencePath, saveErr := sess.SaveReference(referenceData, ext)
	if saveErr != nil {
		s.log.Error("Session %s: failed to save reference: %v", sess.ID(), saveErr)
		s.writeError(
			responseWriter,
			http.StatusInternalServerError,
			"Failed to store reference audio",
		)

		return
	}

	s.log.Info(
		"Session %s: cloning %s of reference into %d chars of text",
		sess.ID(),
		vcutil.FormatFileSize(int64(len(referenceData))),
		len(text),
	)

	started := time.Now()

	result, synthesisErr := s.synthesizer.Synthesize(request.Context(), pipeline.Request{
		SessionID:      sess.ID(),
		Text:           text,
		ReferencePath:  referencePath,
		OutputPath:     sess.OutputPath(),
		OutputFilename: sess.OutputFilename(),
	})
	if synthesisErr != nil {
		s.writeSynthesisError(responseWriter, sess.ID(), synthesisErr)

		return
	}

	s.log.Info(
		"Session %s: synthesis finished in %s",
		sess.ID(),
		vcutil.FormatDuration(time.Since(started).Seconds()),
	)

	s.writeJSON(responseWriter, http.StatusOK, cloneVoiceResponse{
		Status:   "success",
		AudioURL: "/download-audio/" + result.Filename,
		Filename: result.Filename,
		Message:  msgSuccess,
	})
}

// parseCloneRequest validates the multipart form and returns the text, the
// reference bytes, and the declared extension. All failures here are
// client-correctable.
func (s *Server) parseCloneRequest(
	request *http.Request,
) (text string, referenceData []byte, ext string, err error) {
	file, header, formErr := request.FormFile(formFieldAudio)
	if formErr != nil {
		return "", nil, "", errors.New(msgMissingAudio)
	}

	defer func() {
		_ = file.Close()
	}()

	ext = strings.ToLower(filepath.Ext(header.Filename))
	if !audio.SupportedExtension(ext) {
		return "", nil, "", errors.New(msgUnsupportedType)
	}

	text = strings.TrimSpace(request.FormValue(formFieldText))
	if text == "" {
		return "", nil, "", errors.New(msgEmptyText)
	}

	referenceData, readErr := io.ReadAll(file)
	if readErr != nil {
		return "", nil, "", fmt.Errorf("failed to read uploaded audio: %w", readErr)
	}

	return text, referenceData, ext, nil
}

// writeSynthesisError maps pipeline error kinds to HTTP statuses. Validation
// and preprocessing failures are the client's to fix; provisioning, loading,
// and inference failures are ours.
func (s *Server) writeSynthesisError(
	responseWriter http.ResponseWriter,
	sessionID string,
	synthesisErr error,
) {
	switch {
	case errors.Is(synthesisErr, pipeline.ErrEmptyText):
		s.writeError(responseWriter, http.StatusBadRequest, msgEmptyText)
	case errors.Is(synthesisErr, audio.ErrUnsupportedFormat):
		s.writeError(responseWriter, http.StatusBadRequest, msgUnsupportedType)
	case errors.Is(synthesisErr, audio.ErrReferenceTooShort):
		s.writeError(responseWriter, http.StatusBadRequest, msgReferenceTooWeak)
	case errors.Is(synthesisErr, audio.ErrDecodeFailed):
		s.writeError(responseWriter, http.StatusBadRequest, msgCorruptAudio)
	case errors.Is(synthesisErr, pipeline.ErrBusy):
		s.writeError(responseWriter, http.StatusServiceUnavailable, msgBusy)
	default:
		s.log.Error("Session %s: synthesis failed: %v", sessionID, synthesisErr)
		s.writeError(
			responseWriter,
			http.StatusInternalServerError,
			fmt.Sprintf("Voice cloning failed: %v", synthesisErr),
		)
	}
}

func (s *Server) handleDownloadAudio(
	responseWriter http.ResponseWriter,
	request *http.Request,
) {
	filename := vcutil.SanitizeFilename(request.PathValue("filename"))
	path := filepath.Join(s.sessions.OutputsDir(), filename)

	info, statErr := os.Stat(path)
	if statErr != nil || info.IsDir() {
		s.writeError(responseWriter, http.StatusNotFound, msgNotFound)

		return
	}

	responseWriter.Header().Set("Content-Type", contentTypeWAV)
	responseWriter.Header().Set(
		"Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", filename),
	)
	http.ServeFile(responseWriter, request, path)
}

func (s *Server) handleHealth(responseWriter http.ResponseWriter, _ *http.Request) {
	s.writeJSON(responseWriter, http.StatusOK, map[string]string{
		"status":    "healthy",
		"service":   serviceName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleRoot(responseWriter http.ResponseWriter, _ *http.Request) {
	s.writeJSON(responseWriter, http.StatusOK, map[string]any{
		"message":   "Voice cloning service is running",
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"endpoints": map[string]string{
			"clone_voice":    "POST /clone-voice",
			"download_audio": "GET /download-audio/{filename}",
			"health":         "GET /health",
		},
	})
}

func (s *Server) writeError(
	responseWriter http.ResponseWriter,
	status int,
	message string,
) {
	s.writeJSON(responseWriter, status, errorResponse{
		Status:  "error",
		Message: message,
	})
}

func (s *Server) writeJSON(
	responseWriter http.ResponseWriter,
	status int,
	payload any,
) {
	responseWriter.Header().Set("Content-Type", contentTypeJSON)
	responseWriter.WriteHeader(status)

	encodeErr := json.NewEncoder(responseWriter).Encode(payload)
	if encodeErr != nil {
		s.log.Error("Failed to encode response: %v", encodeErr)
	}
}
