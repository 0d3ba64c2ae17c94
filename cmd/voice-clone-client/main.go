// Command voice-clone-client is a small CLI for exercising a running
// voice-clone service: it checks health, submits a reference recording with
// text, and saves the rendered WAV.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Flag names.
const (
	flagServer  = "server"
	flagAudio   = "audio"
	flagText    = "text"
	flagOutput  = "output"
	flagHealth  = "health"
	flagTimeout = "timeout"
)

// Flag descriptions.
const (
	flagServerDesc  = "Base URL of the voice-clone service"
	flagAudioDesc   = "Path to the reference audio recording"
	flagTextDesc    = "Text to speak in the cloned voice"
	flagOutputDesc  = "Output file path (.wav)"
	flagHealthDesc  = "Check service health and exit"
	flagTimeoutDesc = "Request timeout"
)

const (
	defaultServerURL = "http://localhost:8000"
	defaultTimeout   = 5 * time.Minute
	defaultOutput    = "cloned_voice.wav"

	routeCloneVoice = "/clone-voice"
	routeHealth     = "/health"

	outputPermissions = 0o644
)

var (
	errAudioRequired = errors.New("--audio is required")
	errTextRequired  = errors.New("--text is required")
	errServiceError  = errors.New("service returned an error")
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	server  string
	audio   string
	text    string
	output  string
	health  bool
	timeout time.Duration
}

func main() {
	err := run()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run() error {
	flags := parseFlags()

	ctx, cancel := context.WithTimeout(context.Background(), flags.timeout)
	defer cancel()

	client := &http.Client{Timeout: flags.timeout}

	if flags.health {
		return checkHealth(ctx, client, flags.server)
	}

	validateErr := validateArguments(flags)
	if validateErr != nil {
		flag.Usage()

		return validateErr
	}

	return cloneVoice(ctx, client, flags)
}

// validateArguments checks that every flag a clone request needs is present.
func validateArguments(flags appFlags) error {
	if flags.audio == "" {
		return errAudioRequired
	}

	if flags.text == "" {
		return errTextRequired
	}

	return nil
}

func parseFlags() appFlags {
	var flags appFlags

	flag.StringVar(&flags.server, flagServer, defaultServerURL, flagServerDesc)
	flag.StringVar(&flags.audio, flagAudio, "", flagAudioDesc)
	flag.StringVar(&flags.text, flagText, "", flagTextDesc)
	flag.StringVar(&flags.output, flagOutput, defaultOutput, flagOutputDesc)
	flag.BoolVar(&flags.health, flagHealth, false, flagHealthDesc)
	flag.DurationVar(&flags.timeout, flagTimeout, defaultTimeout, flagTimeoutDesc)
	flag.Parse()

	return flags
}

func checkHealth(ctx context.Context, client *http.Client, serverURL string) error {
	request, requestErr := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		strings.TrimRight(serverURL, "/")+routeHealth,
		nil,
	)
	if requestErr != nil {
		return fmt.Errorf("failed to build health request: %w", requestErr)
	}

	response, doErr := client.Do(request)
	if doErr != nil {
		return fmt.Errorf("health check failed: %w", doErr)
	}

	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf(
			"%w: health check returned status %d",
			errServiceError,
			response.StatusCode,
		)
	}

	fmt.Println("Voice-clone service is healthy")

	return nil
}

// cloneVoice submits the reference recording and text, then downloads the
// rendered output to the requested path.
func cloneVoice(ctx context.Context, client *http.Client, flags appFlags) error {
	body, contentType, buildErr := buildMultipartBody(flags.audio, flags.text)
	if buildErr != nil {
		return buildErr
	}

	request, requestErr := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		strings.TrimRight(flags.server, "/")+routeCloneVoice,
		body,
	)
	if requestErr != nil {
		return fmt.Errorf("failed to build clone request: %w", requestErr)
	}

	request.Header.Set("Content-Type", contentType)

	response, doErr := client.Do(request)
	if doErr != nil {
		return fmt.Errorf("clone request failed: %w", doErr)
	}

	defer func() {
		_ = response.Body.Close()
	}()

	audioURL, parseErr := parseCloneResponse(response)
	if parseErr != nil {
		return parseErr
	}

	downloadErr := downloadOutput(
		ctx,
		client,
		strings.TrimRight(flags.server, "/")+audioURL,
		flags.output,
	)
	if downloadErr != nil {
		return downloadErr
	}

	fmt.Printf("Generated: %s\n", flags.output)

	return nil
}

func buildMultipartBody(audioPath, text string) (*bytes.Buffer, string, error) {
	audioData, readErr := os.ReadFile(audioPath)
	if readErr != nil {
		return nil, "", fmt.Errorf("failed to read reference audio: %w", readErr)
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, partErr := writer.CreateFormFile("audio", filepath.Base(audioPath))
	if partErr != nil {
		return nil, "", fmt.Errorf("failed to create audio form part: %w", partErr)
	}

	_, writeErr := part.Write(audioData)
	if writeErr != nil {
		return nil, "", fmt.Errorf("failed to write audio form part: %w", writeErr)
	}

	fieldErr := writer.WriteField("text", text)
	if fieldErr != nil {
		return nil, "", fmt.Errorf("failed to write text form field: %w", fieldErr)
	}

	closeErr := writer.Close()
	if closeErr != nil {
		return nil, "", fmt.Errorf("failed to finalize multipart body: %w", closeErr)
	}

	return body, writer.FormDataContentType(), nil
}

func parseCloneResponse(response *http.Response) (string, error) {
	responseBody, readErr := io.ReadAll(response.Body)
	if readErr != nil {
		return "", fmt.Errorf("failed to read response body: %w", readErr)
	}

	var payload struct {
		Status   string `json:"status"`
		AudioURL string `json:"audio_url"`
		Message  string `json:"message"`
	}

	unmarshalErr := json.Unmarshal(responseBody, &payload)
	if unmarshalErr != nil {
		return "", fmt.Errorf(
			"failed to decode response (status %d): %w",
			response.StatusCode,
			unmarshalErr,
		)
	}

	if response.StatusCode != http.StatusOK {
		return "", fmt.Errorf(
			"%w: status %d: %s",
			errServiceError,
			response.StatusCode,
			payload.Message,
		)
	}

	return payload.AudioURL, nil
}

func downloadOutput(
	ctx context.Context,
	client *http.Client,
	url, outputPath string,
) error {
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if requestErr != nil {
		return fmt.Errorf("failed to build download request: %w", requestErr)
	}

	response, doErr := client.Do(request)
	if doErr != nil {
		return fmt.Errorf("download failed: %w", doErr)
	}

	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf(
			"%w: download returned status %d",
			errServiceError,
			response.StatusCode,
		)
	}

	data, readErr := io.ReadAll(response.Body)
	if readErr != nil {
		return fmt.Errorf("failed to read rendered audio: %w", readErr)
	}

	writeErr := os.WriteFile(outputPath, data, outputPermissions)
	if writeErr != nil {
		return fmt.Errorf("failed to save rendered audio: %w", writeErr)
	}

	return nil
}
