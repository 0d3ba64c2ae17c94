package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// IEEE-float WAV layout constants. The go-audio encoder only writes integer
// PCM, so the 32-bit-float output format the synthesizer pipeline produces is
// laid out here directly.
const (
	wavFormatIEEEFloat  = 3
	wavBitsPerSample    = 32
	wavBytesPerSample   = 4
	wavFmtChunkSize     = 18
	wavFactChunkSize    = 4
	wavHeaderOverhead   = 4 + 8 + wavFmtChunkSize + 8 + wavFactChunkSize + 8
	outputPermissions   = 0o600
	outputTempPattern   = ".render-*.wav"
	outputDirPermission = 0o750
)

// Static WAV I/O errors.
var (
	ErrNoSamples      = errors.New("refusing to write a WAV file with no samples")
	ErrBadSampleRate  = errors.New("sample rate must be positive")
	ErrNotFloatWAV    = errors.New("not an IEEE-float WAV file")
	ErrTruncatedWAV   = errors.New("truncated WAV file")
	errBadChunkHeader = errors.New("malformed chunk header")
)

// WriteFloat32WAV persists a mono float32 waveform as a standard IEEE-float
// WAV file at path. The file is written to a temporary sibling and renamed
// into place so no partial output ever occupies the final path.
func WriteFloat32WAV(path string, samples []float32, sampleRate int) error {
	if len(samples) == 0 {
		return ErrNoSamples
	}

	if sampleRate <= 0 {
		return fmt.Errorf("%w: %d", ErrBadSampleRate, sampleRate)
	}

	mkdirErr := os.MkdirAll(filepath.Dir(path), outputDirPermission)
	if mkdirErr != nil {
		return fmt.Errorf("failed to create output directory: %w", mkdirErr)
	}

	payload := encodeFloat32WAV(samples, sampleRate)

	tempFile, tempErr := os.CreateTemp(filepath.Dir(path), outputTempPattern)
	if tempErr != nil {
		return fmt.Errorf("failed to create temp output file: %w", tempErr)
	}

	tempPath := tempFile.Name()

	_, writeErr := tempFile.Write(payload)

	syncErr := tempFile.Sync()
	closeErr := tempFile.Close()

	if writeErr != nil || syncErr != nil || closeErr != nil {
		_ = os.Remove(tempPath)

		if writeErr != nil {
			return fmt.Errorf("failed to write output file: %w", writeErr)
		}

		if syncErr != nil {
			return fmt.Errorf("failed to sync output file: %w", syncErr)
		}

		return fmt.Errorf("failed to close output file: %w", closeErr)
	}

	chmodErr := os.Chmod(tempPath, outputPermissions)
	if chmodErr != nil {
		_ = os.Remove(tempPath)

		return fmt.Errorf("failed to set output permissions: %w", chmodErr)
	}

	renameErr := os.Rename(tempPath, path)
	if renameErr != nil {
		_ = os.Remove(tempPath)

		return fmt.Errorf("failed to move output into place: %w", renameErr)
	}

	return nil
}

func encodeFloat32WAV(samples []float32, sampleRate int) []byte {
	dataSize := len(samples) * wavBytesPerSample
	riffSize := wavHeaderOverhead + dataSize

	var buf bytes.Buffer

	buf.Grow(8 + riffSize)
	buf.WriteString("RIFF")
	writeLE(&buf, uint32(riffSize))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	writeLE(&buf, uint32(wavFmtChunkSize))
	writeLE(&buf, uint16(wavFormatIEEEFloat))
	writeLE(&buf, uint16(1)) // mono, forced by the vocoder stage
	writeLE(&buf, uint32(sampleRate))
	writeLE(&buf, uint32(sampleRate*wavBytesPerSample))
	writeLE(&buf, uint16(wavBytesPerSample))
	writeLE(&buf, uint16(wavBitsPerSample))
	writeLE(&buf, uint16(0)) // no extension bytes

	// A fact chunk is required for non-PCM formats.
	buf.WriteString("fact")
	writeLE(&buf, uint32(wavFactChunkSize))
	writeLE(&buf, uint32(len(samples)))

	buf.WriteString("data")
	writeLE(&buf, uint32(dataSize))

	for _, sample := range samples {
		writeLE(&buf, math.Float32bits(sample))
	}

	return buf.Bytes()
}

func writeLE(buf *bytes.Buffer, value any) {
	// bytes.Buffer writes never fail.
	_ = binary.Write(buf, binary.LittleEndian, value)
}

// ReadFloat32WAV decodes an IEEE-float WAV file written by WriteFloat32WAV,
// returning its samples and sample rate. It is used to validate rendered
// outputs.
func ReadFloat32WAV(path string) ([]float32, int, error) {
	data, readErr := os.ReadFile(path)
	if readErr != nil {
		return nil, 0, fmt.Errorf("failed to read WAV file: %w", readErr)
	}

	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("%w: %q", ErrNotFloatWAV, path)
	}

	var (
		sampleRate int
		format     uint16
		samples    []float32
	)

	offset := 12
	for offset+8 <= len(data) {
		chunkID := string(data[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8

		if body+chunkSize > len(data) {
			return nil, 0, fmt.Errorf("%w: %q", errBadChunkHeader, chunkID)
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return nil, 0, fmt.Errorf("%w: short fmt chunk", ErrTruncatedWAV)
			}

			format = binary.LittleEndian.Uint16(data[body : body+2])
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
		case "data":
			samples = make([]float32, chunkSize/wavBytesPerSample)
			for i := range samples {
				bits := binary.LittleEndian.Uint32(
					data[body+i*wavBytesPerSample : body+(i+1)*wavBytesPerSample],
				)
				samples[i] = math.Float32frombits(bits)
			}
		}

		// Chunks are word-aligned.
		offset = body + chunkSize + chunkSize%2
	}

	if format != wavFormatIEEEFloat {
		return nil, 0, fmt.Errorf("%w: format code %d", ErrNotFloatWAV, format)
	}

	if samples == nil || sampleRate == 0 {
		return nil, 0, fmt.Errorf("%w: missing fmt or data chunk", ErrTruncatedWAV)
	}

	return samples, sampleRate, nil
}
