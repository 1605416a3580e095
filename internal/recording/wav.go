// Package recording persists captured microphone audio as 16-bit WAV files.
package recording

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"carenote/internal/audio"
	"carenote/internal/ports"
)

// WAVRecorder writes one file per audio graph under Dir.
type WAVRecorder struct {
	Dir string
}

func NewWAVRecorder(dir string) *WAVRecorder {
	return &WAVRecorder{Dir: dir}
}

func (r *WAVRecorder) Open(name string, sampleRate int, channels int) (ports.RecordingWriter, error) {
	if strings.TrimSpace(r.Dir) == "" {
		return nil, errors.New("recording directory is not configured")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid recording sample rate %d", sampleRate)
	}
	if channels <= 0 {
		channels = 1
	}
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recording directory: %w", err)
	}

	path := filepath.Join(r.Dir, filepath.Base(name)+".wav")
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create recording file: %w", err)
	}

	return &wavWriter{
		path:    path,
		file:    file,
		encoder: wav.NewEncoder(file, sampleRate, 16, channels, 1),
		format:  &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
	}, nil
}

type wavWriter struct {
	path    string
	file    *os.File
	encoder *wav.Encoder
	format  *goaudio.Format

	mu     sync.Mutex
	closed bool
}

func (w *wavWriter) WriteSamples(samples []float32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("recording is closed")
	}
	if len(samples) == 0 {
		return nil
	}

	quantized := audio.EncodeInt16(samples)
	buf := &goaudio.IntBuffer{
		Format:         w.format,
		Data:           make([]int, len(quantized)),
		SourceBitDepth: 16,
	}
	for i, sample := range quantized {
		buf.Data[i] = int(sample)
	}
	if err := w.encoder.Write(buf); err != nil {
		return fmt.Errorf("write recording %s: %w", w.path, err)
	}
	return nil
}

// Close finalizes the WAV header and closes the file.
func (w *wavWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	encErr := w.encoder.Close()
	fileErr := w.file.Close()
	if encErr != nil {
		return fmt.Errorf("finalize recording %s: %w", w.path, encErr)
	}
	return fileErr
}
