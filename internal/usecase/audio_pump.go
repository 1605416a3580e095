package usecase

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"carenote/internal/audio"
	"carenote/internal/ports"
)

const defaultChunkSize = 4096

// pumpAudio copies captured float32 PCM into the uplink until capture ends.
// It returns nil when capture ended because the path is being torn down.
func pumpAudio(
	capture ports.AudioSession,
	uplink ports.StreamingSession,
	recording ports.RecordingWriter,
	chunkSize int,
	closing func() bool,
	logger *slog.Logger,
) error {
	if chunkSize < 256 {
		chunkSize = defaultChunkSize
	}

	buf := make([]byte, chunkSize)
	var pending []byte
	for {
		n, err := capture.Read(buf)
		if n > 0 {
			data := append(pending, buf[:n]...)
			samples, rest := audio.DecodeFloat32LE(data)
			pending = append([]byte(nil), rest...)

			if recording != nil {
				if writeErr := recording.WriteSamples(samples); writeErr != nil {
					logger.Warn("recording disabled after write failure", slog.Any("err", writeErr))
					recording = nil
				}
			}
			if len(samples) > 0 {
				if sendErr := uplink.SendAudio(samples); sendErr != nil {
					if closing() {
						return nil
					}
					return fmt.Errorf("failed to stream audio: %w", sendErr)
				}
			}
		}
		if err != nil {
			if closing() {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return errors.New("audio capture ended unexpectedly")
			}
			return fmt.Errorf("audio capture error: %w", err)
		}
	}
}

func waitForStream(session ports.StreamingSession, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		_ = session.Close()
		return <-done
	}
}
