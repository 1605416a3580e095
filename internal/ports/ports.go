package ports

import (
	"context"
	"io"
	"time"

	"carenote/internal/domain"
)

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
}

// AudioSession is a live capture session producing little-endian float32 PCM.
type AudioSession interface {
	io.ReadCloser
	Stop() error
}

// AudioCapture creates microphone capture sessions.
type AudioCapture interface {
	Start(ctx context.Context, cfg AudioConfig) (AudioSession, error)
}

// StreamingConfig describes a single uplink connection.
type StreamingConfig struct {
	SampleRate int
	Token      string
	Language   string
}

// StreamingSession is an open uplink to the remote recogniser.
type StreamingSession interface {
	SendAudio(samples []float32) error
	// CloseSend asks the remote service to flush and end the session.
	CloseSend() error
	Events() <-chan domain.Fragment
	Wait() error
	Close() error
}

// StreamingProvider dials uplink sessions.
type StreamingProvider interface {
	StartStreaming(ctx context.Context, cfg StreamingConfig) (StreamingSession, error)
}

// CredentialSource fetches short-lived tokens for the primary path.
// It returns domain.ErrPrimaryUnavailable when the integration is not configured.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
}

// PathConfig is handed to a recognition path when it is activated.
type PathConfig struct {
	SessionID  string
	Language   string
	SampleRate int
	Token      string
	// Stopping reports the session's intentional-stop latch.
	Stopping func() bool
}

// RecognitionPath is one transcription provider strategy.
type RecognitionPath interface {
	Start(ctx context.Context, cfg PathConfig) (RecognitionStream, error)
}

// RecognitionStream is a running recognition path.
type RecognitionStream interface {
	// Fragments is closed when the path ends for any reason.
	Fragments() <-chan domain.Fragment
	// Err reports why the path ended. It is only meaningful after Fragments is closed.
	Err() error
	// Close tears the path down. A graceful close lets the provider flush final results
	// into Fragments before it is closed.
	Close(graceful bool) error
}

// LanguageSource resolves the user's input language code, e.g. "en" or "yue".
type LanguageSource interface {
	InputLanguage(ctx context.Context) string
}

// EventSink emits session state and transcript updates to the host UI.
type EventSink interface {
	SessionStateChanged(state domain.SessionState, reason domain.SessionStateReason)
	TranscriptUpdated(text string)
	FinalTranscript(text string)
	SessionError(code domain.ErrorCode, detail string)
}

// Metrics records session instrumentation.
type Metrics interface {
	SessionStarted()
	PathActivated(mode domain.SessionMode)
	ReconnectAttempted()
	SessionFailed(code domain.ErrorCode)
	FragmentReceived(kind domain.FragmentKind)
	SessionEnded(duration time.Duration)
}

// Recorder persists captured audio.
type Recorder interface {
	Open(name string, sampleRate int, channels int) (RecordingWriter, error)
}

// RecordingWriter receives PCM blocks for one audio graph.
type RecordingWriter interface {
	WriteSamples(samples []float32) error
	Close() error
}
