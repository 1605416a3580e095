package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"carenote/internal/domain"
	"carenote/internal/ports"
)

// StreamingPathConfig controls the cloud recognition path.
type StreamingPathConfig struct {
	Audio     ports.AudioConfig
	ChunkSize int
	// FlushTimeout bounds how long a graceful close waits for trailing results.
	FlushTimeout time.Duration
}

// StreamingPath implements ports.RecognitionPath by wiring microphone capture
// into a streaming uplink. Each Start builds a fresh audio graph.
type StreamingPath struct {
	audio    ports.AudioCapture
	provider ports.StreamingProvider
	recorder ports.Recorder
	cfg      StreamingPathConfig
	logger   *slog.Logger

	graphs atomic.Int64
}

func NewStreamingPath(
	audio ports.AudioCapture,
	provider ports.StreamingProvider,
	recorder ports.Recorder,
	cfg StreamingPathConfig,
	logger *slog.Logger,
) *StreamingPath {
	if cfg.ChunkSize < 256 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 4 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamingPath{
		audio:    audio,
		provider: provider,
		recorder: recorder,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "streaming_path")),
	}
}

func (p *StreamingPath) Start(ctx context.Context, cfg ports.PathConfig) (ports.RecognitionStream, error) {
	audioCfg := p.cfg.Audio
	if cfg.SampleRate > 0 {
		audioCfg.SampleRate = cfg.SampleRate
	}
	logger := p.logger.With(slog.String("session_id", cfg.SessionID))

	capture, err := p.audio.Start(ctx, audioCfg)
	if err != nil {
		return nil, err
	}

	uplink, err := p.provider.StartStreaming(ctx, ports.StreamingConfig{
		SampleRate: audioCfg.SampleRate,
		Token:      cfg.Token,
		Language:   cfg.Language,
	})
	if err != nil {
		_ = capture.Stop()
		return nil, err
	}

	stream := &streamingStream{
		capture:      capture,
		uplink:       uplink,
		flushTimeout: p.cfg.FlushTimeout,
		logger:       logger,
		out:          make(chan domain.Fragment, 32),
		abort:        make(chan struct{}),
		pumpDone:     make(chan struct{}),
		forwardDone:  make(chan struct{}),
		closed:       make(chan struct{}),
	}

	if p.recorder != nil {
		name := fmt.Sprintf("%s-%d", cfg.SessionID, p.graphs.Add(1))
		recording, recErr := p.recorder.Open(name, audioCfg.SampleRate, audioCfg.Channels)
		if recErr != nil {
			logger.Warn("audio recording unavailable", slog.Any("err", recErr))
		} else {
			stream.recording = recording
		}
	}

	go stream.pump(p.cfg.ChunkSize)
	go stream.forward()
	return stream, nil
}

type streamingStream struct {
	capture      ports.AudioSession
	uplink       ports.StreamingSession
	recording    ports.RecordingWriter
	flushTimeout time.Duration
	logger       *slog.Logger

	out         chan domain.Fragment
	abort       chan struct{}
	pumpDone    chan struct{}
	forwardDone chan struct{}
	closed      chan struct{}

	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error

	errMu sync.Mutex
	err   error
}

func (s *streamingStream) Fragments() <-chan domain.Fragment {
	return s.out
}

func (s *streamingStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *streamingStream) fail(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *streamingStream) pump(chunkSize int) {
	defer close(s.pumpDone)
	err := pumpAudio(s.capture, s.uplink, s.recording, chunkSize, s.closing.Load, s.logger)
	if err != nil {
		s.fail(err)
		_ = s.uplink.Close()
	}
}

func (s *streamingStream) forward() {
	defer close(s.forwardDone)
	defer close(s.out)

	for fragment := range s.uplink.Events() {
		select {
		case s.out <- fragment:
		case <-s.abort:
		}
	}

	err := s.uplink.Wait()
	if s.closing.Load() {
		return
	}
	if err == nil {
		err = domain.ErrUnexpectedClose
	}
	s.fail(err)
	// Release the microphone so the pump exits.
	_ = s.capture.Stop()
}

// Close tears down the audio graph and the uplink. A graceful close stops capture,
// waits for queued audio to be sent, then asks the service to flush its results.
func (s *streamingStream) Close(graceful bool) error {
	s.closeOnce.Do(func() {
		defer close(s.closed)
		s.closing.Store(true)
		if !graceful {
			close(s.abort)
		}

		// Capture is stopped and the pump drained before terminate_session, so
		// every captured chunk reaches the service ahead of the termination notice.
		var stopErr error
		if err := s.capture.Stop(); err != nil {
			stopErr = fmt.Errorf("failed to stop audio capture: %w", err)
			s.logger.Warn("audio capture did not stop cleanly", slog.Any("err", err))
		}
		<-s.pumpDone

		if graceful {
			_ = s.uplink.CloseSend()
			if err := waitForStream(s.uplink, s.flushTimeout); err != nil && !errors.Is(err, domain.ErrUnexpectedClose) {
				s.logger.Debug("uplink ended with error during flush", slog.Any("err", err))
			}
		} else {
			_ = s.uplink.Close()
		}
		<-s.forwardDone

		if s.recording != nil {
			if err := s.recording.Close(); err != nil {
				s.logger.Warn("failed to finalize recording", slog.Any("err", err))
			}
		}
		s.closeErr = stopErr
	})
	<-s.closed
	return s.closeErr
}
