package usecase

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"carenote/internal/domain"
	"carenote/internal/ports"
)

type activeSession struct {
	id        string
	language  string
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	logger    *slog.Logger

	// stopping is the intentional-stop latch. Once set it is never cleared.
	stopping atomic.Bool

	mu         sync.Mutex
	state      domain.SessionState
	mode       domain.SessionMode
	stream     ports.RecognitionStream
	retryCount int

	accumulator *transcriptAccumulator
	done        chan struct{}
	finishOnce  sync.Once
}

func (s *activeSession) isStopping() bool {
	return s.stopping.Load()
}

// requestStop sets the latch and returns the stream that must be closed.
func (s *activeSession) requestStop() ports.RecognitionStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopping.Store(true)
	stream := s.stream
	s.stream = nil
	return stream
}

// install makes stream the live path unless a stop was requested.
func (s *activeSession) install(stream ports.RecognitionStream, mode domain.SessionMode, state domain.SessionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping.Load() {
		return false
	}
	s.stream = stream
	s.mode = mode
	s.state = state
	return true
}

// detach forgets stream if it is still the live path.
func (s *activeSession) detach(stream ports.RecognitionStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == stream {
		s.stream = nil
	}
}

func (s *activeSession) setState(state domain.SessionState, mode domain.SessionMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.mode = mode
}

func (s *activeSession) getMode() domain.SessionMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *activeSession) retries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryCount
}

func (s *activeSession) incrementRetry() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryCount++
	return s.retryCount
}

func (s *activeSession) status() domain.Status {
	s.mu.Lock()
	state, mode, retries := s.state, s.mode, s.retryCount
	s.mu.Unlock()
	return domain.Status{
		SessionID:  s.id,
		State:      state,
		Mode:       mode,
		Listening:  state != domain.SessionStateIdle,
		Transcript: s.accumulator.Text(),
		RetryCount: retries,
		Language:   s.language,
	}
}
