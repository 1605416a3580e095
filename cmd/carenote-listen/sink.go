package main

import (
	"fmt"
	"io"
	"sync"

	"carenote/internal/domain"
)

// terminalSink renders session events on a single status line.
type terminalSink struct {
	mu  sync.Mutex
	out io.Writer
	log io.Writer

	ended   chan struct{}
	endOnce sync.Once
}

func newTerminalSink(out, log io.Writer) *terminalSink {
	return &terminalSink{out: out, log: log, ended: make(chan struct{})}
}

// Ended is closed once the session returns to idle, whether stopped or failed.
func (s *terminalSink) Ended() <-chan struct{} {
	return s.ended
}

func (s *terminalSink) SessionStateChanged(state domain.SessionState, reason domain.SessionStateReason) {
	s.mu.Lock()
	fmt.Fprintf(s.log, "\n[%s] %s\n", state, reason)
	s.mu.Unlock()

	if state == domain.SessionStateIdle {
		s.endOnce.Do(func() { close(s.ended) })
	}
}

func (s *terminalSink) TranscriptUpdated(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, "\r\033[K%s", lastLine(text, 120))
}

func (s *terminalSink) FinalTranscript(string) {}

func (s *terminalSink) SessionError(code domain.ErrorCode, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.log, "\nerror (%s): %s\n", code, detail)
}

func lastLine(text string, width int) string {
	runes := []rune(text)
	if len(runes) <= width {
		return text
	}
	return "..." + string(runes[len(runes)-width+3:])
}
