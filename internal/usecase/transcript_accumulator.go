package usecase

import (
	"strings"
	"sync"

	"carenote/internal/domain"
)

const transcriptSeparator = " "

// transcriptAccumulator holds committed text plus one volatile interim suffix.
// Committed text only ever grows; the interim suffix is replaced wholesale.
type transcriptAccumulator struct {
	mu        sync.Mutex
	committed strings.Builder
	interim   string
}

func newTranscriptAccumulator() *transcriptAccumulator {
	return &transcriptAccumulator{}
}

// Add applies a fragment and reports the resulting text and whether it changed.
func (a *transcriptAccumulator) Add(fragment domain.Fragment) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	text := strings.TrimSpace(fragment.Text)
	changed := false
	switch fragment.Kind {
	case domain.FragmentKindFinal:
		if text != "" {
			a.committed.WriteString(text)
			a.committed.WriteString(transcriptSeparator)
			changed = true
		}
		if a.interim != "" {
			a.interim = ""
			changed = true
		}
	case domain.FragmentKindPartial:
		if a.interim != text {
			a.interim = text
			changed = true
		}
	}
	return a.committed.String() + a.interim, changed
}

// ResetInterim drops the uncommitted suffix, e.g. when the recognition path changes.
func (a *transcriptAccumulator) ResetInterim() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.interim == "" {
		return false
	}
	a.interim = ""
	return true
}

func (a *transcriptAccumulator) Text() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.committed.String() + a.interim
}

func (a *transcriptAccumulator) Committed() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.committed.String()
}
