// Package ondevice runs a local continuous speech recogniser as the fallback path.
//
// The recogniser is an external process started with the session's locale tag. It
// prints one JSON object per line, either {"partial": "..."} / {"text": "..."} or
// {"type": "partial"|"final", "text": "..."}. Exiting with status zero is treated as
// a spontaneous end of a continuous session and the process is restarted in place.
package ondevice

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"carenote/internal/domain"
	"carenote/internal/locale"
	"carenote/internal/ports"
)

const localePlaceholder = "{locale}"

var errStopped = errors.New("recogniser stopped")

// Config controls the on-device recogniser process.
type Config struct {
	Command      string
	Args         []string
	RestartDelay time.Duration
	StopTimeout  time.Duration
	Logger       *slog.Logger
}

// Engine implements ports.RecognitionPath.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

func NewEngine(cfg Config) *Engine {
	if cfg.RestartDelay < 0 {
		cfg.RestartDelay = 0
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 1500 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, logger: logger.With(slog.String("component", "ondevice"))}
}

func (e *Engine) Start(ctx context.Context, cfg ports.PathConfig) (ports.RecognitionStream, error) {
	if strings.TrimSpace(e.cfg.Command) == "" {
		return nil, fmt.Errorf("%w: no on-device recogniser configured", domain.ErrRecognitionUnsupported)
	}

	tag := locale.Tag(cfg.Language)
	stream := &engineStream{
		engine:  e,
		ctx:     ctx,
		args:    engineArgs(e.cfg.Args, tag),
		latch:   cfg.Stopping,
		logger:  e.logger.With(slog.String("session_id", cfg.SessionID), slog.String("locale", tag)),
		out:     make(chan domain.Fragment, 32),
		abort:   make(chan struct{}),
		done:    make(chan struct{}),
		started: time.Now(),
	}

	proc, err := stream.launch()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRecognitionUnsupported, err)
	}

	go stream.run(proc)
	return stream, nil
}

func engineArgs(template []string, tag string) []string {
	args := make([]string, 0, len(template)+2)
	substituted := false
	for _, arg := range template {
		if strings.Contains(arg, localePlaceholder) {
			substituted = true
			arg = strings.ReplaceAll(arg, localePlaceholder, tag)
		}
		args = append(args, arg)
	}
	if !substituted {
		args = append(args, "--locale", tag)
	}
	return args
}

type engineProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *bytes.Buffer
}

type engineStream struct {
	engine *Engine
	ctx    context.Context
	args   []string
	latch  func() bool
	logger *slog.Logger

	out   chan domain.Fragment
	abort chan struct{}
	done  chan struct{}

	stopping  atomic.Bool
	closeOnce sync.Once
	started   time.Time
	restarts  int

	mu      sync.Mutex
	current *engineProcess
	err     error
}

func (s *engineStream) Fragments() <-chan domain.Fragment {
	return s.out
}

func (s *engineStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the recogniser. A graceful close interrupts the process and keeps
// reading until it exits so its last result is delivered.
func (s *engineStream) Close(graceful bool) error {
	s.closeOnce.Do(func() {
		s.stopping.Store(true)
		if !graceful {
			close(s.abort)
		}
		s.signalCurrent(os.Interrupt)
	})

	select {
	case <-s.done:
	case <-time.After(s.engine.cfg.StopTimeout):
		s.killCurrent()
		<-s.done
	}
	return nil
}

func (s *engineStream) intentional() bool {
	if s.stopping.Load() {
		return true
	}
	return s.latch != nil && s.latch()
}

func (s *engineStream) launch() (*engineProcess, error) {
	cmd := exec.CommandContext(s.ctx, s.engine.cfg.Command, s.args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("recogniser stdout pipe: %w", err)
	}

	// Close signals s.current under s.mu, so a process started here is
	// either visible to Close or never started.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping.Load() {
		_ = stdout.Close()
		return nil, errStopped
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start recogniser: %w", err)
	}

	proc := &engineProcess{cmd: cmd, stdout: stdout, stderr: &stderr}
	s.current = proc
	return proc, nil
}

func (s *engineStream) signalCurrent(sig os.Signal) {
	s.mu.Lock()
	proc := s.current
	s.mu.Unlock()
	if proc != nil && proc.cmd.Process != nil {
		_ = proc.cmd.Process.Signal(sig)
	}
}

// killCurrent also closes stdout; a grandchild can hold the pipe open after the kill.
func (s *engineStream) killCurrent() {
	s.mu.Lock()
	proc := s.current
	s.mu.Unlock()
	if proc == nil {
		return
	}
	if proc.cmd.Process != nil {
		_ = proc.cmd.Process.Kill()
	}
	_ = proc.stdout.Close()
}

func (s *engineStream) run(proc *engineProcess) {
	defer close(s.done)
	defer close(s.out)

	for {
		err := s.consume(proc)
		if s.intentional() {
			return
		}
		if err != nil {
			s.fail(err)
			return
		}

		s.restarts++
		s.logger.Info("on-device recogniser ended on its own, restarting",
			slog.Int("restarts", s.restarts),
			slog.Duration("uptime", time.Since(s.started)),
		)
		if delay := s.engine.cfg.RestartDelay; delay > 0 {
			select {
			case <-time.After(delay):
			case <-s.abort:
				return
			case <-s.ctx.Done():
				return
			}
		}
		if s.intentional() {
			return
		}

		next, launchErr := s.launch()
		if errors.Is(launchErr, errStopped) {
			return
		}
		if launchErr != nil {
			s.fail(launchErr)
			return
		}
		proc = next
	}
}

func (s *engineStream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = fmt.Errorf("on-device recognition failed: %w", err)
	}
}

// consume forwards the process output and returns its exit error.
func (s *engineStream) consume(proc *engineProcess) error {
	scanner := bufio.NewScanner(proc.stdout)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		fragment, ok := parseLine(scanner.Bytes())
		if !ok {
			continue
		}
		select {
		case s.out <- fragment:
		case <-s.abort:
			// Keep draining so the process is not blocked on a full pipe.
		}
	}

	err := proc.cmd.Wait()
	if err != nil && proc.stderr.Len() > 0 {
		err = fmt.Errorf("%w: %s", err, strings.TrimSpace(proc.stderr.String()))
	}
	if err == nil && s.ctx.Err() != nil {
		return s.ctx.Err()
	}
	return err
}

type engineLine struct {
	Type    string  `json:"type"`
	Text    *string `json:"text"`
	Partial *string `json:"partial"`
}

func parseLine(line []byte) (domain.Fragment, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return domain.Fragment{}, false
	}

	var parsed engineLine
	if err := json.Unmarshal(line, &parsed); err != nil {
		return domain.Fragment{}, false
	}

	switch strings.ToLower(parsed.Type) {
	case "partial":
		return domain.Fragment{Kind: domain.FragmentKindPartial, Text: deref(parsed.Text)}, true
	case "final":
		return domain.Fragment{Kind: domain.FragmentKindFinal, Text: deref(parsed.Text)}, true
	}

	if parsed.Partial != nil {
		return domain.Fragment{Kind: domain.FragmentKindPartial, Text: strings.TrimSpace(*parsed.Partial)}, true
	}
	if parsed.Text != nil {
		return domain.Fragment{Kind: domain.FragmentKindFinal, Text: strings.TrimSpace(*parsed.Text)}, true
	}
	return domain.Fragment{}, false
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return strings.TrimSpace(*value)
}
