package ondevice

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"carenote/internal/domain"
	"carenote/internal/ports"
)

func TestEngineStartWithoutCommandIsUnsupported(t *testing.T) {
	t.Parallel()

	_, err := NewEngine(Config{}).Start(context.Background(), ports.PathConfig{})
	if !errors.Is(err, domain.ErrRecognitionUnsupported) {
		t.Fatalf("expected unsupported error, got %v", err)
	}
}

func TestEngineStartMissingBinaryIsUnsupported(t *testing.T) {
	t.Parallel()

	engine := NewEngine(Config{Command: filepath.Join(t.TempDir(), "nope")})
	_, err := engine.Start(context.Background(), ports.PathConfig{})
	if !errors.Is(err, domain.ErrRecognitionUnsupported) {
		t.Fatalf("expected unsupported error, got %v", err)
	}
}

func TestEngineUnknownLanguageUsesDefaultLocale(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "args.sh", "#!/usr/bin/env bash\necho \"{\\\"text\\\":\\\"$*\\\"}\"\nexec sleep 5\n")
	stream, err := NewEngine(Config{Command: script}).Start(context.Background(), ports.PathConfig{Language: "xx"})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer stream.Close(false)

	if f := recvFragment(t, stream.Fragments()); f.Text != "--locale en-US" {
		t.Fatalf("unexpected engine args: %q", f.Text)
	}
}

func TestEngineArgsSubstitutesPlaceholder(t *testing.T) {
	t.Parallel()

	got := strings.Join(engineArgs([]string{"--model", "m", "--lang={locale}"}, "zh-HK"), " ")
	if got != "--model m --lang=zh-HK" {
		t.Fatalf("unexpected args: %s", got)
	}
	got = strings.Join(engineArgs(nil, "ja-JP"), " ")
	if got != "--locale ja-JP" {
		t.Fatalf("unexpected default args: %s", got)
	}
}

func TestParseLine(t *testing.T) {
	t.Parallel()

	cases := []struct {
		line string
		kind domain.FragmentKind
		text string
		ok   bool
	}{
		{`{"partial":"hel"}`, domain.FragmentKindPartial, "hel", true},
		{`{"text":"hello"}`, domain.FragmentKindFinal, "hello", true},
		{`{"type":"partial","text":" a "}`, domain.FragmentKindPartial, "a", true},
		{`{"type":"final","text":"b"}`, domain.FragmentKindFinal, "b", true},
		{`LOG: model loaded`, "", "", false},
		{`{"result":[]}`, "", "", false},
		{`{broken`, "", "", false},
	}
	for _, tc := range cases {
		got, ok := parseLine([]byte(tc.line))
		if ok != tc.ok {
			t.Fatalf("%s: ok=%v want %v", tc.line, ok, tc.ok)
		}
		if ok && (got.Kind != tc.kind || got.Text != tc.text) {
			t.Fatalf("%s: unexpected fragment %+v", tc.line, got)
		}
	}
}

func TestEngineRestartsAfterSpontaneousEnd(t *testing.T) {
	t.Parallel()

	counter := filepath.Join(t.TempDir(), "runs")
	script := writeScript(t, "restart.sh", `#!/usr/bin/env bash
echo x >> "$1"
n=$(( $(wc -l < "$1") ))
echo "{\"text\":\"run $n\"}"
if [ "$n" -ge 3 ]; then exec sleep 5; fi
exit 0
`)

	stream, err := NewEngine(Config{Command: script, Args: []string{counter, "{locale}"}}).
		Start(context.Background(), ports.PathConfig{Language: "en"})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	for _, want := range []string{"run 1", "run 2", "run 3"} {
		if f := recvFragment(t, stream.Fragments()); f.Text != want {
			t.Fatalf("expected %q, got %+v", want, f)
		}
	}

	_ = stream.Close(false)
	drain(t, stream.Fragments())
	if err := stream.Err(); err != nil {
		t.Fatalf("expected no error after intentional close, got %v", err)
	}
}

func TestEngineDoesNotRestartWhenLatchIsSet(t *testing.T) {
	t.Parallel()

	counter := filepath.Join(t.TempDir(), "runs")
	script := writeScript(t, "once.sh", "#!/usr/bin/env bash\necho x >> \"$1\"\necho '{\"text\":\"only\"}'\nexit 0\n")

	stopping := func() bool { return true }
	stream, err := NewEngine(Config{Command: script, Args: []string{counter, "{locale}"}}).
		Start(context.Background(), ports.PathConfig{Stopping: stopping})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if f := recvFragment(t, stream.Fragments()); f.Text != "only" {
		t.Fatalf("unexpected fragment %+v", f)
	}
	drain(t, stream.Fragments())
	if stream.Err() != nil {
		t.Fatalf("expected clean end, got %v", stream.Err())
	}

	data, err := os.ReadFile(counter)
	if err != nil {
		t.Fatalf("read counter: %v", err)
	}
	if runs := strings.Count(string(data), "x"); runs != 1 {
		t.Fatalf("expected exactly one run, got %d", runs)
	}
}

func TestEngineLaunchAfterCloseStartsNothing(t *testing.T) {
	t.Parallel()

	marker := filepath.Join(t.TempDir(), "started")
	script := writeScript(t, "mark.sh", "#!/usr/bin/env bash\ntouch \"$1\"\nexec sleep 5\n")
	stream := &engineStream{
		engine: NewEngine(Config{Command: script}),
		ctx:    context.Background(),
		args:   []string{marker},
	}
	stream.stopping.Store(true)

	if _, err := stream.launch(); !errors.Is(err, errStopped) {
		t.Fatalf("expected stopped error, got %v", err)
	}
	if stream.current != nil {
		t.Fatalf("expected no current process after stop")
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Fatalf("expected recogniser not to start, stat err=%v", err)
	}
}

func TestEngineErrorExitEndsStreamWithError(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "fail.sh", "#!/usr/bin/env bash\necho 'audio device busy' 1>&2\nexit 3\n")
	stream, err := NewEngine(Config{Command: script}).Start(context.Background(), ports.PathConfig{})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	drain(t, stream.Fragments())
	if err := stream.Err(); err == nil || !strings.Contains(err.Error(), "audio device busy") {
		t.Fatalf("expected engine error with stderr, got %v", err)
	}
}

func TestEngineGracefulCloseDeliversLastResult(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "graceful.sh", `#!/usr/bin/env bash
trap 'echo "{\"text\":\"bye\"}"; exit 0' INT
echo '{"partial":"listening"}'
while true; do sleep 0.05; done
`)
	stream, err := NewEngine(Config{Command: script}).Start(context.Background(), ports.PathConfig{})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if f := recvFragment(t, stream.Fragments()); f.Kind != domain.FragmentKindPartial {
		t.Fatalf("unexpected first fragment %+v", f)
	}

	_ = stream.Close(true)

	var last domain.Fragment
	for f := range stream.Fragments() {
		last = f
	}
	if last.Kind != domain.FragmentKindFinal || last.Text != "bye" {
		t.Fatalf("expected flushed final, got %+v", last)
	}
	if stream.Err() != nil {
		t.Fatalf("expected no error, got %v", stream.Err())
	}
}

func writeScript(t *testing.T, name string, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o700); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}

func recvFragment(t *testing.T, events <-chan domain.Fragment) domain.Fragment {
	t.Helper()
	select {
	case f, ok := <-events:
		if !ok {
			t.Fatalf("fragments closed early")
		}
		return f
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for fragment")
	}
	return domain.Fragment{}
}

func drain(t *testing.T, events <-chan domain.Fragment) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatalf("fragments were not closed")
		}
	}
}
