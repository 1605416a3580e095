package realtime

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"carenote/internal/domain"
	"carenote/internal/ports"
)

func TestNewProviderDefaults(t *testing.T) {
	t.Parallel()

	p := NewProvider(Config{})
	if p.cfg.BaseURL != "wss://api.assemblyai.com" {
		t.Fatalf("unexpected base url: %q", p.cfg.BaseURL)
	}
	if p.cfg.Encoding != "pcm_s16le" {
		t.Fatalf("unexpected encoding: %q", p.cfg.Encoding)
	}
}

func TestProviderStartStreamingRequiresToken(t *testing.T) {
	t.Parallel()

	p := NewProvider(Config{})
	if _, err := p.StartStreaming(context.Background(), ports.StreamingConfig{}); err == nil {
		t.Fatalf("expected missing token error")
	}
}

func TestBuildStreamURLDefaults(t *testing.T) {
	t.Parallel()

	got, err := buildStreamURL(Config{BaseURL: "https://api.example.com/"}, ports.StreamingConfig{Token: "tok", Language: "en"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(got, "wss://api.example.com/v2/realtime/ws?") {
		t.Fatalf("unexpected ws url: %s", got)
	}
	for _, want := range []string{"sample_rate=16000", "encoding=pcm_s16le", "token=tok"} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %q in url: %s", want, got)
		}
	}
	if strings.Contains(got, "language_code") {
		t.Fatalf("did not expect language_code for english: %s", got)
	}
}

func TestBuildStreamURLWithLanguage(t *testing.T) {
	t.Parallel()

	got, err := buildStreamURL(Config{BaseURL: "http://localhost:9000"}, ports.StreamingConfig{Token: "t", SampleRate: 8000, Language: "ES"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(got, "ws://localhost:9000/v2/realtime/ws") {
		t.Fatalf("unexpected ws url: %s", got)
	}
	if !strings.Contains(got, "sample_rate=8000") || !strings.Contains(got, "language_code=es") {
		t.Fatalf("expected rate and language in url: %s", got)
	}
}

func TestBuildStreamURLInvalidBase(t *testing.T) {
	t.Parallel()

	if _, err := buildStreamURL(Config{BaseURL: ":// bad"}, ports.StreamingConfig{Token: "t"}); err == nil {
		t.Fatalf("expected invalid base url error")
	}
}

func TestEncodeAudioEnvelopeCarriesBase64PCM16(t *testing.T) {
	t.Parallel()

	payload, err := encodeAudioEnvelope([]float32{1.0, -1.0, 0.0})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	got := decodeEnvelopeSamples(t, payload)
	want := []int16{32767, -32767, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d: got %d want %d", i, got[i], want[i])
		}
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	final, ok := classify(realtimeMessage{MessageType: messageFinal, Text: " Hello "})
	if !ok || final.Kind != domain.FragmentKindFinal || final.Text != "Hello" {
		t.Fatalf("unexpected final classification: %+v", final)
	}
	partial, ok := classify(realtimeMessage{MessageType: messagePartial, Text: "Hel"})
	if !ok || partial.Kind != domain.FragmentKindPartial {
		t.Fatalf("unexpected partial classification: %+v", partial)
	}
	if _, ok := classify(realtimeMessage{MessageType: messageBegins}); ok {
		t.Fatalf("session begins must not become a fragment")
	}
}

func TestStreamingSessionRoundTripAndGracefulTerminate(t *testing.T) {
	t.Parallel()

	audioSeen := make(chan string, 4)
	terminated := make(chan struct{})
	tokens := make(chan string, 1)

	srv := newFakeRealtimeServer(t, func(r *http.Request, conn *websocket.Conn) {
		tokens <- r.URL.Query().Get("token")
		_ = conn.WriteJSON(map[string]string{"message_type": "SessionBegins", "session_id": "remote-1"})
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]any
			if err := json.Unmarshal(payload, &msg); err != nil {
				continue
			}
			if _, ok := msg["terminate_session"]; ok {
				_ = conn.WriteJSON(map[string]string{"message_type": "FinalTranscript", "text": "goodbye"})
				_ = conn.WriteJSON(map[string]string{"message_type": "SessionTerminated"})
				close(terminated)
				return
			}
			if data, ok := msg["audio_data"].(string); ok {
				audioSeen <- data
				_ = conn.WriteJSON(map[string]string{"message_type": "PartialTranscript", "text": "hel"})
				_ = conn.WriteJSON(map[string]string{"message_type": "FinalTranscript", "text": "hello"})
			}
		}
	})

	p := NewProvider(Config{BaseURL: srv.URL})
	session, err := p.StartStreaming(context.Background(), ports.StreamingConfig{SampleRate: 16000, Token: "secret"})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if got := <-tokens; got != "secret" {
		t.Fatalf("unexpected token on handshake: %q", got)
	}

	if err := session.SendAudio([]float32{1.0, -1.0, 0.0}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	select {
	case data := <-audioSeen:
		raw, err := base64.StdEncoding.DecodeString(data)
		if err != nil || len(raw) != 6 {
			t.Fatalf("unexpected audio payload: %q err=%v", data, err)
		}
		if v := int16(binary.LittleEndian.Uint16(raw[0:])); v != 32767 {
			t.Fatalf("unexpected first sample: %d", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server never received audio")
	}

	if f := recvFragment(t, session.Events()); f.Kind != domain.FragmentKindPartial || f.Text != "hel" {
		t.Fatalf("unexpected first fragment: %+v", f)
	}
	if f := recvFragment(t, session.Events()); f.Kind != domain.FragmentKindFinal || f.Text != "hello" {
		t.Fatalf("unexpected second fragment: %+v", f)
	}

	if err := session.CloseSend(); err != nil {
		t.Fatalf("close send failed: %v", err)
	}
	if f := recvFragment(t, session.Events()); f.Text != "goodbye" {
		t.Fatalf("expected flushed final, got %+v", f)
	}
	if err := session.Wait(); err != nil {
		t.Fatalf("expected clean termination, got %v", err)
	}
	select {
	case <-terminated:
	default:
		t.Fatalf("expected termination envelope to reach the server")
	}
	if err := session.SendAudio([]float32{0.1}); err == nil {
		t.Fatalf("expected send after close to fail")
	}
}

func TestStreamingSessionUnexpectedCloseIsFailure(t *testing.T) {
	t.Parallel()

	srv := newFakeRealtimeServer(t, func(_ *http.Request, conn *websocket.Conn) {
		_ = conn.WriteJSON(map[string]string{"message_type": "FinalTranscript", "text": "hi"})
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	session, err := NewProvider(Config{BaseURL: srv.URL}).StartStreaming(context.Background(), ports.StreamingConfig{Token: "t"})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if f := recvFragment(t, session.Events()); f.Text != "hi" {
		t.Fatalf("unexpected fragment: %+v", f)
	}
	if err := waitWithTimeout(t, session); !errors.Is(err, domain.ErrUnexpectedClose) {
		t.Fatalf("expected unexpected close, got %v", err)
	}
}

func TestStreamingSessionServerErrorIsFailure(t *testing.T) {
	t.Parallel()

	srv := newFakeRealtimeServer(t, func(_ *http.Request, conn *websocket.Conn) {
		_ = conn.WriteJSON(map[string]string{"error": "Invalid token"})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	session, err := NewProvider(Config{BaseURL: srv.URL}).StartStreaming(context.Background(), ports.StreamingConfig{Token: "t"})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	err = waitWithTimeout(t, session)
	if err == nil || err.Error() != "Invalid token" {
		t.Fatalf("expected server error, got %v", err)
	}
}

func TestStreamingSessionCloseSkipsTerminate(t *testing.T) {
	t.Parallel()

	received := make(chan string, 8)
	srv := newFakeRealtimeServer(t, func(_ *http.Request, conn *websocket.Conn) {
		defer close(received)
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- string(payload)
		}
	})

	session, err := NewProvider(Config{BaseURL: srv.URL}).StartStreaming(context.Background(), ports.StreamingConfig{Token: "t"})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := session.SendAudio([]float32{0.5}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatalf("server never received audio")
	}

	_ = session.Close()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case payload, ok := <-received:
			if !ok {
				return
			}
			if strings.Contains(payload, "terminate_session") {
				t.Fatalf("termination envelope must not be sent on abort")
			}
		case <-timeout:
			t.Fatalf("server connection was not closed")
		}
	}
}

func TestStreamingSessionContextCancelCloses(t *testing.T) {
	t.Parallel()

	srv := newFakeRealtimeServer(t, func(_ *http.Request, conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	session, err := NewProvider(Config{BaseURL: srv.URL}).StartStreaming(ctx, ports.StreamingConfig{Token: "t"})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	cancel()
	_ = waitWithTimeout(t, session)
}

func TestStreamingSessionSetErrIgnoresCloseAfterCloseSend(t *testing.T) {
	t.Parallel()

	s := &streamingSession{closeSend: make(chan struct{})}
	_ = s.CloseSend()
	s.setErr(&websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "closed"})
	if s.waitErr() != nil {
		t.Fatalf("expected close error after CloseSend to be ignored")
	}

	s.setErr(errors.New("boom"))
	if s.waitErr() == nil || s.waitErr().Error() != "boom" {
		t.Fatalf("expected non-close error to be captured")
	}
}

func TestStreamingSessionSetErrFirstWins(t *testing.T) {
	t.Parallel()

	s := &streamingSession{closeSend: make(chan struct{})}
	s.setErr(errors.New("first"))
	s.setErr(errors.New("second"))
	if s.waitErr() == nil || s.waitErr().Error() != "first" {
		t.Fatalf("expected first error to win")
	}
}

func TestStreamingSessionCloseSendIsIdempotent(t *testing.T) {
	t.Parallel()

	s := &streamingSession{closeSend: make(chan struct{})}
	if err := s.CloseSend(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.CloseSend(); err != nil {
		t.Fatalf("unexpected second error: %v", err)
	}
}

func newFakeRealtimeServer(t *testing.T, handler func(r *http.Request, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(r, conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func recvFragment(t *testing.T, events <-chan domain.Fragment) domain.Fragment {
	t.Helper()
	select {
	case f, ok := <-events:
		if !ok {
			t.Fatalf("events channel closed early")
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for fragment")
	}
	return domain.Fragment{}
}

func waitWithTimeout(t *testing.T, session ports.StreamingSession) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- session.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatalf("session did not finish")
	}
	return nil
}

func decodeEnvelopeSamples(t *testing.T, payload []byte) []int16 {
	t.Helper()
	var envelope audioEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		t.Fatalf("invalid envelope: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(envelope.AudioData)
	if err != nil {
		t.Fatalf("invalid base64: %v", err)
	}
	out := make([]int16, len(raw)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return out
}
