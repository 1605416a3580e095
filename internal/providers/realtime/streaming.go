package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"carenote/internal/audio"
	"carenote/internal/domain"
	"carenote/internal/locale"
	"carenote/internal/ports"
)

const (
	defaultBaseURL  = "wss://api.assemblyai.com"
	defaultEncoding = "pcm_s16le"

	messagePartial    = "PartialTranscript"
	messageFinal      = "FinalTranscript"
	messageBegins     = "SessionBegins"
	messageTerminated = "SessionTerminated"
)

var (
	terminateEnvelope = []byte(`{"terminate_session":true}`)
	errSendClosed     = errors.New("audio stream is already closed")
)

// Config controls the realtime websocket uplink.
type Config struct {
	BaseURL          string
	Encoding         string
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

// Provider implements ports.StreamingProvider for a token-authenticated realtime service.
type Provider struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger
}

func NewProvider(cfg Config) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Encoding == "" {
		cfg.Encoding = defaultEncoding
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger: logger.With(slog.String("component", "realtime")),
	}
}

func (p *Provider) StartStreaming(ctx context.Context, cfg ports.StreamingConfig) (ports.StreamingSession, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("realtime token is required")
	}

	wsURL, err := buildStreamURL(p.cfg, cfg)
	if err != nil {
		return nil, err
	}

	conn, _, err := p.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to realtime websocket: %w", err)
	}
	p.logger.Debug("realtime connected", slog.Int("sample_rate", cfg.SampleRate))

	session := &streamingSession{
		conn:      conn,
		logger:    p.logger,
		events:    make(chan domain.Fragment, 64),
		audio:     make(chan []byte, 32),
		closeSend: make(chan struct{}),
		abort:     make(chan struct{}),
		readDone:  make(chan struct{}),
		done:      make(chan struct{}),
	}

	session.wg.Add(2)
	go session.readLoop()
	go session.writeLoop()
	go func() {
		session.wg.Wait()
		close(session.events)
		close(session.done)
		_ = conn.Close()
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = session.Close()
		case <-session.done:
		}
	}()

	return session, nil
}

type streamingSession struct {
	conn   *websocket.Conn
	logger *slog.Logger

	events    chan domain.Fragment
	audio     chan []byte
	closeSend chan struct{}
	abort     chan struct{}
	readDone  chan struct{}
	done      chan struct{}

	wg sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeSendOnce sync.Once
	closeOnce     sync.Once
}

func (s *streamingSession) SendAudio(samples []float32) error {
	if len(samples) == 0 {
		return nil
	}

	if s.sendingClosed() {
		return errSendClosed
	}

	payload, err := encodeAudioEnvelope(samples)
	if err != nil {
		return err
	}
	select {
	case s.audio <- payload:
		return nil
	case <-s.closeSend:
		return errSendClosed
	case <-s.done:
		if err := s.waitErr(); err != nil {
			return err
		}
		return errors.New("session closed")
	}
}

// CloseSend stops the audio flow; the write loop then sends the termination envelope.
func (s *streamingSession) CloseSend() error {
	s.closeSendOnce.Do(func() {
		close(s.closeSend)
	})
	return nil
}

func (s *streamingSession) Events() <-chan domain.Fragment {
	return s.events
}

func (s *streamingSession) Wait() error {
	<-s.done
	return s.waitErr()
}

// Close drops the connection without a termination envelope.
func (s *streamingSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.abort)
		_ = s.conn.Close()
	})
	<-s.done
	return s.waitErr()
}

func (s *streamingSession) waitErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *streamingSession) setErr(err error) {
	if err == nil {
		return
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && websocket.IsCloseError(closeErr,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		if s.sendingClosed() {
			return
		}
		err = domain.ErrUnexpectedClose
	}

	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *streamingSession) sendingClosed() bool {
	select {
	case <-s.closeSend:
		return true
	default:
		return false
	}
}

func (s *streamingSession) aborted() bool {
	select {
	case <-s.abort:
		return true
	default:
		return false
	}
}

func (s *streamingSession) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.WriteMessage(websocket.TextMessage, chunk); err != nil {
				s.setErr(fmt.Errorf("failed to send audio: %w", err))
				return
			}
		case <-s.closeSend:
			s.flushAndTerminate()
			return
		case <-s.readDone:
			return
		case <-s.abort:
			return
		}
	}
}

// flushAndTerminate writes audio that was queued before CloseSend, then the
// termination envelope so the service can emit its last finals.
func (s *streamingSession) flushAndTerminate() {
	for {
		select {
		case chunk := <-s.audio:
			if s.aborted() {
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, chunk); err != nil {
				s.setErr(fmt.Errorf("failed to send audio: %w", err))
				return
			}
		default:
			if s.aborted() {
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, terminateEnvelope); err != nil {
				s.setErr(fmt.Errorf("failed to terminate session: %w", err))
			}
			return
		}
	}
}

func (s *streamingSession) readLoop() {
	defer s.wg.Done()
	defer close(s.readDone)

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if !s.aborted() {
				s.setErr(fmt.Errorf("failed to read realtime event: %w", err))
			}
			return
		}

		var message realtimeMessage
		if err := json.Unmarshal(payload, &message); err != nil {
			continue
		}

		if message.Error != "" {
			s.setErr(errors.New(message.Error))
			return
		}

		switch message.MessageType {
		case messageBegins:
			s.logger.Debug("realtime session began", slog.String("remote_session", message.SessionID))
		case messageTerminated:
			if !s.sendingClosed() {
				s.setErr(domain.ErrUnexpectedClose)
			}
			return
		case messagePartial, messageFinal:
			fragment, ok := classify(message)
			if !ok {
				continue
			}
			if !s.emit(fragment) {
				return
			}
		}
	}
}

func (s *streamingSession) emit(fragment domain.Fragment) bool {
	select {
	case s.events <- fragment:
		return true
	case <-s.abort:
		return false
	}
}

type realtimeMessage struct {
	MessageType string `json:"message_type"`
	Text        string `json:"text"`
	SessionID   string `json:"session_id"`
	Error       string `json:"error"`
}

// Empty finals still matter: they clear the interim suffix.
func classify(message realtimeMessage) (domain.Fragment, bool) {
	text := strings.TrimSpace(message.Text)
	switch message.MessageType {
	case messageFinal:
		return domain.Fragment{Kind: domain.FragmentKindFinal, Text: text}, true
	case messagePartial:
		return domain.Fragment{Kind: domain.FragmentKindPartial, Text: text}, true
	default:
		return domain.Fragment{}, false
	}
}

type audioEnvelope struct {
	AudioData string `json:"audio_data"`
}

func encodeAudioEnvelope(samples []float32) ([]byte, error) {
	payload, err := json.Marshal(audioEnvelope{
		AudioData: base64.StdEncoding.EncodeToString(audio.PCM16LE(samples)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode audio envelope: %w", err)
	}
	return payload, nil
}

func buildStreamURL(providerCfg Config, streamCfg ports.StreamingConfig) (string, error) {
	base := strings.TrimSpace(providerCfg.BaseURL)
	if base == "" {
		base = defaultBaseURL
	}

	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	base = strings.TrimRight(base, "/")

	streamURL, err := url.Parse(base + "/v2/realtime/ws")
	if err != nil {
		return "", fmt.Errorf("invalid realtime base URL: %w", err)
	}

	if streamCfg.SampleRate <= 0 {
		streamCfg.SampleRate = 16000
	}
	encoding := providerCfg.Encoding
	if encoding == "" {
		encoding = defaultEncoding
	}

	query := streamURL.Query()
	query.Set("sample_rate", strconv.Itoa(streamCfg.SampleRate))
	query.Set("encoding", encoding)
	query.Set("token", streamCfg.Token)
	if !locale.IsEnglish(streamCfg.Language) {
		query.Set("language_code", locale.Normalize(streamCfg.Language))
	}
	streamURL.RawQuery = query.Encode()
	return streamURL.String(), nil
}
