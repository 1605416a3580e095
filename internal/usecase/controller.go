package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"carenote/internal/domain"
	"carenote/internal/locale"
	"carenote/internal/ports"
)

// Config controls session failover behavior.
type Config struct {
	SampleRate      int
	MaxRetries      int
	RetryBackoff    time.Duration
	ExhaustedPolicy domain.ExhaustedPolicy
	DefaultLanguage string
}

// SessionController runs one transcription session at a time. It prefers the
// primary streaming path, reconnects it a bounded number of times and falls
// back to on-device recognition when the primary is unavailable.
type SessionController struct {
	credentials ports.CredentialSource
	primary     ports.RecognitionPath
	fallback    ports.RecognitionPath
	language    ports.LanguageSource
	events      ports.EventSink
	metrics     ports.Metrics
	logger      *slog.Logger
	cfg         Config

	mu      sync.Mutex
	current *activeSession
	last    domain.Status
}

func NewSessionController(
	credentials ports.CredentialSource,
	primary ports.RecognitionPath,
	fallback ports.RecognitionPath,
	language ports.LanguageSource,
	events ports.EventSink,
	metrics ports.Metrics,
	logger *slog.Logger,
	cfg Config,
) *SessionController {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.ExhaustedPolicy == "" {
		cfg.ExhaustedPolicy = domain.ExhaustedPolicyFail
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionController{
		credentials: credentials,
		primary:     primary,
		fallback:    fallback,
		language:    language,
		events:      events,
		metrics:     metrics,
		logger:      logger.With(slog.String("component", "session")),
		cfg:         cfg,
		last:        idleStatus(),
	}
}

// Start begins a new transcription session. An active session is stopped first.
// The returned error is non-nil only when neither path could be set up.
func (c *SessionController) Start(ctx context.Context) error {
	c.mu.Lock()
	previous := c.current
	c.current = nil
	c.mu.Unlock()

	if previous != nil {
		c.shutdown(previous)
	}

	session := c.newSession(ctx)
	c.mu.Lock()
	c.current = session
	c.mu.Unlock()

	c.metrics.SessionStarted()
	session.logger.Info("session starting")
	c.transition(session, domain.SessionStateAcquiring, domain.SessionModeInactive, domain.SessionReasonAcquiring)

	stream, mode, reason, err := c.connect(session)
	if err != nil {
		defer close(session.done)
		if session.isStopping() {
			return nil
		}
		session.logger.Error("session setup failed", slog.Any("err", err))
		c.metrics.SessionFailed(domain.ErrorCodeSetup)
		c.events.SessionError(domain.ErrorCodeSetup, err.Error())
		c.finish(session, domain.SessionReasonSetupFailed, err.Error())
		return err
	}

	state := domain.SessionStatePrimaryActive
	if mode == domain.SessionModeFallback {
		state = domain.SessionStateFallbackActive
	}
	if !session.install(stream, mode, state) {
		_ = stream.Close(false)
		close(session.done)
		return nil
	}

	if previous != nil && mode == domain.SessionModePrimary {
		reason = domain.SessionReasonListeningRestarted
	}
	c.metrics.PathActivated(mode)
	c.events.SessionStateChanged(state, reason)

	go c.supervise(session, stream)
	return nil
}

// Stop ends the active session. Recovery is suppressed from this point on and
// the active path is given a chance to flush trailing results before Stop returns.
func (c *SessionController) Stop(_ context.Context) domain.Status {
	c.mu.Lock()
	session := c.current
	c.mu.Unlock()

	if session != nil {
		c.shutdown(session)
	}
	return c.Status()
}

// Status returns the live session status, or the outcome of the last session.
func (c *SessionController) Status() domain.Status {
	c.mu.Lock()
	session := c.current
	last := c.last
	c.mu.Unlock()

	if session == nil {
		return last
	}
	return session.status()
}

// Transcript returns the current or last session transcript.
func (c *SessionController) Transcript() string {
	return c.Status().Transcript
}

func (c *SessionController) newSession(ctx context.Context) *activeSession {
	id := uuid.NewString()
	language := c.cfg.DefaultLanguage
	if c.language != nil {
		if code := strings.TrimSpace(c.language.InputLanguage(ctx)); code != "" {
			language = code
		}
	}
	language = locale.Normalize(language)

	sessionCtx, cancel := context.WithCancel(ctx)
	return &activeSession{
		id:          id,
		language:    language,
		startedAt:   time.Now(),
		ctx:         sessionCtx,
		cancel:      cancel,
		logger:      c.logger.With(slog.String("session_id", id), slog.String("language", language)),
		state:       domain.SessionStateIdle,
		mode:        domain.SessionModeInactive,
		accumulator: newTranscriptAccumulator(),
		done:        make(chan struct{}),
	}
}

func (c *SessionController) pathConfig(session *activeSession, token string) ports.PathConfig {
	return ports.PathConfig{
		SessionID:  session.id,
		Language:   session.language,
		SampleRate: c.cfg.SampleRate,
		Token:      token,
		Stopping:   session.isStopping,
	}
}

// connect activates the first path of a session. Credential failures of any
// kind and primary connection failures fall back to on-device recognition.
// A microphone failure is terminal.
func (c *SessionController) connect(session *activeSession) (ports.RecognitionStream, domain.SessionMode, domain.SessionStateReason, error) {
	token, err := c.credentials.Token(session.ctx)
	if err == nil {
		stream, startErr := c.primary.Start(session.ctx, c.pathConfig(session, token))
		if startErr == nil {
			return stream, domain.SessionModePrimary, domain.SessionReasonListeningStarted, nil
		}
		if errors.Is(startErr, domain.ErrMicrophoneUnavailable) || session.isStopping() {
			return nil, "", "", startErr
		}
		session.logger.Warn("primary path failed to start, using on-device recognition", slog.Any("err", startErr))
	} else {
		if session.isStopping() {
			return nil, "", "", err
		}
		if errors.Is(err, domain.ErrPrimaryUnavailable) {
			session.logger.Info("primary path unavailable, using on-device recognition", slog.Any("err", err))
		} else {
			session.logger.Warn("credential request failed, using on-device recognition", slog.Any("err", err))
		}
	}

	stream, err := c.fallback.Start(session.ctx, c.pathConfig(session, ""))
	if err != nil {
		return nil, "", "", err
	}
	return stream, domain.SessionModeFallback, domain.SessionReasonPrimaryUnavailable, nil
}

// supervise consumes stream and every path that replaces it. It is the only
// reader of the live path, including while a graceful close flushes it.
func (c *SessionController) supervise(session *activeSession, stream ports.RecognitionStream) {
	defer close(session.done)

	for stream != nil {
		for fragment := range stream.Fragments() {
			c.metrics.FragmentReceived(fragment.Kind)
			if text, changed := session.accumulator.Add(fragment); changed {
				c.events.TranscriptUpdated(text)
			}
		}
		if session.isStopping() {
			return
		}

		cause := stream.Err()
		session.detach(stream)
		if err := stream.Close(false); err != nil {
			session.logger.Debug("failed path did not close cleanly", slog.Any("err", err))
		}
		if session.isStopping() {
			return
		}
		c.resetInterim(session)

		if session.getMode() != domain.SessionModePrimary {
			if cause == nil {
				cause = domain.ErrUnexpectedClose
			}
			c.fail(session, domain.ErrorCodeRecognition, domain.SessionReasonRecognitionFailed, cause)
			return
		}
		stream = c.recoverPrimary(session, cause)
	}
}

// recoverPrimary reconnects the primary path until it succeeds, the retry
// budget is spent or the session is stopped. It returns the new live path, or nil.
func (c *SessionController) recoverPrimary(session *activeSession, cause error) ports.RecognitionStream {
	if cause == nil {
		cause = domain.ErrUnexpectedClose
	}
	session.logger.Warn("primary path failed", slog.Any("err", cause), slog.Int("retry_count", session.retries()))

	for {
		if session.isStopping() {
			return nil
		}
		if session.retries() >= c.cfg.MaxRetries {
			return c.exhausted(session, cause)
		}

		attempt := session.incrementRetry()
		c.metrics.ReconnectAttempted()
		c.transition(session, domain.SessionStateReconnecting, domain.SessionModePrimary, domain.SessionReasonReconnecting)
		if !sleepContext(session.ctx, c.cfg.RetryBackoff*time.Duration(attempt)) || session.isStopping() {
			return nil
		}

		token, err := c.credentials.Token(session.ctx)
		if err != nil {
			if session.isStopping() {
				return nil
			}
			if errors.Is(err, domain.ErrPrimaryUnavailable) {
				session.logger.Info("primary path no longer available", slog.Any("err", err))
				return c.switchToFallback(session)
			}
			session.logger.Warn("reconnect credential failed", slog.Int("attempt", attempt), slog.Any("err", err))
			cause = err
			continue
		}

		stream, err := c.primary.Start(session.ctx, c.pathConfig(session, token))
		if err != nil {
			if session.isStopping() {
				return nil
			}
			session.logger.Warn("reconnect failed", slog.Int("attempt", attempt), slog.Any("err", err))
			cause = err
			continue
		}

		if !session.install(stream, domain.SessionModePrimary, domain.SessionStatePrimaryActive) {
			_ = stream.Close(false)
			return nil
		}
		session.logger.Info("primary path reconnected", slog.Int("attempt", attempt))
		c.metrics.PathActivated(domain.SessionModePrimary)
		c.events.SessionStateChanged(domain.SessionStatePrimaryActive, domain.SessionReasonReconnected)
		return stream
	}
}

func (c *SessionController) exhausted(session *activeSession, cause error) ports.RecognitionStream {
	if c.cfg.ExhaustedPolicy == domain.ExhaustedPolicyFallback {
		session.logger.Warn("primary retries exhausted, using on-device recognition", slog.Any("err", cause))
		return c.switchToFallback(session)
	}
	c.fail(session, domain.ErrorCodeConnectionLost, domain.SessionReasonConnectionLost,
		fmt.Errorf("%w: %v", domain.ErrConnectionLost, cause))
	return nil
}

func (c *SessionController) switchToFallback(session *activeSession) ports.RecognitionStream {
	stream, err := c.fallback.Start(session.ctx, c.pathConfig(session, ""))
	if err != nil {
		if session.isStopping() {
			return nil
		}
		c.fail(session, domain.ErrorCodeRecognition, domain.SessionReasonRecognitionFailed, err)
		return nil
	}
	if !session.install(stream, domain.SessionModeFallback, domain.SessionStateFallbackActive) {
		_ = stream.Close(false)
		return nil
	}
	c.metrics.PathActivated(domain.SessionModeFallback)
	c.events.SessionStateChanged(domain.SessionStateFallbackActive, domain.SessionReasonPrimaryUnavailable)
	return stream
}

func (c *SessionController) resetInterim(session *activeSession) {
	if session.accumulator.ResetInterim() {
		c.events.TranscriptUpdated(session.accumulator.Text())
	}
}

func (c *SessionController) transition(session *activeSession, state domain.SessionState, mode domain.SessionMode, reason domain.SessionStateReason) {
	session.setState(state, mode)
	c.events.SessionStateChanged(state, reason)
}

// fail ends the session with a user-visible error unless it is being stopped.
func (c *SessionController) fail(session *activeSession, code domain.ErrorCode, reason domain.SessionStateReason, err error) {
	if session.isStopping() {
		return
	}
	message := userMessage(code, err)
	session.logger.Error("session failed", slog.String("code", string(code)), slog.Any("err", err))
	c.metrics.SessionFailed(code)
	c.events.SessionError(code, message)
	c.finish(session, reason, message)
}

func userMessage(code domain.ErrorCode, err error) string {
	if code == domain.ErrorCodeConnectionLost {
		return domain.ErrConnectionLost.Error()
	}
	return err.Error()
}

// shutdown performs an intentional stop and waits for the session to wind down.
func (c *SessionController) shutdown(session *activeSession) {
	stream := session.requestStop()
	if stream != nil {
		if err := stream.Close(true); err != nil {
			session.logger.Warn("recognition path did not stop cleanly", slog.Any("err", err))
			c.events.SessionError(domain.ErrorCodeAudioStop, err.Error())
		}
	}
	session.cancel()
	<-session.done
	c.finish(session, domain.SessionReasonStopped, "")
}

func (c *SessionController) finish(session *activeSession, reason domain.SessionStateReason, errMessage string) {
	session.finishOnce.Do(func() {
		session.cancel()
		session.setState(domain.SessionStateIdle, domain.SessionModeInactive)

		status := session.status()
		status.Listening = false
		status.Error = errMessage

		c.mu.Lock()
		if c.current == session {
			c.current = nil
		}
		c.last = status
		c.mu.Unlock()

		duration := time.Since(session.startedAt)
		c.metrics.SessionEnded(duration)
		session.logger.Info("session ended",
			slog.String("reason", string(reason)),
			slog.Duration("duration", duration),
			slog.Int("retry_count", status.RetryCount),
		)

		if strings.TrimSpace(status.Transcript) != "" {
			c.events.FinalTranscript(status.Transcript)
		}
		c.events.SessionStateChanged(domain.SessionStateIdle, reason)
	})
}

func idleStatus() domain.Status {
	return domain.Status{State: domain.SessionStateIdle, Mode: domain.SessionModeInactive}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

type nopMetrics struct{}

func (nopMetrics) SessionStarted() {}
func (nopMetrics) PathActivated(domain.SessionMode) {}
func (nopMetrics) ReconnectAttempted() {}
func (nopMetrics) SessionFailed(domain.ErrorCode) {}
func (nopMetrics) FragmentReceived(domain.FragmentKind) {}
func (nopMetrics) SessionEnded(time.Duration) {}
