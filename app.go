package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"carenote/internal/bootstrap"
	"carenote/internal/domain"
	"carenote/internal/locale"
	"carenote/internal/metrics"
	"carenote/internal/usecase"
)

const (
	eventSession    = "carenote:session"
	eventTranscript = "carenote:transcript"
	eventFinal      = "carenote:final"
	eventError      = "carenote:error"
)

// App is the Wails application root.
type App struct {
	ctx context.Context

	controller    *usecase.SessionController
	services      bootstrap.Services
	metricsServer *metrics.Server
	bootErr       error
}

func NewApp() *App {
	return &App{}
}

func (a *App) startup(ctx context.Context) {
	a.ctx = ctx

	services, err := bootstrap.Build(a, systemLanguage{})
	if err != nil {
		a.bootErr = err
		a.SessionError(domain.ErrorCodeStartup, err.Error())
		return
	}

	a.services = services
	a.controller = services.Controller
	a.serveMetrics()
	a.SessionStateChanged(domain.SessionStateIdle, domain.SessionReasonStopped)
}

func (a *App) shutdown(ctx context.Context) {
	if a.controller != nil {
		a.controller.Stop(ctx)
	}
	if a.metricsServer != nil {
		_ = a.metricsServer.Shutdown(ctx)
	}
	_ = a.services.Close()
}

// serveMetrics exposes the session metrics when metrics.address is configured.
func (a *App) serveMetrics() {
	addr := a.services.Config.Metrics.Address
	if addr == "" || a.services.Metrics == nil {
		return
	}
	srv, err := a.services.Metrics.Listen(addr, a.services.Logger)
	if err != nil {
		a.SessionError(domain.ErrorCodeStartup, err.Error())
		return
	}
	a.metricsServer = srv
}

// StartListening begins a transcription session.
func (a *App) StartListening() (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	if err := a.controller.Start(a.ctx); err != nil {
		return a.controller.Status(), err
	}
	return a.controller.Status(), nil
}

// StopListening ends the session and returns its final status.
func (a *App) StopListening() domain.Status {
	if a.controller == nil {
		return a.GetStatus()
	}
	return a.controller.Stop(a.ctx)
}

// GetStatus returns the current session status.
func (a *App) GetStatus() domain.Status {
	if a.controller == nil {
		status := domain.Status{State: domain.SessionStateIdle, Mode: domain.SessionModeInactive}
		if a.bootErr != nil {
			status.Error = a.bootErr.Error()
		}
		return status
	}
	return a.controller.Status()
}

// GetRuntimeInfo returns non-sensitive config for the UI.
func (a *App) GetRuntimeInfo() map[string]string {
	if a.bootErr != nil {
		return map[string]string{"error": a.bootErr.Error()}
	}

	cfg := a.services.Config
	return map[string]string{
		"credentialEndpoint": cfg.Credentials.Endpoint,
		"onDeviceCommand":    cfg.OnDevice.Command,
		"language":           cfg.Session.Language,
		"maxRetries":         strconv.Itoa(cfg.Session.MaxRetries),
		"exhaustedPolicy":    cfg.Session.ExhaustedPolicy,
		"audioInput":         cfg.Audio.InputDevice,
		"audioInputFormat":   cfg.Audio.InputFormat,
		"recordingDir":       cfg.Recording.Dir,
		"metricsAddress":     cfg.Metrics.Address,
	}
}

func (a *App) requireReady() error {
	if a.bootErr != nil {
		return a.bootErr
	}
	if a.controller == nil {
		return fmt.Errorf("application is not initialized")
	}
	return nil
}

// SessionStateChanged emits session lifecycle updates to the frontend.
func (a *App) SessionStateChanged(state domain.SessionState, reason domain.SessionStateReason) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventSession, map[string]string{
		"state":   string(state),
		"reason":  string(reason),
		"message": sessionReasonMessage(reason),
	})
}

// TranscriptUpdated emits the live transcript.
func (a *App) TranscriptUpdated(text string) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventTranscript, map[string]string{"text": text})
}

// FinalTranscript emits the transcript of a finished session.
func (a *App) FinalTranscript(text string) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventFinal, map[string]string{"text": text})
}

// SessionError emits backend errors to the UI.
func (a *App) SessionError(code domain.ErrorCode, detail string) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventError, map[string]string{
		"code":    string(code),
		"message": errorMessage(code, detail),
		"detail":  detail,
	})
}

func sessionReasonMessage(reason domain.SessionStateReason) string {
	switch reason {
	case domain.SessionReasonAcquiring:
		return "Connecting..."
	case domain.SessionReasonListeningStarted:
		return "Listening"
	case domain.SessionReasonListeningRestarted:
		return "Listening; previous session ended"
	case domain.SessionReasonPrimaryUnavailable:
		return "Listening with on-device recognition"
	case domain.SessionReasonReconnecting:
		return "Connection dropped. Reconnecting..."
	case domain.SessionReasonReconnected:
		return "Reconnected"
	case domain.SessionReasonStopped:
		return "Stopped"
	case domain.SessionReasonConnectionLost:
		return "Connection lost"
	case domain.SessionReasonRecognitionFailed:
		return "Speech recognition failed"
	case domain.SessionReasonSetupFailed:
		return "Could not start listening"
	default:
		return ""
	}
}

func errorMessage(code domain.ErrorCode, detail string) string {
	switch code {
	case domain.ErrorCodeStartup:
		return "Startup failed"
	case domain.ErrorCodeSetup:
		return "Microphone or speech recognition unavailable"
	case domain.ErrorCodeConnectionLost:
		return "Connection lost, please try again"
	case domain.ErrorCodeRecognition:
		return "Speech recognition error"
	case domain.ErrorCodeAudioStop:
		return "Audio stop issue"
	default:
		if detail == "" {
			return "Unknown error"
		}
		return detail
	}
}

// systemLanguage reads the user's language from the process locale.
type systemLanguage struct{}

func (systemLanguage) InputLanguage(_ context.Context) string {
	for _, key := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		if code := languageFromLocale(os.Getenv(key)); code != "" {
			return code
		}
	}
	return ""
}

// languageFromLocale turns a POSIX locale such as "es_MX.UTF-8" into "es".
func languageFromLocale(value string) string {
	value = strings.TrimSpace(value)
	if value == "" || value == "C" || value == "POSIX" {
		return ""
	}
	if i := strings.IndexAny(value, "_.@-"); i >= 0 {
		value = value[:i]
	}
	return locale.Normalize(value)
}
