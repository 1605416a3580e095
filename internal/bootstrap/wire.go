package bootstrap

import (
	"io"
	"log/slog"

	"carenote/internal/audio"
	"carenote/internal/config"
	"carenote/internal/domain"
	"carenote/internal/logging"
	"carenote/internal/metrics"
	"carenote/internal/ports"
	"carenote/internal/providers/credentials"
	"carenote/internal/providers/ondevice"
	"carenote/internal/providers/realtime"
	"carenote/internal/recording"
	"carenote/internal/usecase"
)

// Services is the assembled runtime graph.
type Services struct {
	Controller *usecase.SessionController
	Config     config.Config
	Metrics    *metrics.Metrics
	Logger     *slog.Logger

	logCloser io.Closer
}

// Close releases resources held by the graph.
func (s Services) Close() error {
	if s.logCloser == nil {
		return nil
	}
	return s.logCloser.Close()
}

// Build loads configuration and wires all backend dependencies. language may
// be nil, in which case the configured session language is used.
func Build(eventSink ports.EventSink, language ports.LanguageSource) (Services, error) {
	cfg, err := config.Load()
	if err != nil {
		return Services{}, err
	}

	logger, closer := logging.New(cfg.Logging)
	services := Assemble(cfg, eventSink, language, logger)
	services.logCloser = closer
	return services, nil
}

// Assemble wires the runtime graph from an already loaded configuration.
func Assemble(cfg config.Config, eventSink ports.EventSink, language ports.LanguageSource, logger *slog.Logger) Services {
	if logger == nil {
		logger = slog.Default()
	}
	appMetrics := metrics.New()

	var recorder ports.Recorder
	if cfg.Recording.Dir != "" {
		recorder = recording.NewWAVRecorder(cfg.Recording.Dir)
	}

	primary := usecase.NewStreamingPath(
		audio.NewFFMPEGCapture(cfg.Audio.RecorderCommand),
		realtime.NewProvider(realtime.Config{
			BaseURL:          cfg.Realtime.BaseURL,
			Encoding:         cfg.Realtime.Encoding,
			HandshakeTimeout: cfg.Realtime.HandshakeTimeout(),
			Logger:           logger,
		}),
		recorder,
		usecase.StreamingPathConfig{
			Audio: ports.AudioConfig{
				SampleRate:  cfg.Audio.SampleRate,
				Channels:    cfg.Audio.Channels,
				InputFormat: cfg.Audio.InputFormat,
				InputDevice: cfg.Audio.InputDevice,
			},
			ChunkSize:    cfg.Audio.ChunkSize,
			FlushTimeout: cfg.Session.StopGrace(),
		},
		logger,
	)

	fallback := ondevice.NewEngine(ondevice.Config{
		Command:      cfg.OnDevice.Command,
		Args:         cfg.OnDevice.Args,
		RestartDelay: cfg.OnDevice.RestartDelay(),
		StopTimeout:  cfg.Session.StopGrace(),
		Logger:       logger,
	})

	controller := usecase.NewSessionController(
		credentials.NewClient(credentials.Config{
			Endpoint:     cfg.Credentials.Endpoint,
			SessionToken: cfg.Credentials.SessionToken,
			Timeout:      cfg.Credentials.Timeout(),
		}),
		primary,
		fallback,
		language,
		eventSink,
		appMetrics,
		logger,
		usecase.Config{
			SampleRate:      cfg.Audio.SampleRate,
			MaxRetries:      cfg.Session.MaxRetries,
			RetryBackoff:    cfg.Session.RetryBackoff(),
			ExhaustedPolicy: domain.ExhaustedPolicy(cfg.Session.ExhaustedPolicy),
			DefaultLanguage: cfg.Session.Language,
		},
	)

	return Services{
		Controller: controller,
		Config:     cfg,
		Metrics:    appMetrics,
		Logger:     logger,
	}
}
