package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"carenote/internal/domain"
)

// EnvConfigFile names the optional YAML file layered under the environment.
const EnvConfigFile = "CARENOTE_CONFIG"

// Config stores runtime configuration for carenote.
type Config struct {
	Credentials CredentialsConfig `yaml:"credentials"`
	Realtime    RealtimeConfig    `yaml:"realtime"`
	OnDevice    OnDeviceConfig    `yaml:"ondevice"`
	Audio       AudioConfig       `yaml:"audio"`
	Session     SessionConfig     `yaml:"session"`
	Recording   RecordingConfig   `yaml:"recording"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
	Broker      BrokerConfig      `yaml:"broker"`
}

type CredentialsConfig struct {
	Endpoint     string `yaml:"endpoint"`
	SessionToken string `yaml:"session_token"`
	TimeoutMS    int    `yaml:"timeout_ms"`
}

type RealtimeConfig struct {
	BaseURL            string `yaml:"base_url"`
	Encoding           string `yaml:"encoding"`
	HandshakeTimeoutMS int    `yaml:"handshake_timeout_ms"`
}

type OnDeviceConfig struct {
	Command        string   `yaml:"command"`
	Args           []string `yaml:"args"`
	RestartDelayMS int      `yaml:"restart_delay_ms"`
}

type AudioConfig struct {
	RecorderCommand string `yaml:"recorder_command"`
	InputFormat     string `yaml:"input_format"`
	InputDevice     string `yaml:"input_device"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	ChunkSize       int    `yaml:"chunk_size"`
}

type SessionConfig struct {
	Language        string `yaml:"language"`
	MaxRetries      int    `yaml:"max_retries"`
	RetryBackoffMS  int    `yaml:"retry_backoff_ms"`
	ExhaustedPolicy string `yaml:"exhausted_policy"`
	StopGraceMS     int    `yaml:"stop_grace_ms"`
}

type RecordingConfig struct {
	Dir string `yaml:"dir"`
}

type MetricsConfig struct {
	Address string `yaml:"address"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

type BrokerConfig struct {
	Address         string `yaml:"address"`
	UpstreamURL     string `yaml:"upstream_url"`
	APIKey          string `yaml:"api_key"`
	JWTSecret       string `yaml:"jwt_secret"`
	TokenTTLSeconds int    `yaml:"token_ttl_seconds"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Credentials: CredentialsConfig{TimeoutMS: 10000},
		Realtime: RealtimeConfig{
			BaseURL:            "wss://api.assemblyai.com",
			Encoding:           "pcm_s16le",
			HandshakeTimeoutMS: 10000,
		},
		OnDevice: OnDeviceConfig{RestartDelayMS: 250},
		Audio: AudioConfig{
			RecorderCommand: "ffmpeg",
			InputFormat:     "pulse",
			InputDevice:     "default",
			SampleRate:      16000,
			Channels:        1,
			ChunkSize:       4096,
		},
		Session: SessionConfig{
			Language:        "en",
			MaxRetries:      3,
			RetryBackoffMS:  500,
			ExhaustedPolicy: string(domain.ExhaustedPolicyFail),
			StopGraceMS:     4000,
		},
		Logging: LoggingConfig{Level: "info", Format: "text", Output: "stderr"},
		Broker: BrokerConfig{
			Address:         ":8080",
			UpstreamURL:     "https://api.assemblyai.com",
			TokenTTLSeconds: 3600,
		},
	}
}

// Load resolves configuration from defaults, the optional YAML file named by
// CARENOTE_CONFIG and environment variables, in that order of precedence.
func Load() (Config, error) {
	cfg := Defaults()

	if path := strings.TrimSpace(os.Getenv(EnvConfigFile)); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)
	normalize(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Credentials.Endpoint = envOrDefault("CARENOTE_TOKEN_ENDPOINT", cfg.Credentials.Endpoint)
	cfg.Credentials.SessionToken = envOrDefault("CARENOTE_SESSION_TOKEN", cfg.Credentials.SessionToken)
	cfg.Credentials.TimeoutMS = envOrDefaultInt("CARENOTE_TOKEN_TIMEOUT_MS", cfg.Credentials.TimeoutMS)

	cfg.Realtime.BaseURL = envOrDefault("CARENOTE_REALTIME_URL", cfg.Realtime.BaseURL)
	cfg.Realtime.Encoding = envOrDefault("CARENOTE_REALTIME_ENCODING", cfg.Realtime.Encoding)

	cfg.OnDevice.Command = envOrDefault("CARENOTE_ONDEVICE_COMMAND", cfg.OnDevice.Command)
	if args := strings.Fields(os.Getenv("CARENOTE_ONDEVICE_ARGS")); len(args) > 0 {
		cfg.OnDevice.Args = args
	}
	cfg.OnDevice.RestartDelayMS = envOrDefaultInt("CARENOTE_ONDEVICE_RESTART_DELAY_MS", cfg.OnDevice.RestartDelayMS)

	cfg.Audio.RecorderCommand = envOrDefault("CARENOTE_FFMPEG_COMMAND", cfg.Audio.RecorderCommand)
	cfg.Audio.InputFormat = envOrDefault("CARENOTE_AUDIO_INPUT_FORMAT", cfg.Audio.InputFormat)
	cfg.Audio.InputDevice = firstNonEmpty(
		os.Getenv("CARENOTE_AUDIO_INPUT_DEVICE"),
		os.Getenv("PULSE_SOURCE"),
		cfg.Audio.InputDevice,
	)
	cfg.Audio.SampleRate = envOrDefaultInt("CARENOTE_SAMPLE_RATE", cfg.Audio.SampleRate)
	cfg.Audio.Channels = envOrDefaultInt("CARENOTE_CHANNELS", cfg.Audio.Channels)
	cfg.Audio.ChunkSize = envOrDefaultInt("CARENOTE_AUDIO_CHUNK_SIZE", cfg.Audio.ChunkSize)

	cfg.Session.Language = envOrDefault("CARENOTE_LANGUAGE", cfg.Session.Language)
	cfg.Session.MaxRetries = envOrDefaultInt("CARENOTE_MAX_RETRIES", cfg.Session.MaxRetries)
	cfg.Session.RetryBackoffMS = envOrDefaultInt("CARENOTE_RETRY_BACKOFF_MS", cfg.Session.RetryBackoffMS)
	cfg.Session.ExhaustedPolicy = envOrDefault("CARENOTE_EXHAUSTED_POLICY", cfg.Session.ExhaustedPolicy)
	cfg.Session.StopGraceMS = envOrDefaultInt("CARENOTE_STOP_GRACE_MS", cfg.Session.StopGraceMS)

	cfg.Recording.Dir = envOrDefault("CARENOTE_RECORDING_DIR", cfg.Recording.Dir)
	cfg.Metrics.Address = envOrDefault("CARENOTE_METRICS_ADDR", cfg.Metrics.Address)

	cfg.Logging.Level = envOrDefault("CARENOTE_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = envOrDefault("CARENOTE_LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.Output = envOrDefault("CARENOTE_LOG_OUTPUT", cfg.Logging.Output)

	cfg.Broker.Address = envOrDefault("CARENOTE_BROKER_ADDR", cfg.Broker.Address)
	cfg.Broker.UpstreamURL = envOrDefault("CARENOTE_BROKER_UPSTREAM", cfg.Broker.UpstreamURL)
	cfg.Broker.APIKey = envOrDefault("ASSEMBLYAI_API_KEY", cfg.Broker.APIKey)
	cfg.Broker.JWTSecret = envOrDefault("CARENOTE_BROKER_JWT_SECRET", cfg.Broker.JWTSecret)
	cfg.Broker.TokenTTLSeconds = envOrDefaultInt("CARENOTE_BROKER_TOKEN_TTL", cfg.Broker.TokenTTLSeconds)
}

// normalize replaces out-of-range numeric values with their defaults.
func normalize(cfg *Config) {
	defaults := Defaults()
	if cfg.Credentials.TimeoutMS <= 0 {
		cfg.Credentials.TimeoutMS = defaults.Credentials.TimeoutMS
	}
	if cfg.Realtime.HandshakeTimeoutMS <= 0 {
		cfg.Realtime.HandshakeTimeoutMS = defaults.Realtime.HandshakeTimeoutMS
	}
	if cfg.OnDevice.RestartDelayMS < 0 {
		cfg.OnDevice.RestartDelayMS = defaults.OnDevice.RestartDelayMS
	}
	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = defaults.Audio.SampleRate
	}
	if cfg.Audio.Channels <= 0 {
		cfg.Audio.Channels = defaults.Audio.Channels
	}
	if cfg.Audio.ChunkSize < 256 {
		cfg.Audio.ChunkSize = defaults.Audio.ChunkSize
	}
	if cfg.Session.MaxRetries < 0 {
		cfg.Session.MaxRetries = defaults.Session.MaxRetries
	}
	if cfg.Session.RetryBackoffMS < 0 {
		cfg.Session.RetryBackoffMS = defaults.Session.RetryBackoffMS
	}
	if cfg.Session.StopGraceMS <= 0 {
		cfg.Session.StopGraceMS = defaults.Session.StopGraceMS
	}
	if cfg.Broker.TokenTTLSeconds <= 0 {
		cfg.Broker.TokenTTLSeconds = defaults.Broker.TokenTTLSeconds
	}
	cfg.Session.ExhaustedPolicy = strings.ToLower(strings.TrimSpace(cfg.Session.ExhaustedPolicy))
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Logging.Format = strings.ToLower(strings.TrimSpace(cfg.Logging.Format))
}

// Validate rejects settings that cannot be defaulted.
func (c Config) Validate() error {
	switch domain.ExhaustedPolicy(c.Session.ExhaustedPolicy) {
	case domain.ExhaustedPolicyFail, domain.ExhaustedPolicyFallback:
	default:
		return fmt.Errorf("session.exhausted_policy must be %q or %q, got %q",
			domain.ExhaustedPolicyFail, domain.ExhaustedPolicyFallback, c.Session.ExhaustedPolicy)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	if strings.TrimSpace(c.Audio.RecorderCommand) == "" {
		return errors.New("audio.recorder_command cannot be empty")
	}
	return nil
}

// Validate validates logging configuration
func (l LoggingConfig) Validate() error {
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("level must be debug, info, warn or error, got %q", l.Level)
	}
	switch l.Format {
	case "text", "json":
	default:
		return fmt.Errorf("format must be text or json, got %q", l.Format)
	}
	return nil
}

func (c CredentialsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func (c RealtimeConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutMS) * time.Millisecond
}

func (c OnDeviceConfig) RestartDelay() time.Duration {
	return time.Duration(c.RestartDelayMS) * time.Millisecond
}

func (c SessionConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMS) * time.Millisecond
}

func (c SessionConfig) StopGrace() time.Duration {
	return time.Duration(c.StopGraceMS) * time.Millisecond
}

func (c BrokerConfig) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLSeconds) * time.Second
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrDefaultInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
