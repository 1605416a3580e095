package domain

// SessionState models the transcription session lifecycle.
type SessionState string

const (
	SessionStateIdle           SessionState = "idle"
	SessionStateAcquiring      SessionState = "acquiring"
	SessionStatePrimaryActive  SessionState = "primary_active"
	SessionStateReconnecting   SessionState = "reconnecting"
	SessionStateFallbackActive SessionState = "fallback_active"
)

// SessionMode reports which recognition path is feeding the transcript.
type SessionMode string

const (
	SessionModeInactive SessionMode = "inactive"
	SessionModePrimary  SessionMode = "primary"
	SessionModeFallback SessionMode = "fallback"
)

// SessionStateReason provides a structured reason for state transitions.
type SessionStateReason string

const (
	SessionReasonAcquiring          SessionStateReason = "acquiring_credential"
	SessionReasonListeningStarted   SessionStateReason = "listening_started"
	SessionReasonListeningRestarted SessionStateReason = "listening_restarted"
	SessionReasonPrimaryUnavailable SessionStateReason = "primary_unavailable"
	SessionReasonReconnecting       SessionStateReason = "reconnecting"
	SessionReasonReconnected        SessionStateReason = "reconnected"
	SessionReasonRetriesExhausted   SessionStateReason = "retries_exhausted"
	SessionReasonStopped            SessionStateReason = "stopped"
	SessionReasonConnectionLost     SessionStateReason = "connection_lost"
	SessionReasonRecognitionFailed  SessionStateReason = "recognition_failed"
	SessionReasonSetupFailed        SessionStateReason = "setup_failed"
)

// ErrorCode identifies user-facing failures.
type ErrorCode string

const (
	ErrorCodeStartup        ErrorCode = "startup"
	ErrorCodeSetup          ErrorCode = "setup"
	ErrorCodeConnectionLost ErrorCode = "connection_lost"
	ErrorCodeRecognition    ErrorCode = "recognition"
	ErrorCodeAudioStop      ErrorCode = "audio_stop"
)

// FragmentKind identifies whether recognised text is provisional or committed.
type FragmentKind string

const (
	FragmentKindPartial FragmentKind = "partial"
	FragmentKindFinal   FragmentKind = "final"
)

// Fragment is a unit of recognised speech from either recognition path.
type Fragment struct {
	Kind FragmentKind `json:"kind"`
	Text string       `json:"text"`
}

// ExhaustedPolicy decides what happens once the primary path runs out of retries.
type ExhaustedPolicy string

const (
	ExhaustedPolicyFail     ExhaustedPolicy = "fail"
	ExhaustedPolicyFallback ExhaustedPolicy = "fallback"
)

// Status summarizes the consumer-visible session state.
type Status struct {
	SessionID  string       `json:"sessionId,omitempty"`
	State      SessionState `json:"state"`
	Mode       SessionMode  `json:"mode"`
	Listening  bool         `json:"listening"`
	Transcript string       `json:"transcript"`
	Error      string       `json:"error,omitempty"`
	RetryCount int          `json:"retryCount"`
	Language   string       `json:"language,omitempty"`
}
