package domain

import "errors"

var (
	// ErrPrimaryUnavailable means the streaming service is not configured or refused a credential.
	ErrPrimaryUnavailable = errors.New("primary transcription service unavailable")
	// ErrMicrophoneUnavailable means audio capture could not be started.
	ErrMicrophoneUnavailable = errors.New("microphone unavailable")
	// ErrRecognitionUnsupported means the on-device engine cannot run here.
	ErrRecognitionUnsupported = errors.New("speech recognition not supported")
	ErrConnectionLost         = errors.New("connection lost, please try again")
	ErrUnexpectedClose        = errors.New("stream closed unexpectedly")
)
