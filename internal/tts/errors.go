package tts

import (
	"errors"

	"github.com/loqalabs/voicereader/internal/audio"
	"github.com/loqalabs/voicereader/internal/voices"
)

var (
	ErrVoiceNotFound   = voices.ErrVoiceNotFound
	ErrModelFailure    = errors.New("model failure")
	ErrPipeFailure     = audio.ErrPipeFailure
	ErrPipeWrite       = audio.ErrPipeWrite
	ErrDeliveryFailure = errors.New("delivery failure")
	ErrConfiguration   = errors.New("configuration error")
	ErrRemoteStream    = errors.New("remote stream closed before terminal event")
	ErrEmptyText       = errors.New("text must not be empty")
)

// Wire codes carried by JOB_ERROR events and bus replies.
const (
	CodeVoiceNotFound = "VOICE_NOT_FOUND"
	CodeInference     = "INFERENCE_FAILED"
	CodePipe          = "PIPE_FAILED"
	CodeDelivery      = "DELIVERY_FAILED"
	CodeConfiguration = "CONFIGURATION_ERROR"
	CodeRemoteStream  = "REMOTE_STREAM_FAILED"
	CodeEmptyText     = "EMPTY_TEXT"
	CodeInternal      = "INTERNAL"
)

// ErrorCode classifies err into a wire code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrVoiceNotFound):
		return CodeVoiceNotFound
	case errors.Is(err, ErrModelFailure):
		return CodeInference
	case errors.Is(err, ErrPipeFailure):
		return CodePipe
	case errors.Is(err, ErrDeliveryFailure):
		return CodeDelivery
	case errors.Is(err, ErrConfiguration):
		return CodeConfiguration
	case errors.Is(err, ErrRemoteStream):
		return CodeRemoteStream
	case errors.Is(err, ErrEmptyText):
		return CodeEmptyText
	default:
		return CodeInternal
	}
}
