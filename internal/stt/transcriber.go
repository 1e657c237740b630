package stt

import (
	"context"
	"errors"
	"fmt"

	"github.com/geebot-labs/geebot-core/internal/audio"
)

// Transcript is the recognized text for one normalized clip.
type Transcript struct {
	Text       string
	Confidence float64
	Language   string
}

// Transcriber abstracts the speech recognition backend.
type Transcriber interface {
	Transcribe(ctx context.Context, clip audio.Clip) (Transcript, error)
}

// ErrNoSpeech reports an empty provider result. This is a user condition
// ("nothing heard"), not a transport failure.
var ErrNoSpeech = errors.New("no speech detected")

// ServiceError is a transport, quota or auth failure from the provider.
// Transient errors may be retried by the caller; the rest must not be.
type ServiceError struct {
	Code      string
	Transient bool
	Err       error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("transcription service error (%s): %v", e.Code, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }
