package stt

import (
	"context"
	"fmt"

	"github.com/geebot-labs/geebot-core/internal/audio"
)

type mockTranscriber struct{}

func NewMockTranscriber() Transcriber {
	return &mockTranscriber{}
}

func (m *mockTranscriber) Transcribe(_ context.Context, clip audio.Clip) (Transcript, error) {
	if len(clip.Data) == 0 {
		return Transcript{}, ErrNoSpeech
	}
	return Transcript{
		Text:       fmt.Sprintf("[transcript of %d bytes]", len(clip.Data)),
		Confidence: 0,
		Language:   "en-US",
	}, nil
}
