package tts

import (
	"context"
	"time"

	"github.com/geebot-labs/geebot-core/internal/audio"
)

type mockSynthesizer struct{}

func NewMockSynthesizer() Synthesizer {
	return &mockSynthesizer{}
}

func (m *mockSynthesizer) Synthesize(ctx context.Context, text string) (audio.Clip, error) {
	if text == "" {
		return audio.Clip{}, ErrEmptyReply
	}
	select {
	case <-ctx.Done():
		return audio.Clip{}, ctx.Err()
	case <-time.After(10 * time.Millisecond):
	}
	return audio.Clip{
		Data:   []byte("ID3 mock audio"),
		Format: audio.Format{Container: "mp3"},
	}, nil
}
