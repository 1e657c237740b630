package audio

import (
	"context"
	"time"
)

type mockNormalizer struct {
	sampleRate int
	channels   int
}

// NewMockNormalizer returns clips already in the canonical layout without
// touching the filesystem.
func NewMockNormalizer(sampleRate, channels int) Normalizer {
	return &mockNormalizer{sampleRate: sampleRate, channels: channels}
}

func (m *mockNormalizer) Normalize(ctx context.Context, clip Clip) (Clip, error) {
	if !Supported(clip.Format.Container) {
		return Clip{}, ErrUnsupportedFormat
	}
	if len(clip.Data) == 0 {
		return Clip{}, ErrNoAudio
	}
	select {
	case <-ctx.Done():
		return Clip{}, &TranscodeError{Err: ctx.Err()}
	default:
	}
	return Clip{
		Data: clip.Data,
		Format: Format{
			Container:  "wav",
			SampleRate: m.sampleRate,
			Channels:   m.channels,
			Duration:   time.Duration(len(clip.Data)/2) * time.Second / time.Duration(m.sampleRate*m.channels),
		},
	}, nil
}
