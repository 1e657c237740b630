package tts

import (
	"context"
	"errors"
	"fmt"

	"github.com/geebot-labs/geebot-core/internal/audio"
)

// Synthesizer converts reply text into a playable audio clip.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (audio.Clip, error)
}

// ErrEmptyReply guards the synthesizer against empty input. Unreachable when
// the generator holds its never-empty invariant, but guarded anyway.
var ErrEmptyReply = errors.New("empty reply text")

// ServiceError is a provider failure during synthesis. The pipeline degrades
// to a text-only turn instead of failing outright.
type ServiceError struct {
	Status string
	Err    error
}

func (e *ServiceError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("synthesis service error: %s", e.Status)
	}
	return fmt.Sprintf("synthesis service error: %v", e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }
