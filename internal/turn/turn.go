package turn

import (
	"errors"
	"fmt"
	"time"

	"github.com/geebot-labs/geebot-core/internal/audio"
	"github.com/geebot-labs/geebot-core/internal/llm"
	"github.com/geebot-labs/geebot-core/internal/stt"
	"github.com/google/uuid"
)

// State is the pipeline position of a turn.
type State string

const (
	StateIdle            State = "idle"
	StateNormalizing     State = "normalizing"
	StateTranscribing    State = "transcribing"
	StateGenerating      State = "generating"
	StateSynthesizing    State = "synthesizing"
	StateComplete        State = "complete"
	StatePartialComplete State = "partial_complete"
	StateFailed          State = "failed"
)

// Terminal reports whether no transition may leave the state.
func (s State) Terminal() bool {
	switch s {
	case StateComplete, StatePartialComplete, StateFailed:
		return true
	}
	return false
}

var transitions = map[State][]State{
	StateIdle:         {StateNormalizing, StateGenerating},
	StateNormalizing:  {StateTranscribing},
	StateTranscribing: {StateGenerating},
	StateGenerating:   {StateSynthesizing},
	StateSynthesizing: {StateComplete, StatePartialComplete},
}

// FailureKind names the originating error class of a terminal turn.
type FailureKind string

const (
	FailureNone                 FailureKind = ""
	FailureUnsupportedFormat    FailureKind = "unsupported_format"
	FailureTranscode            FailureKind = "transcode"
	FailureNoSpeech             FailureKind = "no_speech"
	FailureTranscriptionService FailureKind = "transcription_service"
	FailureGenerationTimeout    FailureKind = "generation_timeout"
	FailureGenerationRefused    FailureKind = "generation_refused"
	FailureGenerationService    FailureKind = "generation_service"
	FailureSynthesisService     FailureKind = "synthesis_service"
	FailureCancelled            FailureKind = "cancelled"
)

// UserMessage is the non-technical summary shown to the user for a failure.
func (k FailureKind) UserMessage() string {
	switch k {
	case FailureUnsupportedFormat, FailureTranscode:
		return "We couldn't process that recording. Please try recording again."
	case FailureNoSpeech:
		return "We didn't hear anything. Please try speaking again."
	case FailureTranscriptionService:
		return "We couldn't understand the audio right now. Please try again in a moment."
	case FailureGenerationRefused:
		return "Sorry, I can't help with that request."
	case FailureGenerationTimeout, FailureGenerationService:
		return "Sorry, I'm having trouble answering right now. Please try again."
	case FailureSynthesisService:
		return "Audio playback is unavailable; here is the reply as text."
	case FailureCancelled:
		return "That turn was cancelled."
	}
	return ""
}

// Kind distinguishes spoken turns from typed ones.
type Kind string

const (
	KindVoice Kind = "voice"
	KindText  Kind = "text"
)

// Turn is the aggregate for one conversation cycle. Its artifact fields are
// populated strictly in pipeline order, enforced by the setters.
type Turn struct {
	ID        string
	SessionID string
	Kind      Kind
	StartedAt time.Time
	EndedAt   time.Time

	Input      *audio.Clip
	Normalized *audio.Clip
	Transcript *stt.Transcript
	Reply      *llm.Reply
	Audio      *audio.Clip

	Failure     FailureKind
	Err         error
	UserMessage string

	state State
}

// NewVoice starts a fresh turn for captured or uploaded audio.
func NewVoice(sessionID string, input audio.Clip) *Turn {
	return &Turn{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Kind:      KindVoice,
		StartedAt: time.Now().UTC(),
		Input:     &input,
		state:     StateIdle,
	}
}

// NewText starts a turn that enters the pipeline at the generation stage with
// typed input standing in for a transcript.
func NewText(sessionID, text string) *Turn {
	return &Turn{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Kind:       KindText,
		StartedAt:  time.Now().UTC(),
		Transcript: &stt.Transcript{Text: text},
		state:      StateIdle,
	}
}

func (t *Turn) State() State { return t.state }

// Advance moves the turn to the next pipeline state, rejecting transitions
// the state machine does not define.
func (t *Turn) Advance(next State) error {
	for _, allowed := range transitions[t.state] {
		if allowed == next {
			t.state = next
			if next.Terminal() {
				t.EndedAt = time.Now().UTC()
			}
			return nil
		}
	}
	return fmt.Errorf("illegal transition %s -> %s", t.state, next)
}

func (t *Turn) SetNormalized(clip audio.Clip) error {
	if t.state != StateNormalizing {
		return fmt.Errorf("normalized clip set in state %s", t.state)
	}
	t.Normalized = &clip
	return nil
}

func (t *Turn) SetTranscript(tr stt.Transcript) error {
	if t.state != StateTranscribing {
		return fmt.Errorf("transcript set in state %s", t.state)
	}
	if t.Normalized == nil {
		return errors.New("transcript set before normalized audio")
	}
	t.Transcript = &tr
	return nil
}

func (t *Turn) SetReply(r llm.Reply) error {
	if t.state != StateGenerating {
		return fmt.Errorf("reply set in state %s", t.state)
	}
	if t.Transcript == nil {
		return errors.New("reply set before transcript")
	}
	t.Reply = &r
	return nil
}

func (t *Turn) SetAudio(clip audio.Clip) error {
	if t.state != StateSynthesizing {
		return fmt.Errorf("synthesized audio set in state %s", t.state)
	}
	if t.Reply == nil {
		return errors.New("synthesized audio set before reply")
	}
	t.Audio = &clip
	return nil
}

// Fail terminates the turn with the originating failure kind. Legal from any
// non-terminal state.
func (t *Turn) Fail(kind FailureKind, err error) {
	if t.state.Terminal() {
		return
	}
	t.state = StateFailed
	t.EndedAt = time.Now().UTC()
	t.Failure = kind
	t.Err = err
	t.UserMessage = kind.UserMessage()
}

// Degrade terminates the turn text-only: the reply stands, the audio does not.
func (t *Turn) Degrade(err error) error {
	if t.Reply == nil {
		return errors.New("cannot degrade a turn without a reply")
	}
	if err2 := t.Advance(StatePartialComplete); err2 != nil {
		return err2
	}
	t.Failure = FailureSynthesisService
	t.Err = err
	t.UserMessage = FailureSynthesisService.UserMessage()
	return nil
}

// Release drops the turn's transient filesystem resources. Idempotent; called
// on every terminal path including cancellation.
func (t *Turn) Release() {
	t.Normalized.Release()
	t.Input.Release()
	t.Audio.Release()
}
