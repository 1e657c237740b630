package protocol

import "time"

// TurnState announces a pipeline state change for a turn.
type TurnState struct {
	SessionID string    `json:"session_id"`
	TurnID    string    `json:"turn_id"`
	State     string    `json:"state"`
	Failure   string    `json:"failure,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Transcript is the recognized user text broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	TurnID     string    `json:"turn_id"`
	Text       string    `json:"text"`
	Language   string    `json:"language,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Reply is the generated assistant text broadcast on the bus.
type Reply struct {
	SessionID string    `json:"session_id"`
	TurnID    string    `json:"turn_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// AudioReady announces that a synthesized reply clip is available.
type AudioReady struct {
	SessionID string    `json:"session_id"`
	TurnID    string    `json:"turn_id"`
	Container string    `json:"container"`
	Bytes     int       `json:"bytes"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTurnState  = "turn.state"
	SubjectTranscript = "turn.transcript"
	SubjectReply      = "turn.reply"
	SubjectAudioReady = "turn.audio"
)
