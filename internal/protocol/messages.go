package protocol

import "time"

// PhaseChange announces a session state machine transition.
type PhaseChange struct {
	SessionID string    `json:"session_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// LineEvent announces a line appended to the script.
type LineEvent struct {
	SessionID string    `json:"session_id"`
	LineID    string    `json:"line_id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Emotion   string    `json:"emotion,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LoadingProgress reports synthesis batch progress during loading.
type LoadingProgress struct {
	SessionID string `json:"session_id"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	LineID    string `json:"line_id"`
}

// TurnEvent announces the start of a voiced turn.
type TurnEvent struct {
	SessionID string    `json:"session_id"`
	Index     int       `json:"index"`
	LineID    string    `json:"line_id"`
	Role      string    `json:"role"`
	Source    string    `json:"source"` // buffer, fallback, wait
	Timestamp time.Time `json:"timestamp"`
}

// SessionComplete announces the end of a performance.
type SessionComplete struct {
	SessionID     string    `json:"session_id"`
	Lines         int       `json:"lines"`
	RecordingPath string    `json:"recording_path,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

const (
	SubjectPhase           = "parley.phase"
	SubjectLineAppended    = "parley.line.appended"
	SubjectLoadingProgress = "parley.loading.progress"
	SubjectTurnStarted     = "parley.turn.started"
	SubjectSessionComplete = "parley.session.complete"
)
