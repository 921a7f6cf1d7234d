package script

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role identifies who voices a line. The set is fixed for a session.
type Role string

const (
	RoleModerator   Role = "moderator"
	RoleCommentator Role = "commentator"
	RoleUser        Role = "user"
)

// Line is one utterance in the ordered script. Immutable once appended.
type Line struct {
	ID        string
	Role      Role
	Text      string
	Emotion   string
	CreatedAt time.Time
}

// NewLine mints a line with a fresh identity.
func NewLine(role Role, text, emotion string) Line {
	return Line{
		ID:        uuid.NewString(),
		Role:      role,
		Text:      text,
		Emotion:   emotion,
		CreatedAt: time.Now().UTC(),
	}
}

// Speaker is one participant. Created once at session start, read-only after.
type Speaker struct {
	ID      string
	Role    Role
	Name    string
	Avatar  string
	Voice   string
	Persona string
	// Rate is the playback-rate multiplier applied to this speaker's
	// decoded audio (pitch proxy). 1.0 is unchanged.
	Rate float64
}

// AudioStatus annotates how a line will be voiced at play time.
type AudioStatus string

const (
	AudioReady           AudioStatus = "ready"
	AudioNeedsGeneration AudioStatus = "needs-generation"
	AudioFallbackOnly    AudioStatus = "fallback-only"
)

// Script is the append-only ordered sequence of lines. Annotations are kept
// in side maps keyed by line ID; existing entries are never rewritten.
type Script struct {
	mu     sync.RWMutex
	lines  []Line
	status map[string]AudioStatus
}

func New() *Script {
	return &Script{status: make(map[string]AudioStatus)}
}

// Append adds lines to the end of the script.
func (s *Script) Append(lines ...Line) {
	s.mu.Lock()
	s.lines = append(s.lines, lines...)
	s.mu.Unlock()
}

// Lines returns a copy of the ordered script.
func (s *Script) Lines() []Line {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Line, len(s.lines))
	copy(out, s.lines)
	return out
}

// Line returns the line at index idx.
func (s *Script) Line(idx int) (Line, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if idx < 0 || idx >= len(s.lines) {
		return Line{}, false
	}
	return s.lines[idx], true
}

func (s *Script) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.lines)
}

// SetStatus records the audio status annotation for a line.
func (s *Script) SetStatus(lineID string, st AudioStatus) {
	s.mu.Lock()
	s.status[lineID] = st
	s.mu.Unlock()
}

func (s *Script) Status(lineID string) (AudioStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.status[lineID]
	return st, ok
}

// History renders the script as prompt history for the dialogue generator.
func (s *Script) History() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.lines))
	for _, l := range s.lines {
		out = append(out, strings.ToUpper(string(l.Role))+": "+l.Text)
	}
	return out
}

// Transcript renders the final "ROLE: text" transcript, newline-joined.
func (s *Script) Transcript() string {
	return strings.Join(s.History(), "\n")
}
