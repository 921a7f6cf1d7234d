package playback

import (
	"sync"

	"github.com/parley-labs/parley-core/internal/script"
)

// Snapshot is the full visual state of the stage at one instant. Consumers
// (the capture draw loop above all) must call Stage.Snapshot every frame
// rather than hold on to an old copy.
type Snapshot struct {
	Phase     string
	Countdown string
	TurnIndex int
	Speaker   script.Role
	LineText  string
	Progress  string
}

// Stage is the single-writer mutable slot the scheduler renders into.
// Only the session service and the scheduler write; anyone may read.
type Stage struct {
	mu  sync.RWMutex
	cur Snapshot
}

func NewStage() *Stage {
	return &Stage{cur: Snapshot{Phase: "setup", TurnIndex: -1}}
}

// Snapshot returns the current stage state by value.
func (s *Stage) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// SetPhase updates the phase label and clears turn-scoped fields.
func (s *Stage) SetPhase(phase string) {
	s.mu.Lock()
	s.cur.Phase = phase
	s.cur.Countdown = ""
	s.cur.TurnIndex = -1
	s.cur.Speaker = ""
	s.cur.LineText = ""
	s.mu.Unlock()
}

// SetProgress updates the loading progress caption.
func (s *Stage) SetProgress(progress string) {
	s.mu.Lock()
	s.cur.Progress = progress
	s.mu.Unlock()
}

// SetCountdown shows a countdown beat. An empty value hides it.
func (s *Stage) SetCountdown(beat string) {
	s.mu.Lock()
	s.cur.Countdown = beat
	s.mu.Unlock()
}

// SetTurn marks a line as the one being voiced right now.
func (s *Stage) SetTurn(index int, line script.Line) {
	s.mu.Lock()
	s.cur.Countdown = ""
	s.cur.TurnIndex = index
	s.cur.Speaker = line.Role
	s.cur.LineText = line.Text
	s.mu.Unlock()
}
