package speak

import "context"

// Engine is a locally available spoken-output backend used when network
// synthesis produced no audio for a line. Speak blocks until the utterance
// finishes. An error means the playback scheduler should fall back to its
// timed wait instead.
type Engine interface {
	Speak(ctx context.Context, text, voice string, pitch, rate float64) error
}
