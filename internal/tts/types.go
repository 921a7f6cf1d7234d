package tts

import "context"

// Synthesizer is the contract for producing speech audio for one line of
// text. A (nil, nil) return means the backend has no audio for this text
// and the caller should use the fallback voice; it is not an error.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
}
