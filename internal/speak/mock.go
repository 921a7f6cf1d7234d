package speak

import (
	"context"
	"time"
)

type mockEngine struct {
	perChar time.Duration
}

// NewMockEngine simulates spoken output by sleeping proportionally to the
// text length.
func NewMockEngine() Engine {
	return &mockEngine{perChar: 5 * time.Millisecond}
}

func (m *mockEngine) Speak(ctx context.Context, text, voice string, pitch, rate float64) error {
	d := time.Duration(len(text)) * m.perChar
	if rate > 0 {
		d = time.Duration(float64(d) / rate)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
