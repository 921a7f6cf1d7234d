package tts

import (
	"context"
	"math"
)

type mockSynth struct {
	sampleRate int
}

// NewMockSynth returns a synthesizer producing a short tone whose length
// tracks the text length, useful for development and tests.
func NewMockSynth(sampleRate int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate}
}

func (m *mockSynth) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if text == "" {
		return nil, nil
	}
	// 40ms per character, clamped to 4s.
	samples := len(text) * m.sampleRate * 40 / 1000
	if max := m.sampleRate * 4; samples > max {
		samples = max
	}
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		t := float64(i) / float64(m.sampleRate)
		v := 0.2 * math.Sin(2*math.Pi*220*t)
		s := int16(v * 32767)
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out, nil
}
