package audio

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// ApplyRate applies a speaker's playback-rate multiplier to a decoded buffer
// by resampling: declaring the input at rate*SampleRate and converting back
// to SampleRate shortens the buffer by the rate factor and shifts pitch with
// it, which is the intended pitch-proxy behavior. Rates within 1% of 1.0
// return the buffer unchanged.
func ApplyRate(buf *Buffer, rate float64) (*Buffer, error) {
	if buf == nil {
		return nil, fmt.Errorf("nil buffer")
	}
	if rate <= 0 {
		rate = 1
	}
	if rate > 0.99 && rate < 1.01 {
		return buf, nil
	}

	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(buf.SampleRate) * rate,
		OutputRate: float64(buf.SampleRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("create resampler: %w", err)
	}

	input := make([]float64, len(buf.Data))
	for i, f := range buf.Data {
		input[i] = float64(f)
	}
	output, err := rs.Process(input)
	if err != nil {
		return nil, fmt.Errorf("resample: %w", err)
	}

	data := make([]float32, len(output))
	for i, f := range output {
		data[i] = float32(f)
	}
	return &Buffer{Data: data, SampleRate: buf.SampleRate}, nil
}
