package audio

import (
	"context"
	"errors"
	"runtime"
)

// SampleRate is the fixed rate of every decoded buffer. Synthesis
// collaborators produce 24 kHz mono PCM16 and playback assumes the same.
const SampleRate = 24000

// decodeChunkSamples bounds how many samples are converted per slice before
// the decode loop yields, so a long line never starves other goroutines.
const decodeChunkSamples = 1 << 16

// Buffer is a decoded, directly playable audio buffer.
type Buffer struct {
	Data       []float32
	SampleRate int
}

// Duration returns the buffer length in seconds.
func (b *Buffer) Duration() float64 {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return float64(len(b.Data)) / float64(b.SampleRate)
}

var errEmptyPCM = errors.New("empty pcm buffer")

// Decode converts little-endian signed 16-bit mono PCM into a playable
// buffer. An odd trailing byte is discarded. Inputs above the chunk
// threshold are converted in slices with a scheduler yield between them.
func Decode(raw []byte) (*Buffer, error) {
	return DecodeCtx(context.Background(), raw)
}

// DecodeCtx is Decode with cancellation honored at slice boundaries.
func DecodeCtx(ctx context.Context, raw []byte) (*Buffer, error) {
	n := len(raw) / 2
	if n == 0 {
		return nil, errEmptyPCM
	}

	data := make([]float32, n)
	for start := 0; start < n; start += decodeChunkSamples {
		end := start + decodeChunkSamples
		if end > n {
			end = n
		}
		for i := start; i < end; i++ {
			s := int16(raw[2*i]) | int16(raw[2*i+1])<<8
			data[i] = float32(s) / 32768
		}
		if end < n {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
			runtime.Gosched()
		}
	}
	return &Buffer{Data: data, SampleRate: SampleRate}, nil
}

// EncodePCM16 converts a float buffer back to little-endian int16 bytes.
// Samples outside [-1, 1] are clipped.
func EncodePCM16(data []float32) []byte {
	out := make([]byte, len(data)*2)
	for i, f := range data {
		if f > 1 {
			f = 1
		} else if f < -1 {
			f = -1
		}
		s := int16(f * 32767)
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}
