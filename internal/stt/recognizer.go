package stt

import "context"

// TranscriptResult captures recognizer output for a user voice recording.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends used to transcribe user recordings.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate, channels int) (TranscriptResult, error)
}
