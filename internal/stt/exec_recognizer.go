package stt

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

type execRecognizer struct {
	cmd []string
	mu  sync.Mutex
}

type execRequest struct {
	PCMBase64  string `json:"pcm_base64"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// NewExecRecognizer runs an external transcription command per request.
func NewExecRecognizer(command string) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command empty")
	}
	return &execRecognizer{cmd: args}, nil
}

func (e *execRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate, channels int) (TranscriptResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	payload, err := json.Marshal(execRequest{
		PCMBase64:  base64.StdEncoding.EncodeToString(pcm),
		SampleRate: sampleRate,
		Channels:   channels,
	})
	if err != nil {
		return TranscriptResult{}, err
	}

	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = bytes.NewReader(payload)
	out, err := cmd.Output()
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("stt command: %w", err)
	}

	var resp execResponse
	if err := json.Unmarshal(bytes.TrimSpace(out), &resp); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	return TranscriptResult{Text: resp.Text, Confidence: resp.Confidence}, nil
}
