package speak

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

type execEngine struct {
	cmd []string
	mu  sync.Mutex
}

// NewExecEngine speaks through an external command (espeak-style). The
// command template may reference {text}, {voice}, {pitch} and {rate};
// unreferenced values are appended as trailing arguments.
func NewExecEngine(command string) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse speak command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("speak command empty")
	}
	return &execEngine{cmd: args}, nil
}

func (e *execEngine) Speak(ctx context.Context, text, voice string, pitch, rate float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	values := map[string]string{
		"{text}":  text,
		"{voice}": voice,
		"{pitch}": strconv.FormatFloat(pitch, 'f', 2, 64),
		"{rate}":  strconv.FormatFloat(rate, 'f', 2, 64),
	}
	args := make([]string, 0, len(e.cmd)+4)
	used := map[string]bool{}
	for _, a := range e.cmd {
		for key, v := range values {
			if strings.Contains(a, key) {
				a = strings.ReplaceAll(a, key, v)
				used[key] = true
			}
		}
		args = append(args, a)
	}
	if !used["{text}"] {
		args = append(args, text)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("speak command: %w", err)
	}
	return nil
}
