package dialogue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/parley-labs/parley-core/internal/script"
)

type execGenerator struct {
	cmd []string
	mu  sync.Mutex
}

type execGenRequest struct {
	Phase    string   `json:"phase"`
	Topic    string   `json:"topic"`
	History  []string `json:"history"`
	UserText string   `json:"user_text,omitempty"`
	Turns    int      `json:"turns"`
}

type execGenLine struct {
	Role    string `json:"role"`
	Text    string `json:"text"`
	Emotion string `json:"emotion,omitempty"`
}

// NewExecGenerator runs an external command per section. The command reads
// one JSON request on stdin and writes a JSON array of {role, text, emotion}
// objects on stdout.
func NewExecGenerator(command string) (Generator, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse dialogue command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("dialogue command empty")
	}
	return &execGenerator{cmd: args}, nil
}

func (e *execGenerator) Generate(ctx context.Context, req Request) ([]script.Line, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	payload, err := json.Marshal(execGenRequest{
		Phase:    req.Phase,
		Topic:    req.Topic,
		History:  req.History,
		UserText: req.UserText,
		Turns:    req.Turns,
	})
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("dialogue command: %w", err)
	}

	var raw []execGenLine
	if err := json.Unmarshal(bytes.TrimSpace(out), &raw); err != nil {
		return nil, fmt.Errorf("decode dialogue response: %w", err)
	}

	lines := make([]script.Line, 0, len(raw))
	for _, l := range raw {
		role := script.Role(l.Role)
		switch role {
		case script.RoleModerator, script.RoleCommentator:
		default:
			continue
		}
		if l.Text == "" {
			continue
		}
		lines = append(lines, script.NewLine(role, l.Text, l.Emotion))
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("generator produced no usable lines")
	}
	return lines, nil
}
