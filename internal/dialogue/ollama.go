package dialogue

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/parley-labs/parley-core/internal/script"
)

type ollamaGenerator struct {
	endpoint    string
	model       string
	maxTokens   int
	temperature float64
}

// NewOllamaGenerator writes script sections through a local Ollama server.
// The model is prompted to emit one "ROLE: text" line per turn; output is
// parsed back into speaker-tagged lines.
func NewOllamaGenerator(endpoint, model string, maxTokens int, temperature float64) Generator {
	return &ollamaGenerator{
		endpoint:    endpoint,
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
	}
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaStreamResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (g *ollamaGenerator) Generate(ctx context.Context, req Request) ([]script.Line, error) {
	payload := ollamaRequest{
		Model:  g.model,
		Prompt: g.buildPrompt(req),
		System: g.buildSystem(req),
		Stream: true,
		Options: ollamaOptions{
			Temperature: g.temperature,
			NumPredict:  g.maxTokens,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("ollama returned status %s", resp.Status)
	}

	var accumulated strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var chunk ollamaStreamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return nil, err
		}
		accumulated.WriteString(chunk.Response)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	lines := parseScriptLines(accumulated.String())
	if len(lines) == 0 {
		return nil, fmt.Errorf("generator produced no parseable lines")
	}
	return lines, nil
}

func (g *ollamaGenerator) buildSystem(req Request) string {
	var b strings.Builder
	b.WriteString("You are writing a staged debate. Speakers:\n")
	for _, sp := range req.Speakers {
		if sp.Role == script.RoleUser {
			continue
		}
		fmt.Fprintf(&b, "- %s (%s): %s\n", strings.ToUpper(string(sp.Role)), sp.Name, sp.Persona)
	}
	b.WriteString("Respond with one line per turn, formatted exactly as ROLE: text.")
	return b.String()
}

func (g *ollamaGenerator) buildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\nPhase: %s\n", req.Topic, req.Phase)
	if len(req.History) > 0 {
		b.WriteString("So far:\n")
		b.WriteString(strings.Join(req.History, "\n"))
		b.WriteString("\n")
	}
	if req.UserText != "" {
		fmt.Fprintf(&b, "The user just said: %s\n", req.UserText)
	}
	turns := req.Turns
	if turns <= 0 {
		turns = 4
	}
	fmt.Fprintf(&b, "Write the next %d turns.", turns)
	return b.String()
}

// parseScriptLines turns "ROLE: text" output into lines; unknown role
// prefixes are attributed to the commentator. An optional trailing
// "(emotion)" tag is captured.
func parseScriptLines(raw string) []script.Line {
	var out []script.Line
	for _, ln := range strings.Split(raw, "\n") {
		ln = strings.TrimSpace(ln)
		if ln == "" {
			continue
		}
		role, text, ok := splitRoleLine(ln)
		if !ok {
			continue
		}
		text, emotion := splitEmotion(text)
		if text == "" {
			continue
		}
		out = append(out, script.NewLine(role, text, emotion))
	}
	return out
}

func splitRoleLine(ln string) (script.Role, string, bool) {
	idx := strings.Index(ln, ":")
	if idx <= 0 {
		return "", "", false
	}
	tag := strings.ToLower(strings.TrimSpace(ln[:idx]))
	text := strings.TrimSpace(ln[idx+1:])
	switch tag {
	case "moderator":
		return script.RoleModerator, text, true
	case "commentator":
		return script.RoleCommentator, text, true
	case "user":
		// Generators never speak for the user.
		return "", "", false
	default:
		if strings.ContainsAny(tag, " \t") {
			return "", "", false
		}
		return script.RoleCommentator, text, true
	}
}

func splitEmotion(text string) (string, string) {
	if !strings.HasSuffix(text, ")") {
		return text, ""
	}
	idx := strings.LastIndex(text, "(")
	if idx <= 0 {
		return text, ""
	}
	emotion := strings.TrimSpace(text[idx+1 : len(text)-1])
	if emotion == "" || strings.ContainsAny(emotion, " ") || len(emotion) > 24 {
		return text, ""
	}
	return strings.TrimSpace(text[:idx]), strings.ToLower(emotion)
}
