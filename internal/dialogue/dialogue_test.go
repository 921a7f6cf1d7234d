package dialogue

import (
	"testing"

	"github.com/parley-labs/parley-core/internal/script"
)

func TestSanitize(t *testing.T) {
	cases := []struct{ in, want string }{
		{"hello world", "hello world"},
		{"  spaced\t\tout  ", "spaced out"},
		{"ctrl\x00\x1bchars", "ctrlchars"},
		{"line\nbreaks\ncollapse", "line breaks collapse"},
		{"mix\t\x00 of\x1b\nall", "mix of all"},
	}
	for _, c := range cases {
		if got := Sanitize(c.in); got != c.want {
			t.Errorf("Sanitize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestClampLength(t *testing.T) {
	if got := ClampLength("hello", 3); got != "hel" {
		t.Fatalf("got %q", got)
	}
	if got := ClampLength("hello", 10); got != "hello" {
		t.Fatalf("got %q", got)
	}
	if got := ClampLength("héllo", 2); got != "hé" {
		t.Fatalf("rune clamp got %q", got)
	}
}

func TestParseScriptLines(t *testing.T) {
	raw := "MODERATOR: Welcome, everyone.\n\ncommentator: Strong start (amused)\nUSER: should be skipped\nnot a line at all\nJUDGE: treated as commentator"
	lines := parseScriptLines(raw)
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %+v", len(lines), lines)
	}
	if lines[0].Role != script.RoleModerator || lines[0].Text != "Welcome, everyone." {
		t.Fatalf("unexpected first line: %+v", lines[0])
	}
	if lines[1].Role != script.RoleCommentator || lines[1].Emotion != "amused" || lines[1].Text != "Strong start" {
		t.Fatalf("unexpected second line: %+v", lines[1])
	}
	if lines[2].Role != script.RoleCommentator {
		t.Fatalf("unknown tag should map to commentator: %+v", lines[2])
	}
}

func TestSplitEmotionKeepsParentheticalProse(t *testing.T) {
	text, emotion := splitEmotion("that was (frankly absurd)")
	if emotion != "" || text != "that was (frankly absurd)" {
		t.Fatalf("multi-word parenthetical should not be an emotion tag: %q %q", text, emotion)
	}
}
