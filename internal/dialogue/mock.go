package dialogue

import (
	"context"
	"fmt"

	"github.com/parley-labs/parley-core/internal/script"
)

type mockGenerator struct{}

// NewMockGenerator produces a canned alternating exchange, useful for
// development and tests.
func NewMockGenerator() Generator {
	return &mockGenerator{}
}

func (m *mockGenerator) Generate(ctx context.Context, req Request) ([]script.Line, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	turns := req.Turns
	if turns <= 0 {
		turns = 4
	}
	lines := make([]script.Line, 0, turns)
	roles := []script.Role{script.RoleModerator, script.RoleCommentator}
	for i := 0; i < turns; i++ {
		role := roles[i%len(roles)]
		text := fmt.Sprintf("[%s turn %d on %q]", role, i+1, req.Topic)
		if req.UserText != "" && i == 0 {
			text = fmt.Sprintf("[%s responds to %q]", role, req.UserText)
		}
		lines = append(lines, script.NewLine(role, text, ""))
	}
	return lines, nil
}
