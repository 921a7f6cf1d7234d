package dialogue

import (
	"context"

	"github.com/parley-labs/parley-core/internal/script"
)

// Request describes one script-section generation call.
type Request struct {
	Phase    string
	Topic    string
	History  []string
	Speakers []script.Speaker
	UserText string
	Turns    int
}

// Generator is the external script writer. Any error is a recoverable
// generation failure; the session surfaces it with a retry action.
type Generator interface {
	Generate(ctx context.Context, req Request) ([]script.Line, error)
}
