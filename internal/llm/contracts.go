package llm

import (
	"context"

	"github.com/extractable/extractable/constants"
)

// Request is one outbound model call: a prompt, optional page images, and
// the complexity tier selecting which model serves it.
type Request struct {
	UserID     int64
	Prompt     string
	Images     [][]byte
	Complexity constants.Complexity
}

// Response carries the model's text output plus the raw provider payload for
// audit.
type Response struct {
	Text string
	Raw  []byte
}

// Generator is the gateway interface the pipeline depends on.
type Generator interface {
	Generate(ctx context.Context, req Request) (Response, error)
}
