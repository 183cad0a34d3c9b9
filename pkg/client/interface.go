package client

import "context"

// TextClient sends a single-turn prompt to a language model and returns the
// reply text.
type TextClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Named is implemented by clients that can report the model they call.
type Named interface {
	Model() string
}
