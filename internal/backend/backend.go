// Package backend is the boundary to the generative text service. The
// engine only needs "produce text for a prompt"; the default
// implementation speaks the OpenAI-compatible chat completions API.
package backend

import "context"

// Request is one generation request: a system instruction carrying the
// fixed rules and output format, and a user instruction carrying the
// batched activity.
type Request struct {
	System    string
	User      string
	Model     string
	MaxTokens int
}

// Generator produces text for a prompt. Implementations must honor ctx
// cancellation and never block indefinitely.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}
