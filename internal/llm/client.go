// Package llm provides the generation backends planwright talks to.
package llm

import "context"

// Backend is the interface every generation provider implements.
type Backend interface {
	// Complete sends one request and returns the full response.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
