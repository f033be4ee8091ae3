package llm

import (
	"context"
	"errors"
	"fmt"
)

// MultiClient routes requests to the appropriate provider based on model name.
type MultiClient struct {
	clients  map[string]Backend // provider name → backend
	models   map[string]string  // model name → provider name
	fallback Backend            // default for unknown models
}

// NewMultiClient creates a backend that routes to multiple providers.
func NewMultiClient(fallback Backend) *MultiClient {
	return &MultiClient{
		clients:  make(map[string]Backend),
		models:   make(map[string]string),
		fallback: fallback,
	}
}

// AddProvider registers a backend for a provider name.
func (m *MultiClient) AddProvider(name string, b Backend) {
	m.clients[name] = b
}

// AddModel maps a model name to a provider.
func (m *MultiClient) AddModel(model, provider string) {
	m.models[model] = provider
}

// Providers returns the registered provider backends by name.
func (m *MultiClient) Providers() map[string]Backend {
	out := make(map[string]Backend, len(m.clients))
	for k, v := range m.clients {
		out[k] = v
	}
	return out
}

func (m *MultiClient) backendFor(model string) Backend {
	if provider, ok := m.models[model]; ok {
		if b, ok := m.clients[provider]; ok {
			return b
		}
	}
	return m.fallback
}

// Complete sends the request to the provider serving req.Model.
func (m *MultiClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	b := m.backendFor(req.Model)
	if b == nil {
		return nil, fmt.Errorf("no provider configured for model %q", req.Model)
	}
	return b.Complete(ctx, req)
}

// Ping checks every registered provider and joins the failures.
func (m *MultiClient) Ping(ctx context.Context) error {
	if len(m.clients) == 0 && m.fallback == nil {
		return errors.New("no providers configured")
	}
	var errs []error
	for name, b := range m.clients {
		if err := b.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
