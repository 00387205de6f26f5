package provider

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"prism/internal/errors"
	"prism/internal/logging"
)

// StaticRegistry dispatches completion calls to the adapters registered at
// startup. Registration happens before serving; lookups are read-mostly.
type StaticRegistry struct {
	mu      sync.RWMutex
	clients map[string]Client
	logger  logging.Logger

	// Concurrent health probes for the same provider collapse into one
	// upstream request.
	probes singleflight.Group
}

var _ Registry = (*StaticRegistry)(nil)

// NewRegistry builds an empty registry.
func NewRegistry(logger logging.Logger) *StaticRegistry {
	return &StaticRegistry{
		clients: make(map[string]Client),
		logger:  logging.OrNop(logger),
	}
}

// Register installs the adapter serving one provider name, replacing any
// previous registration.
func (r *StaticRegistry) Register(name string, client Client) {
	r.mu.Lock()
	r.clients[name] = client
	r.mu.Unlock()
	r.logger.Info("registered provider %s (%d models)", name, len(client.Models()))
}

// Providers lists registered provider names in stable order.
func (r *StaticRegistry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *StaticRegistry) client(name string) (Client, error) {
	r.mu.RLock()
	client, ok := r.clients[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.NoEligibleModelf("provider %q is not registered", name)
	}
	return client, nil
}

func (r *StaticRegistry) GenerateCompletion(ctx context.Context, provider, model string, messages []Message, params Params) (*Result, error) {
	client, err := r.client(provider)
	if err != nil {
		return nil, err
	}
	return client.Complete(ctx, model, messages, params)
}

// StreamCompletion prefers the adapter's native streaming and degrades to a
// blocking completion without deltas otherwise.
func (r *StaticRegistry) StreamCompletion(ctx context.Context, provider, model string, messages []Message, params Params, onDelta func(text string)) (*Result, error) {
	client, err := r.client(provider)
	if err != nil {
		return nil, err
	}
	if streamer, ok := client.(Streamer); ok {
		return streamer.StreamComplete(ctx, model, messages, params, onDelta)
	}
	return client.Complete(ctx, model, messages, params)
}

func (r *StaticRegistry) ValidateModel(provider, model string) bool {
	client, err := r.client(provider)
	if err != nil {
		return false
	}
	for _, m := range client.Models() {
		if m == model {
			return true
		}
	}
	return false
}

func (r *StaticRegistry) ListModels(provider string) []string {
	client, err := r.client(provider)
	if err != nil {
		return nil
	}
	return client.Models()
}

func (r *StaticRegistry) HealthCheck(ctx context.Context, provider string) error {
	client, err := r.client(provider)
	if err != nil {
		return err
	}
	_, err, _ = r.probes.Do(provider, func() (any, error) {
		return nil, client.HealthCheck(ctx)
	})
	return err
}
