// Package generation implements the remote backend adapters behind the
// Generator port. Adapters are stateless and never retry; the caller
// owns retry and rate-limit policy.
package generation

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/lumenstudio/media-orchestrator/internal/domain"
)

// Registry dispatches models to backends via a closed table built at
// startup. Unknown models fail fast instead of falling through to a
// default backend.
type Registry struct {
	mu      sync.RWMutex
	byModel map[string]domain.Generator
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byModel: map[string]domain.Generator{}}
}

// Register binds a backend to the models it serves.
func (r *Registry) Register(g domain.Generator, models ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range models {
		r.byModel[m] = g
	}
}

// ForModel resolves the backend for a model.
func (r *Registry) ForModel(model string) (domain.Generator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.byModel[model]
	if !ok {
		return nil, fmt.Errorf("op=generation.for_model: %w: no backend for model %q", domain.ErrInvalidArgument, model)
	}
	return g, nil
}

// Models lists the registered model keys, sorted.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byModel))
	for m := range r.byModel {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// newHTTPClient builds the traced client shared by the adapters.
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}
