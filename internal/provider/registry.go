package provider

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"factsync/internal/domain"
)

// Registry holds the adapters available to the pipelines.
type Registry struct {
	adapters []Adapter
}

// NewRegistry creates a registry. Adapters are kept in name order so that
// fan-out order is deterministic.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: append([]Adapter(nil), adapters...)}
	sort.Slice(r.adapters, func(i, j int) bool { return r.adapters[i].Name() < r.adapters[j].Name() })
	return r
}

// Add registers another adapter.
func (r *Registry) Add(a Adapter) {
	r.adapters = append(r.adapters, a)
	sort.Slice(r.adapters, func(i, j int) bool { return r.adapters[i].Name() < r.adapters[j].Name() })
}

// For returns the adapters that cover kind/freq.
func (r *Registry) For(kind domain.FactKind, freq domain.Frequency) []Adapter {
	var out []Adapter
	for _, a := range r.adapters {
		if a.Supports(kind, freq) {
			out = append(out, a)
		}
	}
	return out
}

// Names lists registered provider names.
func (r *Registry) Names() []string {
	out := make([]string, len(r.adapters))
	for i, a := range r.adapters {
		out[i] = a.Name()
	}
	return out
}

// Credentials is the per-provider configuration consumed by BuildHTTP.
type Credentials struct {
	APIKey          string
	BaseURL         string
	RateLimitPerMin int
	Disabled        bool
}

// BuildHTTP instantiates every built-in HTTP provider. Providers without a
// credential are still registered; they answer with no data.
func BuildHTTP(creds map[string]Credentials, client *http.Client, log *slog.Logger) ([]Adapter, error) {
	var out []Adapter
	for _, spec := range BuiltinSpecs() {
		c := creds[spec.Name]
		if c.Disabled {
			continue
		}
		a, err := NewHTTPAdapter(spec, Options{
			APIKey:          c.APIKey,
			BaseURL:         c.BaseURL,
			RateLimitPerMin: c.RateLimitPerMin,
			Client:          client,
			Logger:          log,
		})
		if err != nil {
			return nil, fmt.Errorf("building %s adapter: %w", spec.Name, err)
		}
		out = append(out, a)
	}
	return out, nil
}
