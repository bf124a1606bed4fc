// Package provider wires the upstream text-to-speech vendors behind the
// domain capability interface.
package provider

import (
	"fmt"

	"github.com/fairyhunter13/storyvoice/internal/domain"
)

// Registry resolves provider implementations by their tag.
type Registry struct {
	providers map[string]domain.VoiceServiceProvider
	preferred string
}

// NewRegistry builds a registry. The preferred tag is used for new voices.
func NewRegistry(preferred string, ps ...domain.VoiceServiceProvider) *Registry {
	m := make(map[string]domain.VoiceServiceProvider, len(ps))
	for _, p := range ps {
		m[p.Name()] = p
	}
	return &Registry{providers: m, preferred: preferred}
}

// Provider returns the implementation for a tag.
func (r *Registry) Provider(name string) (domain.VoiceServiceProvider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("op=provider.resolve: unknown provider %q: %w", name, domain.ErrInvalidArgument)
	}
	return p, nil
}

// Preferred returns the provider tag assigned to newly uploaded voices.
func (r *Registry) Preferred() string { return r.preferred }
