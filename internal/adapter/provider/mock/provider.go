// Package mock provides an in-memory voice provider for tests and local
// development without upstream credentials.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/fairyhunter13/storyvoice/internal/domain"
)

// Provider fakes the upstream vendor. Configure the error fields to force
// failure paths.
type Provider struct {
	ProviderName string
	CloneErr     error
	DeleteErr    error
	SynthErr     error
	Audio        []byte

	mu     sync.Mutex
	seq    int
	voices map[string]bool
}

// New constructs a mock provider named "mock" unless overridden.
func New() *Provider {
	return &Provider{ProviderName: "mock", Audio: []byte("mp3-bytes"), voices: map[string]bool{}}
}

// Name returns the provider tag.
func (p *Provider) Name() string { return p.ProviderName }

// CloneVoice records the clone and returns a deterministic remote id.
func (p *Provider) CloneVoice(_ context.Context, _ []byte, _, _, _ string) (string, error) {
	if p.CloneErr != nil {
		return "", p.CloneErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := fmt.Sprintf("mock-voice-%d", p.seq)
	p.voices[id] = true
	return id, nil
}

// DeleteVoice forgets the clone.
func (p *Provider) DeleteVoice(_ context.Context, remoteVoiceID string) error {
	if p.DeleteErr != nil {
		return p.DeleteErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.voices[remoteVoiceID] {
		return domain.ErrNotFound
	}
	delete(p.voices, remoteVoiceID)
	return nil
}

// SynthesizeSpeech returns the configured audio bytes.
func (p *Provider) SynthesizeSpeech(_ context.Context, remoteVoiceID, _ string) ([]byte, error) {
	if p.SynthErr != nil {
		return nil, p.SynthErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.voices[remoteVoiceID] {
		return nil, domain.ErrNotFound
	}
	return p.Audio, nil
}

// ActiveClones reports how many clones the mock currently holds.
func (p *Provider) ActiveClones() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.voices)
}
