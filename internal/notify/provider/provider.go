// Package provider defines the outbound email provider interface and the
// registry that picks between backends (SES, Resend, plain SMTP).
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// EmailRequest is one email to deliver.
type EmailRequest struct {
	From    string
	To      []string
	Subject string
	Body    string
}

// Provider is one email backend.
type Provider interface {
	// Name returns the provider name ("ses", "resend", "smtp").
	Name() string

	// Send delivers the email through this backend.
	Send(ctx context.Context, req *EmailRequest) error

	// IsConfigured reports whether the backend can be used.
	IsConfigured() bool
}

// Registry holds the registered providers and routes sends to the primary
// one, falling back in order when it fails.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	primary   string
	fallback  []string
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	slog.Info("Registered email provider", "name", p.Name(), "configured", p.IsConfigured())
}

// SetPrimary selects the primary provider by name.
func (r *Registry) SetPrimary(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		return fmt.Errorf("provider %q not registered", name)
	}
	r.primary = name
	return nil
}

// SetFallback sets the fallback order.
func (r *Registry) SetFallback(names ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		if _, ok := r.providers[name]; !ok {
			return fmt.Errorf("provider %q not registered", name)
		}
	}
	r.fallback = names
	return nil
}

// Get returns a provider by name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// primaryProvider returns the primary configured provider, or the first
// configured fallback when the primary is unusable.
func (r *Registry) primaryProvider() (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.primary != "" {
		if p, ok := r.providers[r.primary]; ok && p.IsConfigured() {
			return p, nil
		}
	}
	for _, name := range r.fallback {
		if p, ok := r.providers[name]; ok && p.IsConfigured() {
			slog.Warn("Primary email provider not configured, using fallback",
				"primary", r.primary, "fallback", name)
			return p, nil
		}
	}
	for name, p := range r.providers {
		if p.IsConfigured() {
			slog.Warn("Using first available email provider", "name", name)
			return p, nil
		}
	}
	return nil, fmt.Errorf("no configured email provider available")
}

// Send delivers the email through the best available provider, trying
// fallbacks in order when the primary fails.
func (r *Registry) Send(ctx context.Context, req *EmailRequest) error {
	primary, err := r.primaryProvider()
	if err != nil {
		return err
	}

	err = primary.Send(ctx, req)
	if err == nil {
		return nil
	}

	r.mu.RLock()
	fallbacks := r.fallback
	r.mu.RUnlock()

	for _, name := range fallbacks {
		p, ok := r.Get(name)
		if !ok || !p.IsConfigured() || p.Name() == primary.Name() {
			continue
		}
		slog.Warn("Email provider failed, trying fallback",
			"primary", primary.Name(), "fallback", name, "error", err)
		if fallbackErr := p.Send(ctx, req); fallbackErr == nil {
			return nil
		}
	}
	return err
}

// GetEnvOrDefault returns the environment variable value or a default.
func GetEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}
