package asr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry manages ASR backends and supports fallback transcription.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	primary  string
	fallback string
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Backend),
	}
}

// Register adds a backend to the registry. The first registered backend
// becomes the primary by default.
func (r *Registry) Register(name string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = b
	if r.primary == "" {
		r.primary = name
	}
}

// SetPrimary sets the primary backend by name.
func (r *Registry) SetPrimary(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.primary = name
}

// SetFallback sets the fallback backend by name.
func (r *Registry) SetFallback(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = name
}

// Get returns a backend by name, or false if not found.
func (r *Registry) Get(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	return b, ok
}

// Primary returns the primary backend, or nil if none configured.
func (r *Registry) Primary() Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.backends[r.primary]
}

// Fallback returns the fallback backend, or nil if none configured.
func (r *Registry) Fallback() Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.fallback == "" || r.fallback == r.primary {
		return nil
	}
	return r.backends[r.fallback]
}

// Backends returns the sorted names of all registered backends.
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TranscribeFile makes Registry usable wherever a single Backend is expected.
func (r *Registry) TranscribeFile(ctx context.Context, filePath string, opts TranscribeOptions) (*Transcript, error) {
	return r.TranscribeWithFallback(ctx, filePath, opts)
}

// TranscribeWithFallback tries the primary backend first, falling back on
// error. Cancellation of ctx is never treated as a reason to fall back.
// Every failure wraps ErrRecognitionUnavailable.
func (r *Registry) TranscribeWithFallback(ctx context.Context, filePath string, opts TranscribeOptions) (*Transcript, error) {
	primary := r.Primary()
	if primary == nil {
		return nil, fmt.Errorf("%w: no primary backend configured", ErrRecognitionUnavailable)
	}

	transcript, err := primary.TranscribeFile(ctx, filePath, opts)
	if err == nil {
		return transcript, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	fallback := r.Fallback()
	if fallback == nil {
		return nil, unavailable(fmt.Errorf("primary backend %q failed: %w", primary.Name(), err))
	}

	transcript, fbErr := fallback.TranscribeFile(ctx, filePath, opts)
	if fbErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, unavailable(fmt.Errorf("primary %q failed (%v), fallback %q also failed: %w", primary.Name(), err, fallback.Name(), fbErr))
	}

	return transcript, nil
}

func unavailable(err error) error {
	if errors.Is(err, ErrRecognitionUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrRecognitionUnavailable, err)
}
