package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ErrNoProvider is returned when no candidate resolves to a registered provider.
var ErrNoProvider = errors.New("llm: no provider available")

// Candidate is one (provider, model) choice. An empty Model means the
// provider's default model.
type Candidate struct {
	Provider string
	Model    string
}

func (c Candidate) String() string {
	if c.Model == "" {
		return c.Provider
	}
	return c.Provider + ":" + c.Model
}

// ParseCandidates parses "openai:gpt-4o-mini,gemini,ollama:qwen2.5:3b".
// Only the first colon separates provider from model.
func ParseCandidates(s string) []Candidate {
	var out []Candidate
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		provider, model, _ := strings.Cut(part, ":")
		out = append(out, Candidate{Provider: strings.ToLower(strings.TrimSpace(provider)), Model: strings.TrimSpace(model)})
	}
	return out
}

// Factory builds a gateway for a model of one provider.
type Factory func(ctx context.Context, model string) (Gateway, error)

// Binding is the resolved gateway for a run.
type Binding struct {
	Gateway  Gateway
	Provider string
	Model    string
}

type provider struct {
	factory      Factory
	defaultModel string
}

// Resolver is the single place that decides which provider and model serve a
// run. Candidates are tried in order: the caller's preference first, then the
// configured defaults. Built gateways are cached per (provider, model).
type Resolver struct {
	mu        sync.Mutex
	providers map[string]provider
	defaults  []Candidate
	cache     map[Candidate]Gateway
	build     singleflight.Group
}

// NewResolver creates a resolver with the configured default order.
func NewResolver(defaults []Candidate) *Resolver {
	return &Resolver{
		providers: make(map[string]provider),
		defaults:  defaults,
		cache:     make(map[Candidate]Gateway),
	}
}

// Register makes a provider available under name.
func (r *Resolver) Register(name, defaultModel string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[strings.ToLower(name)] = provider{factory: f, defaultModel: defaultModel}
}

// Candidates returns the ordered list tried for pref.
func (r *Resolver) Candidates(pref Candidate) []Candidate {
	var out []Candidate
	if pref.Provider != "" {
		out = append(out, Candidate{Provider: strings.ToLower(pref.Provider), Model: pref.Model})
	}
	for _, d := range r.defaults {
		if pref.Provider == "" && pref.Model != "" {
			d.Model = pref.Model
		}
		out = append(out, d)
	}
	return out
}

// Resolve returns the first candidate whose provider is registered and whose
// gateway can be built.
func (r *Resolver) Resolve(ctx context.Context, pref Candidate) (Binding, error) {
	var errs []error
	for _, c := range r.Candidates(pref) {
		r.mu.Lock()
		p, ok := r.providers[c.Provider]
		r.mu.Unlock()
		if !ok {
			continue
		}
		if c.Model == "" {
			c.Model = p.defaultModel
		}
		gw, err := r.gateway(ctx, c, p)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c, err))
			continue
		}
		return Binding{Gateway: gw, Provider: c.Provider, Model: c.Model}, nil
	}
	return Binding{}, errors.Join(append([]error{ErrNoProvider}, errs...)...)
}

// gateway builds outside r.mu so a slow constructor only delays callers
// waiting on the same candidate.
func (r *Resolver) gateway(ctx context.Context, c Candidate, p provider) (Gateway, error) {
	r.mu.Lock()
	gw, ok := r.cache[c]
	r.mu.Unlock()
	if ok {
		return gw, nil
	}

	v, err, _ := r.build.Do(c.String(), func() (any, error) {
		r.mu.Lock()
		cached, ok := r.cache[c]
		r.mu.Unlock()
		if ok {
			return cached, nil
		}
		built, err := p.factory(ctx, c.Model)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if cached, ok := r.cache[c]; ok {
			return cached, nil
		}
		r.cache[c] = built
		return built, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Gateway), nil
}
