package implementors

import (
	"sort"
	"sync"
)

// Registry holds one Handoff per documentation page, keyed by the fully
// qualified trait path (e.g. "core::iter::traits::exact_size::ExactSizeIterator").
// It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	pages map[string]*Handoff
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{pages: make(map[string]*Handoff)}
}

// Page returns the handoff for trait, creating it on first use.
func (r *Registry) Page(trait string) *Handoff {
	r.mu.RLock()
	h, ok := r.pages[trait]
	r.mu.RUnlock()
	if ok {
		return h
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.pages[trait]; ok {
		return h
	}
	h = NewHandoff()
	r.pages[trait] = h
	return h
}

// Lookup returns the handoff for trait without creating it.
func (r *Registry) Lookup(trait string) (*Handoff, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.pages[trait]
	return h, ok
}

// PageState pairs a trait path with its handoff state.
type PageState struct {
	Trait string
	State State
}

// Pages returns a snapshot of every page, sorted by trait path.
func (r *Registry) Pages() []PageState {
	r.mu.RLock()
	traits := make([]string, 0, len(r.pages))
	handoffs := make(map[string]*Handoff, len(r.pages))
	for t, h := range r.pages {
		traits = append(traits, t)
		handoffs[t] = h
	}
	r.mu.RUnlock()

	sort.Strings(traits)
	out := make([]PageState, len(traits))
	for i, t := range traits {
		out[i] = PageState{Trait: t, State: handoffs[t].State()}
	}
	return out
}
