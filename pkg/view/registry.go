package view

import (
	"sort"
	"sync"

	lkerrors "github.com/tracelake/tracelake/pkg/errors"
)

// Registry holds the registered view definitions and payload decoders.
// Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	views    map[string]*Definition
	decoders map[string]BlockDecoder
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		views:    make(map[string]*Definition),
		decoders: make(map[string]BlockDecoder),
	}
}

// Register adds or replaces a view definition. Replacing is how schema
// evolution happens: the new fingerprint makes old partitions eligible
// for retirement. Rejects definitions that would close a cycle in the
// source graph before any materialization can run.
func (r *Registry) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return lkerrors.Wrap(err, lkerrors.CodeUnknownView, "invalid view definition")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if path := r.findCycle(def); path != nil {
		return lkerrors.CyclicViewDefinition(def.Name, path)
	}

	// Force fingerprint computation under the definition's final shape.
	def.fingerprint = ""
	def.Fingerprint()

	r.views[def.Name] = def
	return nil
}

// findCycle walks the source chain as it would look after registering
// def. Each view has at most one source, so a cycle is a revisited name.
func (r *Registry) findCycle(def *Definition) []string {
	path := []string{def.Name}
	seen := map[string]bool{def.Name: true}

	next := def.SourceView
	for next != "" {
		path = append(path, next)
		if seen[next] {
			return path
		}
		seen[next] = true

		src, ok := r.views[next]
		if !ok {
			return nil // Forward reference; validated again at materialization.
		}
		next = src.SourceView
	}
	return nil
}

// Get returns a registered definition.
func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.views[name]
	if !ok {
		return nil, lkerrors.UnknownView(name)
	}
	return def, nil
}

// List returns all definitions sorted by name.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Definition, 0, len(r.views))
	for _, def := range r.views {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ByGranularity returns the scheduled (non-instance) views of one
// granularity, sorted by name.
func (r *Registry) ByGranularity(g Granularity) []*Definition {
	var out []*Definition
	for _, def := range r.List() {
		if def.Granularity == g {
			out = append(out, def)
		}
	}
	return out
}

// RegisterDecoder installs a payload decoder for a view. The ingestion
// side owns payload encoding, so it registers the matching decoder.
func (r *Registry) RegisterDecoder(viewName string, d BlockDecoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[viewName] = d
}

// Decoder returns the decoder registered for a view, or nil.
func (r *Registry) Decoder(viewName string) BlockDecoder {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.decoders[viewName]
}
