package source

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Factory builds an adapter for one configured source.
type Factory func(spec Spec, client *Client) (Adapter, error)

// Registry maps platform type identifiers to adapter factories. An unknown
// type is a warning, not an error: one misconfigured source must never block
// boot or take the rest of the catalog down with it.
type Registry struct {
	logger *slog.Logger

	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry constructs an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		logger:    logger.With(slog.String("agent", "source_registry")),
		factories: make(map[string]Factory),
	}
}

// NewDefaultRegistry constructs a registry carrying every built-in platform.
func NewDefaultRegistry(logger *slog.Logger) *Registry {
	r := NewRegistry(logger)
	for typeID, factory := range map[string]Factory{
		"defillama": newDefiLlama,
		"beefy":     newBeefy,
		"lido":      newLido,
		"etherscan": newEtherscan,
		"coingecko": newCoinGecko,
	} {
		if err := r.Register(typeID, factory); err != nil {
			panic(err)
		}
	}
	return r
}

// Register installs a factory under a type identifier. Blank identifiers and
// duplicates are programmer errors and rejected outright.
func (r *Registry) Register(typeID string, factory Factory) error {
	typeID = strings.TrimSpace(typeID)
	if typeID == "" {
		return fmt.Errorf("source: registry: blank type identifier")
	}
	if factory == nil {
		return fmt.Errorf("source: registry: nil factory for %q", typeID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[typeID]; exists {
		return fmt.Errorf("source: registry: type %q already registered", typeID)
	}
	r.factories[typeID] = factory
	return nil
}

// Create builds an adapter for the spec. Unknown types and factory failures
// log a warning and report ok=false so the caller can skip the source.
func (r *Registry) Create(spec Spec, client *Client) (Adapter, bool) {
	r.mu.RLock()
	factory, ok := r.factories[spec.Type]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn("unknown source type, skipping source",
			slog.String("source", spec.Name),
			slog.String("type", spec.Type))
		return nil, false
	}
	adapter, err := factory(spec, client)
	if err != nil {
		r.logger.Warn("adapter construction failed, skipping source",
			slog.String("source", spec.Name),
			slog.String("type", spec.Type),
			slog.String("error", err.Error()))
		return nil, false
	}
	return adapter, true
}

// Supported reports whether a type identifier has a registered factory.
func (r *Registry) Supported(typeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[typeID]
	return ok
}

// Types lists the registered type identifiers, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for typeID := range r.factories {
		types = append(types, typeID)
	}
	sort.Strings(types)
	return types
}
