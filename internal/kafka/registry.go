package kafka

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry resolves the cluster names used by input, output and the
// publisher pool to validated settings. It is filled at startup and read
// concurrently afterwards.
type Registry struct {
	mu       sync.RWMutex
	clusters map[string]ClusterConfig
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{clusters: make(map[string]ClusterConfig)}
}

// Register validates cfg and stores it under name, replacing any earlier
// entry.
func (r *Registry) Register(name string, cfg ClusterConfig) error {
	if name == "" {
		return errors.New("cluster name is required")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("cluster %q: %w", name, err)
	}
	cfg.Name = name
	cfg.Brokers = append([]string(nil), cfg.Brokers...)

	r.mu.Lock()
	r.clusters[name] = cfg
	r.mu.Unlock()
	return nil
}

// Load registers every cluster of the kafka section. All invalid clusters
// are reported; valid ones are registered regardless.
func (r *Registry) Load(g GlobalConfig) error {
	var errs []error
	for _, name := range g.Names() {
		if err := r.Register(name, g.Clusters[name]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Lookup returns a copy of the named cluster.
func (r *Registry) Lookup(name string) (*ClusterConfig, error) {
	r.mu.RLock()
	cfg, ok := r.clusters[name]
	r.mu.RUnlock()
	if ok {
		cfg.Brokers = append([]string(nil), cfg.Brokers...)
		return &cfg, nil
	}

	names := r.Names()
	if len(names) == 0 {
		return nil, fmt.Errorf("unknown cluster %q: no clusters registered", name)
	}
	return nil, fmt.Errorf("unknown cluster %q (registered: %s)", name, strings.Join(names, ", "))
}

// Names returns the registered cluster names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.clusters))
	for name := range r.clusters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
