package exchange

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"arb-executor/internal/core"
)

// Registry resolves exchange names used by tasks to shared adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Exchange
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Exchange)}
}

func (r *Registry) Register(name string, ex Exchange) error {
	if name == "" {
		return errors.New("exchange name required")
	}
	if ex == nil {
		return fmt.Errorf("exchange %q: nil adapter", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[name]; ok {
		return fmt.Errorf("exchange %q already registered", name)
	}
	r.adapters[name] = ex
	return nil
}

func (r *Registry) Get(name string) (Exchange, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownExchange, name)
	}
	return ex, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every adapter that holds resources.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for name, ex := range r.adapters {
		if c, ok := ex.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}
