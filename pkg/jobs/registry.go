package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
)

// Func is one named maintenance job a scheduled task can dispatch in
// job mode. The returned string is recorded as last_result.
//
// Example:
//
//	reg.Register("stats.rollup", func(ctx context.Context, args json.RawMessage) (string, error) {
//		n, err := stats.RollupFanout(ctx)
//		return fmt.Sprintf("rolled up %d rows", n), err
//	})
type Func func(ctx context.Context, args json.RawMessage) (string, error)

// Info describes a registered job (for API responses).
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Registry manages named job functions. Registration happens at
// startup; lookup at every job-mode fire.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Func
	descr  map[string]string
	logger *log.Logger
}

// NewRegistry creates an empty job registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]Func),
		descr:  make(map[string]string),
		logger: log.New(log.Writer(), "[JOBS] ", log.LstdFlags),
	}
}

// Register adds a job under a unique name.
func (r *Registry) Register(name, description string, fn Func) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("job %q already registered", name)
	}
	if fn == nil {
		return fmt.Errorf("job %q has nil func", name)
	}
	r.byName[name] = fn
	r.descr[name] = description
	r.logger.Printf("✅ registered job: %s", name)
	return nil
}

// Get looks up a job by name.
func (r *Registry) Get(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.byName[name]
	return fn, ok
}

// List returns every registered job, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, Info{Name: name, Description: r.descr[name]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
