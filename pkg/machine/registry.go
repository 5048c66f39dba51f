package machine

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownType is returned for a job type with no registered machine.
var ErrUnknownType = errors.New("unknown job type")

func IsUnknownType(err error) bool {
	return errors.Is(err, ErrUnknownType)
}

// Registry maps job types to definitions.
type Registry struct {
	mu   sync.RWMutex
	defs map[JobType]Definition
}

func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{defs: make(map[JobType]Definition)}
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a definition. Types are case-insensitive and unique.
func (r *Registry) Register(def Definition) error {
	def.Type = def.Type.Normalize()
	if def.Type == "" {
		return errors.New("machine type is empty")
	}
	if def.Parse == nil || def.New == nil {
		return fmt.Errorf("machine %q needs Parse and New", def.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[def.Type]; ok {
		return fmt.Errorf("machine %q already registered", def.Type)
	}
	r.defs[def.Type] = def
	return nil
}

// Lookup returns the definition for a job type.
func (r *Registry) Lookup(jobType string) (Definition, error) {
	t := JobType(jobType).Normalize()
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[t]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknownType, jobType)
	}
	return def, nil
}

// Types lists registered job types in sorted order.
func (r *Registry) Types() []JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]JobType, 0, len(r.defs))
	for t := range r.defs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
