package runner

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kestrelci/kestrel/internal/model"
)

// Info pairs a runner name with its capabilities.
type Info struct {
	Name         string       `json:"name"`
	Capabilities Capabilities `json:"capabilities"`
}

// Registry holds registered runners and resolves which one to use for a
// given runner_type. Resolution for "auto" prefers the container runner when
// one is registered, falling back to subprocess.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

// NewRegistry creates an empty runner registry.
func NewRegistry() *Registry {
	return &Registry{
		runners: make(map[string]Runner),
	}
}

// Register adds a runner to the registry under the given name.
func (r *Registry) Register(name string, rn Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[name] = rn
}

// Resolve returns the runner to use for the given runner_type.
func (r *Registry) Resolve(runnerType string) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	target := runnerType
	if target == "" || target == model.RunnerAuto {
		if _, ok := r.runners[model.RunnerContainer]; ok {
			target = model.RunnerContainer
		} else {
			target = model.RunnerSubprocess
		}
	}

	rn, ok := r.runners[target]
	if !ok {
		return nil, fmt.Errorf("runner %q is not registered", target)
	}
	return rn, nil
}

// List returns information about all registered runners, sorted by name for
// a stable API response.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.runners))
	for name, rn := range r.runners {
		infos = append(infos, Info{
			Name:         name,
			Capabilities: rn.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
