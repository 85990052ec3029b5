// Package registry loads the project registry from a YAML file and serves
// immutable snapshots of it. The engine and the API read whatever snapshot
// is current; a reload swaps the whole snapshot at once, so readers never
// observe a half-applied file.
package registry

import (
	"hash/fnv"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nogataka/autocoder/internal/domain"
)

type Registry struct {
	path string
	log  zerolog.Logger

	mu       sync.RWMutex
	projects map[string]domain.Project
	order    []string

	// lastHash tracks the last committed file content so editor-induced
	// duplicate write events don't trigger redundant reloads.
	lastHash uint64
}

func New(path string, log zerolog.Logger) *Registry {
	return &Registry{
		path:     path,
		log:      log.With().Str("component", "registry").Logger(),
		projects: map[string]domain.Project{},
	}
}

// Load reads and validates the registry file, replacing the current snapshot.
// On error the previous snapshot stays in place.
func (r *Registry) Load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return err
	}
	projects, order, err := parse(data)
	if err != nil {
		return err
	}
	r.commit(projects, order, hashBytes(data))
	return nil
}

func (r *Registry) commit(projects map[string]domain.Project, order []string, hash uint64) {
	r.mu.Lock()
	r.projects = projects
	r.order = order
	r.lastHash = hash
	r.mu.Unlock()
}

// Get returns the project by name. Disabled projects are still returned;
// callers that only want controllable projects check Disabled themselves.
func (r *Registry) Get(name string) (domain.Project, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projects[name]
	return p, ok
}

// All returns the projects in file order.
func (r *Registry) All() []domain.Project {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Project, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.projects[name])
	}
	return out
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// hashBytes returns a stable 64-bit hash of bytes. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
