package registry

import (
	"sort"

	"github.com/nogataka/autocoder/internal/domain"
)

// diffProjects summarizes a reload for logging. Secrets never appear in
// the result; a secret rotation shows up as the project name in changed.
func diffProjects(oldList, newList []domain.Project) (added, removed, changed []string) {
	oldByName := make(map[string]domain.Project, len(oldList))
	for _, p := range oldList {
		oldByName[p.Name] = p
	}
	newByName := make(map[string]domain.Project, len(newList))
	for _, p := range newList {
		newByName[p.Name] = p
	}

	for name, np := range newByName {
		op, ok := oldByName[name]
		if !ok {
			added = append(added, name)
			continue
		}
		if op != np {
			changed = append(changed, name)
		}
	}
	for name := range oldByName {
		if _, ok := newByName[name]; !ok {
			removed = append(removed, name)
		}
	}

	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(changed)
	return added, removed, changed
}
