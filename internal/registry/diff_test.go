package registry

import (
	"reflect"
	"testing"
	"time"

	"github.com/nogataka/autocoder/internal/domain"
)

func TestDiffProjects(t *testing.T) {
	base := domain.Project{
		Name:           "alpha",
		ControlURL:     "http://localhost:9001/control",
		ControlSecret:  "one",
		ControlTimeout: 10 * time.Second,
	}
	beta := domain.Project{
		Name:           "beta",
		ControlURL:     "http://localhost:9002/control",
		ControlTimeout: 10 * time.Second,
	}

	rotated := base
	rotated.ControlSecret = "two"

	gamma := domain.Project{
		Name:           "gamma",
		ControlURL:     "http://localhost:9003/control",
		ControlTimeout: 10 * time.Second,
	}

	added, removed, changed := diffProjects(
		[]domain.Project{base, beta},
		[]domain.Project{rotated, gamma},
	)

	if want := []string{"gamma"}; !reflect.DeepEqual(added, want) {
		t.Errorf("added = %v, want %v", added, want)
	}
	if want := []string{"beta"}; !reflect.DeepEqual(removed, want) {
		t.Errorf("removed = %v, want %v", removed, want)
	}
	if want := []string{"alpha"}; !reflect.DeepEqual(changed, want) {
		t.Errorf("changed = %v, want %v", changed, want)
	}
}

func TestDiffProjects_NoChanges(t *testing.T) {
	list := []domain.Project{
		{Name: "alpha", ControlURL: "http://localhost:9001/control", ControlTimeout: 10 * time.Second},
	}

	added, removed, changed := diffProjects(list, list)
	if len(added) != 0 || len(removed) != 0 || len(changed) != 0 {
		t.Errorf("diff of identical lists = (%v, %v, %v), want all empty", added, removed, changed)
	}
}
