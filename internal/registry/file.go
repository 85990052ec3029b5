package registry

import (
	"bytes"
	"fmt"
	"net/url"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nogataka/autocoder/internal/domain"
)

// DefaultControlTimeout applies to entries that omit control_timeout.
const DefaultControlTimeout = 10 * time.Second

type registryFile struct {
	Projects []projectEntry `yaml:"projects"`
}

type projectEntry struct {
	Name           string `yaml:"name"`
	ControlURL     string `yaml:"control_url"`
	ControlSecret  string `yaml:"control_secret"`
	ControlTimeout string `yaml:"control_timeout"`
	Disabled       bool   `yaml:"disabled"`
}

// parse decodes and validates a registry file. Unknown YAML fields are
// rejected so typos surface as load errors instead of silently dropped
// settings.
func parse(data []byte) (map[string]domain.Project, []string, error) {
	var file registryFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, nil, fmt.Errorf("parse registry: %w", err)
	}

	projects := make(map[string]domain.Project, len(file.Projects))
	order := make([]string, 0, len(file.Projects))
	for i, entry := range file.Projects {
		p, err := entry.toProject()
		if err != nil {
			return nil, nil, fmt.Errorf("project %d (%q): %w", i, entry.Name, err)
		}
		if _, ok := projects[p.Name]; ok {
			return nil, nil, fmt.Errorf("project %d: duplicate name %q", i, p.Name)
		}
		projects[p.Name] = p
		order = append(order, p.Name)
	}
	return projects, order, nil
}

func (e projectEntry) toProject() (domain.Project, error) {
	if e.Name == "" {
		return domain.Project{}, fmt.Errorf("name is required")
	}

	// Disabled entries may be sketched out before their control endpoint
	// exists, so the URL is only required once the entry is enabled.
	if !e.Disabled {
		if e.ControlURL == "" {
			return domain.Project{}, fmt.Errorf("control_url is required")
		}
		if err := validateControlURL(e.ControlURL); err != nil {
			return domain.Project{}, fmt.Errorf("invalid control_url: %w", err)
		}
	}

	timeout := DefaultControlTimeout
	if e.ControlTimeout != "" {
		d, err := time.ParseDuration(e.ControlTimeout)
		if err != nil {
			return domain.Project{}, fmt.Errorf("invalid control_timeout: %w", err)
		}
		if d <= 0 {
			return domain.Project{}, fmt.Errorf("control_timeout must be positive")
		}
		timeout = d
	}

	return domain.Project{
		Name:           e.Name,
		ControlURL:     e.ControlURL,
		ControlSecret:  e.ControlSecret,
		ControlTimeout: timeout,
		Disabled:       e.Disabled,
	}, nil
}

func validateControlURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}
