package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/capitalize-ai/caddy-supervisor/internal/model"
	"github.com/capitalize-ai/caddy-supervisor/internal/retrieval"
	"github.com/capitalize-ai/caddy-supervisor/internal/router"
)

// Workspace is the enrolment and prompt configuration read from YAML.
type Workspace struct {
	Offices []model.Office `yaml:"offices"`
	Users   []model.User   `yaml:"users"`

	Routes               []router.Route `yaml:"routes"`
	FallbackAugmentation string         `yaml:"fallback_augmentation"`
	PromptTemplate       string         `yaml:"prompt_template"`
	Timezone             string         `yaml:"timezone"`

	// Documents back the static retriever when no search service is configured.
	Documents []retrieval.Document `yaml:"documents"`
}

// LoadWorkspace reads and validates a workspace file.
func LoadWorkspace(path string) (*Workspace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workspace: %w", err)
	}
	return ParseWorkspace(data)
}

// ParseWorkspace decodes and validates workspace YAML.
func ParseWorkspace(data []byte) (*Workspace, error) {
	var ws Workspace
	if err := yaml.Unmarshal(data, &ws); err != nil {
		return nil, fmt.Errorf("failed to parse workspace: %w", err)
	}
	ws.normalise()
	if err := ws.Validate(); err != nil {
		return nil, err
	}
	return &ws, nil
}

func (ws *Workspace) normalise() {
	for i := range ws.Offices {
		ws.Offices[i].Domain = strings.ToLower(strings.TrimSpace(ws.Offices[i].Domain))
	}
	for i := range ws.Users {
		ws.Users[i].Email = strings.ToLower(strings.TrimSpace(ws.Users[i].Email))
	}
	if ws.Timezone == "" {
		ws.Timezone = "Europe/London"
	}
}

// Validate checks that every user belongs to a configured office, that
// survey questions offer at least one answer and that no office runs a
// module twice.
func (ws *Workspace) Validate() error {
	var errs []error
	domains := make(map[string]bool, len(ws.Offices))
	for _, o := range ws.Offices {
		if o.Domain == "" {
			errs = append(errs, errors.New("office with empty domain"))
			continue
		}
		if domains[o.Domain] {
			errs = append(errs, fmt.Errorf("office %s configured twice", o.Domain))
		}
		domains[o.Domain] = true
		for _, q := range o.Survey {
			if q.Question == "" || len(q.Values) == 0 {
				errs = append(errs, fmt.Errorf("office %s: survey question %q needs text and values", o.Domain, q.Question))
			}
		}
		modules := make(map[string]bool, len(o.Modules))
		for _, m := range o.Modules {
			switch {
			case m.Name == "":
				errs = append(errs, fmt.Errorf("office %s: module with empty name", o.Domain))
			case modules[m.Name]:
				errs = append(errs, fmt.Errorf("office %s: module %s listed twice", o.Domain, m.Name))
			}
			modules[m.Name] = true
		}
	}
	for _, u := range ws.Users {
		_, domain, ok := strings.Cut(u.Email, "@")
		if !ok || domain == "" {
			errs = append(errs, fmt.Errorf("user %q: invalid email", u.Email))
			continue
		}
		if !domains[domain] {
			errs = append(errs, fmt.Errorf("user %s: domain %s not enrolled", u.Email, domain))
		}
	}
	return errors.Join(errs...)
}
