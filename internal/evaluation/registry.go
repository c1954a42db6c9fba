// Package evaluation assigns threads to evaluation arms by running the
// office's configured modules once per thread.
package evaluation

import (
	"context"
	"fmt"
	"sort"

	"github.com/capitalize-ai/caddy-supervisor/internal/model"
)

// Input is what a module sees when it runs.
type Input struct {
	ThreadID  string
	UserEmail string
	Arguments map[string]any
}

// Result is a successful module run.
type Result struct {
	Status  model.ModuleStatus
	Variant string
	Message string
	Payload map[string]any
}

// Module is one evaluation plugin.
type Module interface {
	Run(ctx context.Context, in Input) (Result, error)
}

// ModuleFunc adapts a function to Module.
type ModuleFunc func(ctx context.Context, in Input) (Result, error)

// Run calls f.
func (f ModuleFunc) Run(ctx context.Context, in Input) (Result, error) { return f(ctx, in) }

// Registry maps module names to modules. It is built once at start-up and
// passed to the Assigner.
type Registry struct {
	modules map[string]Module
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]Module)}
}

// Register adds or replaces a module.
func (r *Registry) Register(name string, m Module) {
	r.modules[name] = m
}

// Names lists the registered modules.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.modules))
	for n := range r.modules {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Run executes the configured module. Unknown names, errors and panics
// become Failed outcomes rather than errors.
func (r *Registry) Run(ctx context.Context, cfg model.ModuleConfig, in Input) (out model.ModuleOutcome) {
	out.Module = cfg.Name

	m, ok := r.modules[cfg.Name]
	if !ok {
		out.Failed = true
		out.Reason = fmt.Sprintf("module %q not found", cfg.Name)
		return out
	}

	defer func() {
		if p := recover(); p != nil {
			out = model.ModuleOutcome{Module: cfg.Name, Failed: true, Reason: fmt.Sprintf("module panicked: %v", p)}
		}
	}()

	in.Arguments = cfg.Arguments
	res, err := m.Run(ctx, in)
	if err != nil {
		out.Failed = true
		out.Reason = err.Error()
		return out
	}
	if res.Status != model.StatusContinue && res.Status != model.StatusEnd {
		out.Failed = true
		out.Reason = fmt.Sprintf("module returned unknown status %q", res.Status)
		return out
	}

	out.Status = res.Status
	out.Variant = res.Variant
	out.Message = res.Message
	out.Payload = res.Payload
	return out
}

// DefaultRegistry registers the built-in modules.
func DefaultRegistry(random func() float64) *Registry {
	r := NewRegistry()
	r.Register("randomisation", Randomisation(random))
	return r
}
