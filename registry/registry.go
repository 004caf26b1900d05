package registry

import (
	"context"
	"sync"

	"github.com/flowd-io/flowd/execution"
	"github.com/flowd-io/flowd/flowerr"
	"github.com/flowd-io/flowd/model"
)

// Executor is the uniform capability every component implements,
// regardless of kind. Implementations may return a typed execution
// failure; the engine knows nothing of their internals.
type Executor interface {
	Execute(ctx context.Context, operation string, input map[string]any, ec *execution.Context) (map[string]any, error)
}

// ExecutorFunc adapts a plain function to the Executor contract.
type ExecutorFunc func(ctx context.Context, operation string, input map[string]any, ec *execution.Context) (map[string]any, error)

func (f ExecutorFunc) Execute(ctx context.Context, operation string, input map[string]any, ec *execution.Context) (map[string]any, error) {
	return f(ctx, operation, input, ec)
}

// ParameterDescriptor and OperationDescriptor are plain configuration
// data validated at registration time.
type ParameterDescriptor struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

type OperationDescriptor struct {
	Name       string                `json:"name"`
	Parameters []ParameterDescriptor `json:"parameters,omitempty"`
}

type Descriptor struct {
	Name       string                `json:"name"`
	Kind       model.StepKind        `json:"kind"`
	Operations []OperationDescriptor `json:"operations"`
}

type entry struct {
	descriptor Descriptor
	executor   Executor
}

// Registry is the lifecycle scoped component catalog handed to the
// engine at construction. There is no process wide instance.
type Registry struct {
	mu         sync.RWMutex
	components map[string]entry
}

func New() *Registry {
	return &Registry{
		components: make(map[string]entry),
	}
}

func (r *Registry) Register(descriptor Descriptor, executor Executor) error {
	if descriptor.Name == "" {
		return flowerr.New(flowerr.KIND_CONFIGURATION, "COMPONENT_NAME_EMPTY", "component name can not be empty")
	}
	if !model.ValidStepKind(descriptor.Kind) {
		return flowerr.Newf(flowerr.KIND_CONFIGURATION, "COMPONENT_KIND_INVALID", "invalid component kind %s", descriptor.Kind)
	}
	if executor == nil {
		return flowerr.Newf(flowerr.KIND_CONFIGURATION, "COMPONENT_EXECUTOR_NIL", "component %s has no executor", descriptor.Name)
	}
	seen := make(map[string]bool, len(descriptor.Operations))
	for _, op := range descriptor.Operations {
		if op.Name == "" {
			return flowerr.Newf(flowerr.KIND_CONFIGURATION, "OPERATION_NAME_EMPTY", "component %s declares an unnamed operation", descriptor.Name)
		}
		if seen[op.Name] {
			return flowerr.Newf(flowerr.KIND_CONFIGURATION, "OPERATION_DUPLICATE", "component %s declares operation %s twice", descriptor.Name, op.Name)
		}
		seen[op.Name] = true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.components[descriptor.Name]; ok {
		return flowerr.Newf(flowerr.KIND_CONFIGURATION, "COMPONENT_DUPLICATE", "component %s already registered", descriptor.Name)
	}
	r.components[descriptor.Name] = entry{descriptor: descriptor, executor: executor}
	return nil
}

func (r *Registry) Lookup(name string) (Executor, Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.components[name]
	if !ok {
		return nil, Descriptor{}, flowerr.Newf(flowerr.KIND_NOT_FOUND, "COMPONENT_NOT_FOUND", "component %s not registered", name)
	}
	return e.executor, e.descriptor, nil
}

// Supports reports whether a component declares the operation. A
// component without declared operations accepts any operation name.
func (r *Registry) Supports(name string, operation string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.components[name]
	if !ok {
		return false
	}
	if len(e.descriptor.Operations) == 0 {
		return true
	}
	for _, op := range e.descriptor.Operations {
		if op.Name == operation {
			return true
		}
	}
	return false
}
