package execution

import (
	"github.com/flowd-io/flowd/model"
	"github.com/flowd-io/flowd/util"
)

// Context is the transient per run state. It is owned exclusively by
// the execution that created it and rebuilt from the persisted
// FlowState on every resume; it is never shared across flow instances.
type Context struct {
	FlowId     string
	Definition *model.FlowDefinition
	State      *model.FlowState
	Memory     Memory
	metrics    model.ExecutionMetrics
}

func NewContext(flowId string, definition *model.FlowDefinition, state *model.FlowState, memory Memory) *Context {
	if memory == nil {
		memory = NewInMemoryConversation()
	}
	return &Context{
		FlowId:     flowId,
		Definition: definition,
		State:      state,
		Memory:     memory,
	}
}

// Rebuild reconstructs a context from persisted state, merging extra
// variables supplied on resume.
func Rebuild(definition *model.FlowDefinition, state *model.FlowState, extra map[string]any, memory Memory) *Context {
	for k, v := range extra {
		state.Variables[k] = v
	}
	return NewContext(state.FlowId, definition, state, memory)
}

// Branch derives an isolated child context for a parallel branch. The
// variable map is copied so concurrent branches never write through to
// the parent; outputs fold back in at the join.
func (c *Context) Branch() *Context {
	clone := *c.State
	vars := make(map[string]any, len(c.State.Variables))
	for k, v := range c.State.Variables {
		vars[k] = v
	}
	clone.Variables = vars
	return NewContext(c.FlowId, c.Definition, &clone, c.Memory)
}

func (c *Context) Variables() map[string]any {
	return c.State.Variables
}

func (c *Context) SetVariable(key string, value any) {
	c.State.Variables[key] = value
}

// RecordStepOutput stores a completed step's output under the step id,
// keyed "output" the way downstream jsonpath references expect.
func (c *Context) RecordStepOutput(stepId string, output map[string]any) {
	if len(output) == 0 {
		return
	}
	c.State.Variables[stepId] = map[string]any{"output": output}
}

// ResolveStepInput applies jsonpath templating to a step's input
// configuration against the current variables.
func (c *Context) ResolveStepInput(step model.Step) map[string]any {
	return util.ResolveInputParams(c.State.Variables, step.Input)
}

func (c *Context) AddMetrics(m model.ExecutionMetrics) {
	c.metrics.Add(m)
	c.State.Metrics.Add(m)
}

func (c *Context) Metrics() model.ExecutionMetrics {
	return c.metrics
}
