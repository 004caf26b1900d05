package model

import (
	"time"

	"github.com/flowd-io/flowd/flowerr"
)

type StepKind string

const STEP_KIND_ASSISTANT StepKind = "ASSISTANT"
const STEP_KIND_AGENT StepKind = "AGENT"
const STEP_KIND_TOOL StepKind = "TOOL"
const STEP_KIND_CUSTOM StepKind = "CUSTOM"

func ValidStepKind(kind StepKind) bool {
	switch kind {
	case STEP_KIND_ASSISTANT, STEP_KIND_AGENT, STEP_KIND_TOOL, STEP_KIND_CUSTOM:
		return true
	}
	return false
}

type ConnectionKind string

const CONNECTION_SUCCESS ConnectionKind = "SUCCESS"
const CONNECTION_ERROR ConnectionKind = "ERROR"
const CONNECTION_TOOL ConnectionKind = "TOOL"

func ValidConnectionKind(kind ConnectionKind) bool {
	switch kind {
	case CONNECTION_SUCCESS, CONNECTION_ERROR, CONNECTION_TOOL:
		return true
	}
	return false
}

type RetryPolicyType string

const RETRY_POLICY_FIXED RetryPolicyType = "FIXED"
const RETRY_POLICY_BACKOFF RetryPolicyType = "BACKOFF"

// RetryPolicy is applied locally to a failing step before the engine
// routes to an error path. Timeout errors are retried only when
// KIND_TIMEOUT appears in RetryableKinds.
type RetryPolicy struct {
	MaxAttempts       int             `json:"maxAttempts"`
	Policy            RetryPolicyType `json:"policy"`
	RetryAfterSeconds int             `json:"retryAfterSeconds"`
	BackoffMultiplier float64         `json:"backoffMultiplier"`
	RetryableKinds    []flowerr.Kind  `json:"retryableKinds,omitempty"`
}

func (p RetryPolicy) Retryable(kind flowerr.Kind) bool {
	if kind == flowerr.KIND_TIMEOUT || len(p.RetryableKinds) > 0 {
		for _, k := range p.RetryableKinds {
			if k == kind {
				return true
			}
		}
		return false
	}
	return true
}

// Delay returns how long to wait before the given retry attempt,
// attempt counting from 1.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	base := time.Duration(p.RetryAfterSeconds) * time.Second
	if p.Policy == RETRY_POLICY_BACKOFF {
		multiplier := p.BackoffMultiplier
		if multiplier <= 0 {
			multiplier = 2.0
		}
		delay := float64(base)
		for i := 1; i < attempt; i++ {
			delay = delay * multiplier
		}
		return time.Duration(delay)
	}
	return base
}

type MonitoringPolicy struct {
	EmitSpans   bool `json:"emitSpans"`
	EmitMetrics bool `json:"emitMetrics"`
}

type FlowConfig struct {
	TimeoutSeconds int              `json:"timeoutSeconds"`
	Retry          RetryPolicy      `json:"retry"`
	Monitoring     MonitoringPolicy `json:"monitoring"`
}

// Step delegates one unit of work to a registered component. Steps are
// owned by their FlowDefinition and never mutated after validation.
type Step struct {
	Id        string         `json:"id"`
	Kind      StepKind       `json:"kind"`
	Component string         `json:"component"`
	Operation string         `json:"operation"`
	Input     map[string]any `json:"input,omitempty"`
}

// StepConnection is a directed edge between two steps. Condition, when
// present, is a javascript expression evaluated against the flow
// variables; the edge is followed only when it evaluates truthy.
type StepConnection struct {
	Source    string         `json:"source"`
	Target    string         `json:"target"`
	Condition string         `json:"condition,omitempty"`
	Kind      ConnectionKind `json:"kind"`
}

// FlowDefinition is immutable once validated.
type FlowDefinition struct {
	Id          string           `json:"id"`
	EntryStep   string           `json:"entryStep"`
	Steps       []Step           `json:"steps"`
	Connections []StepConnection `json:"connections"`
	Config      FlowConfig       `json:"config"`
}

func (d *FlowDefinition) StepById(id string) (Step, bool) {
	for _, step := range d.Steps {
		if step.Id == id {
			return step, true
		}
	}
	return Step{}, false
}

// OutgoingConnections returns the edges leaving a step filtered by
// path classification, preserving declaration order.
func (d *FlowDefinition) OutgoingConnections(stepId string, kinds ...ConnectionKind) []StepConnection {
	var out []StepConnection
	for _, conn := range d.Connections {
		if conn.Source != stepId {
			continue
		}
		for _, kind := range kinds {
			if conn.Kind == kind {
				out = append(out, conn)
				break
			}
		}
	}
	return out
}

type FlowRunRequest struct {
	FlowId string         `json:"flowId"`
	Input  map[string]any `json:"input"`
}
