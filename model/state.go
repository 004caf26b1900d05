package model

import (
	"time"

	"github.com/flowd-io/flowd/flowerr"
)

type FlowStatus string

const FLOW_INITIALIZED FlowStatus = "INITIALIZED"
const FLOW_RUNNING FlowStatus = "RUNNING"
const FLOW_PAUSED FlowStatus = "PAUSED"
const FLOW_COMPLETED FlowStatus = "COMPLETED"
const FLOW_FAILED FlowStatus = "FAILED"
const FLOW_STOPPED FlowStatus = "STOPPED"

// Terminal reports whether the status admits no further transitions.
func (s FlowStatus) Terminal() bool {
	switch s {
	case FLOW_COMPLETED, FLOW_FAILED, FLOW_STOPPED:
		return true
	}
	return false
}

type PathStatus string

const PATH_STARTED PathStatus = "STARTED"
const PATH_RUNNING PathStatus = "RUNNING"
const PATH_PAUSED PathStatus = "PAUSED"
const PATH_COMPLETED PathStatus = "COMPLETED"
const PATH_FAILED PathStatus = "FAILED"
const PATH_MERGED PathStatus = "MERGED"

func (s PathStatus) Terminal() bool {
	switch s {
	case PATH_COMPLETED, PATH_FAILED, PATH_MERGED:
		return true
	}
	return false
}

// ExecutionPath is one concurrent branch of a flow instance. Paths form
// a tree: a path that merged back is marked MERGED and produces no new
// children.
type ExecutionPath struct {
	Id             string          `json:"id"`
	Status         PathStatus      `json:"status"`
	CompletedSteps []string        `json:"completedSteps"`
	Children       []ExecutionPath `json:"children,omitempty"`
}

// ExecutionMetrics accumulates per-run counters as steps complete.
type ExecutionMetrics struct {
	StepsExecuted  int           `json:"stepsExecuted"`
	StepsFailed    int           `json:"stepsFailed"`
	RetriesApplied int           `json:"retriesApplied"`
	TokensUsed     int64         `json:"tokensUsed"`
	CostMicros     int64         `json:"costMicros"`
	Elapsed        time.Duration `json:"elapsed"`
}

func (m *ExecutionMetrics) Add(other ExecutionMetrics) {
	m.StepsExecuted += other.StepsExecuted
	m.StepsFailed += other.StepsFailed
	m.RetriesApplied += other.RetriesApplied
	m.TokensUsed += other.TokensUsed
	m.CostMicros += other.CostMicros
	m.Elapsed += other.Elapsed
}

// FlowState is the unit of crash recovery. It is mutated exclusively by
// the flow engine and persisted through the state repository after
// every transition.
type FlowState struct {
	FlowId        string           `json:"flowId"`
	DefinitionId  string           `json:"definitionId"`
	Status        FlowStatus       `json:"status"`
	CurrentStepId string           `json:"currentStepId"`
	Variables     map[string]any   `json:"variables"`
	Paths         []ExecutionPath  `json:"paths,omitempty"`
	Metrics       ExecutionMetrics `json:"metrics"`
	Error         *flowerr.Error   `json:"error,omitempty"`
	StartedAt     time.Time        `json:"startedAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

func NewFlowState(flowId string, definitionId string, entryStep string, input map[string]any) *FlowState {
	variables := make(map[string]any)
	variables["input"] = input
	now := time.Now()
	return &FlowState{
		FlowId:        flowId,
		DefinitionId:  definitionId,
		Status:        FLOW_INITIALIZED,
		CurrentStepId: entryStep,
		Variables:     variables,
		StartedAt:     now,
		UpdatedAt:     now,
	}
}
