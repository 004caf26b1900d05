package model

import "github.com/flowd-io/flowd/flowerr"

type ResultStatus string

const RESULT_COMPLETED ResultStatus = "COMPLETED"
const RESULT_FAILED ResultStatus = "FAILED"
const RESULT_SUSPENDED ResultStatus = "SUSPENDED"

// StepResult is the immutable outcome of one step execution.
type StepResult struct {
	StepId  string           `json:"stepId"`
	Status  ResultStatus     `json:"status"`
	Output  map[string]any   `json:"output,omitempty"`
	Metrics ExecutionMetrics `json:"metrics"`
	Errors  []*flowerr.Error `json:"errors,omitempty"`
}

func (r StepResult) Failed() bool {
	return r.Status == RESULT_FAILED
}

// FlowResult is the immutable outcome of a whole flow execution.
type FlowResult struct {
	FlowId  string           `json:"flowId"`
	Status  FlowStatus       `json:"status"`
	Output  map[string]any   `json:"output,omitempty"`
	Metrics ExecutionMetrics `json:"metrics"`
	Errors  []*flowerr.Error `json:"errors,omitempty"`
}
