package engine

import (
	"context"
	"sync"

	"github.com/flowd-io/flowd/execution"
	"github.com/flowd-io/flowd/flowerr"
	"github.com/flowd-io/flowd/model"
)

// ParallelRun tracks one fan-out. Each branch owns a result slot fixed
// at launch, so completion order never changes the merged outcome.
type ParallelRun struct {
	results []model.StepResult
	done    chan struct{}
}

// ExecuteParallel launches every branch step concurrently against an
// isolated copy of the variables. Results land in declaration order.
func (e *Engine) ExecuteParallel(ctx context.Context, def *model.FlowDefinition, state *model.FlowState, steps []model.Step, ec *execution.Context) *ParallelRun {
	run := &ParallelRun{
		results: make([]model.StepResult, len(steps)),
		done:    make(chan struct{}),
	}
	var wg sync.WaitGroup
	for i, step := range steps {
		wg.Add(1)
		go func(slot int, step model.Step) {
			defer wg.Done()
			branch := ec.Branch()
			result, inputReq := e.executeStep(ctx, def, state, step, branch)
			if inputReq != nil {
				// a branch can not park the whole flow; surface it as a
				// branch failure so the join routes the error path
				result = model.StepResult{
					StepId: step.Id,
					Status: model.RESULT_FAILED,
					Errors: []*flowerr.Error{flowerr.Newf(flowerr.KIND_INVALID_STATE, "SUSPEND_IN_BRANCH",
						"step %s requested external input inside a parallel branch", step.Id)},
					Metrics: model.ExecutionMetrics{StepsExecuted: 1, StepsFailed: 1},
				}
			}
			run.results[slot] = result
		}(i, step)
	}
	go func() {
		wg.Wait()
		close(run.done)
	}()
	return run
}

// AwaitCompletion blocks until every branch settles, including failed
// ones, and returns the results in branch declaration order. Calling it
// again returns the same slice without blocking.
func (r *ParallelRun) AwaitCompletion() []model.StepResult {
	<-r.done
	return r.results
}
