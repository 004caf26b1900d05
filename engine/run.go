package engine

import (
	"context"
	"errors"
	"time"

	"github.com/flowd-io/flowd/execution"
	"github.com/flowd-io/flowd/flowerr"
	"github.com/flowd-io/flowd/logger"
	"github.com/flowd-io/flowd/model"
	"github.com/flowd-io/flowd/suspend"
	"go.uber.org/zap"
)

func (e *Engine) dispatch(def *model.FlowDefinition, state *model.FlowState, currentCompleted bool, completedOutput map[string]any) {
	if !e.runners.acquire(state.FlowId) {
		// a loop is still draining its in flight step; it reads the
		// control signal at the next settle and carries on from there
		logger.Info("run loop still active, in flight step adopts the new status",
			zap.String("flowId", state.FlowId))
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runLoop(def, state, currentCompleted, completedOutput)
	}()
}

// runLoop drives one flow instance to a stopping point: a terminal
// status, a pause, or a suspension. Within the loop steps execute
// sequentially until routing resolves more than one next step, at which
// point the set fans out to the parallel executor.
func (e *Engine) runLoop(def *model.FlowDefinition, state *model.FlowState, currentCompleted bool, completedOutput map[string]any) {
	ec := execution.NewContext(state.FlowId, def, state, nil)
	ctx := context.Background()
	if def.Config.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		deadline := state.StartedAt.Add(time.Duration(def.Config.TimeoutSeconds) * time.Second)
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	step, ok := def.StepById(state.CurrentStepId)
	if !ok {
		e.failRun(state, flowerr.Newf(flowerr.KIND_EXECUTION, "STEP_NOT_FOUND",
			"flow %s references unknown step %s", state.FlowId, state.CurrentStepId))
		return
	}

	var current []model.Step
	source := step
	if currentCompleted {
		// the suspended step finished with the submitted form data and
		// counts like any other executed step
		unlock := e.locks.Lock(state.FlowId)
		current = e.settle(def, state, ec, step, model.StepResult{
			StepId:  step.Id,
			Status:  model.RESULT_COMPLETED,
			Output:  completedOutput,
			Metrics: model.ExecutionMetrics{StepsExecuted: 1},
		})
		unlock()
	} else {
		current = []model.Step{step}
	}

	for len(current) > 0 {
		if len(current) == 1 {
			step := current[0]
			result, inputReq := e.executeStep(ctx, def, state, step, ec)
			if inputReq != nil {
				e.suspendRun(def, state, step, inputReq)
				return
			}
			unlock := e.locks.Lock(state.FlowId)
			current = e.settle(def, state, ec, step, result)
			unlock()
			source = step
		} else {
			run := e.ExecuteParallel(ctx, def, state, current, ec)
			results := run.AwaitCompletion()
			unlock := e.locks.Lock(state.FlowId)
			current, source = e.merge(def, state, ec, source, current, results)
			unlock()
		}
	}
}

// settle records a finished step and resolves the next step set. An
// empty return stops the loop: the flow completed, failed, paused or
// was cancelled. Caller holds the flow lock.
func (e *Engine) settle(def *model.FlowDefinition, state *model.FlowState, ec *execution.Context, step model.Step, result model.StepResult) []model.Step {
	if e.signalStatus(state.FlowId) == model.FLOW_STOPPED {
		// cancel already persisted the terminal state
		e.endRun(state.FlowId)
		return nil
	}
	ec.AddMetrics(result.Metrics)

	var targets []model.Step
	if result.Failed() {
		targets = e.nextSteps(def, ec, step.Id, model.CONNECTION_ERROR)
		if len(targets) == 0 {
			var cause *flowerr.Error
			if len(result.Errors) > 0 {
				cause = result.Errors[0]
			} else {
				cause = flowerr.Newf(flowerr.KIND_EXECUTION, "STEP_FAILED", "step %s failed", step.Id)
			}
			e.failRun(state, cause)
			return nil
		}
		e.appendCompleted(state, step.Id)
	} else {
		ec.RecordStepOutput(step.Id, result.Output)
		e.appendCompleted(state, step.Id)
		targets = e.nextSteps(def, ec, step.Id, model.CONNECTION_SUCCESS, model.CONNECTION_TOOL)
		if len(targets) == 0 {
			e.completeRun(state, result.Output)
			return nil
		}
	}

	if e.signalStatus(state.FlowId) == model.FLOW_PAUSED {
		state.Status = model.FLOW_PAUSED
	}
	state.CurrentStepId = targets[0].Id
	if len(targets) > 1 {
		// fan out: keep the source step current so error routing after
		// the join starts from it
		state.CurrentStepId = step.Id
	}
	if err := e.persist(state); err != nil {
		logger.Error("error persisting flow state", zap.String("flowId", state.FlowId), zap.Error(err))
		e.runners.release(state.FlowId)
		return nil
	}
	if state.Status == model.FLOW_PAUSED {
		logger.Info("flow paused", zap.String("flowId", state.FlowId), zap.String("currentStep", state.CurrentStepId))
		e.runners.release(state.FlowId)
		return nil
	}
	return targets
}

// merge folds branch results back into the parent path after a join.
// Branch order is the declared order, so conflicting variable writes
// resolve reproducibly. Besides the next step set it returns the step
// the set fans out from, so a follow-up merge routes branch failures
// over that step's error connections. Caller holds the flow lock.
func (e *Engine) merge(def *model.FlowDefinition, state *model.FlowState, ec *execution.Context, source model.Step, steps []model.Step, results []model.StepResult) ([]model.Step, model.Step) {
	if e.signalStatus(state.FlowId) == model.FLOW_STOPPED {
		e.endRun(state.FlowId)
		return nil, source
	}

	children := make([]model.ExecutionPath, 0, len(steps))
	anyFailed := false
	var lastOutput map[string]any
	for i, result := range results {
		status := model.PATH_COMPLETED
		if result.Failed() {
			status = model.PATH_FAILED
			anyFailed = true
		} else {
			ec.RecordStepOutput(steps[i].Id, result.Output)
			if result.Output != nil {
				lastOutput = result.Output
			}
		}
		ec.AddMetrics(result.Metrics)
		children = append(children, model.ExecutionPath{
			Id:             result.StepId + "-" + state.FlowId,
			Status:         status,
			CompletedSteps: []string{result.StepId},
		})
	}
	e.mergePaths(state, children)

	var targets []model.Step
	origin := source
	if anyFailed {
		targets = e.nextSteps(def, ec, source.Id, model.CONNECTION_ERROR)
		if len(targets) == 0 {
			e.failRun(state, flowerr.Newf(flowerr.KIND_EXECUTION, "BRANCH_FAILED",
				"parallel branch of step %s failed and no error path exists", source.Id))
			return nil, source
		}
	} else {
		targets, origin = e.branchSuccessors(def, ec, steps)
		if len(targets) == 0 {
			e.completeRun(state, lastOutput)
			return nil, source
		}
	}

	if e.signalStatus(state.FlowId) == model.FLOW_PAUSED {
		state.Status = model.FLOW_PAUSED
	}
	state.CurrentStepId = targets[0].Id
	if len(targets) > 1 {
		state.CurrentStepId = origin.Id
	}
	if err := e.persist(state); err != nil {
		logger.Error("error persisting flow state", zap.String("flowId", state.FlowId), zap.Error(err))
		e.runners.release(state.FlowId)
		return nil, origin
	}
	if state.Status == model.FLOW_PAUSED {
		e.runners.release(state.FlowId)
		return nil, origin
	}
	return targets, origin
}

// branchSuccessors collects the distinct success targets of every
// branch step, preserving branch order. The second return is the first
// branch step contributing a target: when the joined set fans out
// again, that step's error connections govern the next merge.
func (e *Engine) branchSuccessors(def *model.FlowDefinition, ec *execution.Context, steps []model.Step) ([]model.Step, model.Step) {
	seen := make(map[string]bool)
	var targets []model.Step
	var origin model.Step
	for _, step := range steps {
		next := e.nextSteps(def, ec, step.Id, model.CONNECTION_SUCCESS, model.CONNECTION_TOOL)
		if len(next) > 0 && origin.Id == "" {
			origin = step
		}
		for _, n := range next {
			if seen[n.Id] {
				continue
			}
			seen[n.Id] = true
			targets = append(targets, n)
		}
	}
	return targets, origin
}

func (e *Engine) nextSteps(def *model.FlowDefinition, ec *execution.Context, stepId string, kinds ...model.ConnectionKind) []model.Step {
	conns := def.OutgoingConnections(stepId, kinds...)
	var steps []model.Step
	for _, conn := range conns {
		if !evalCondition(conn.Condition, ec.Variables()) {
			continue
		}
		step, ok := def.StepById(conn.Target)
		if !ok {
			continue
		}
		steps = append(steps, step)
	}
	return steps
}

// executeStep runs one step through its component executor, applying
// the flow's retry policy locally. A request for external input is
// returned separately and is never retried.
func (e *Engine) executeStep(ctx context.Context, def *model.FlowDefinition, state *model.FlowState, step model.Step, ec *execution.Context) (model.StepResult, *suspend.InputRequest) {
	stepStart := time.Now()
	offset := stepStart.Sub(state.StartedAt)

	componentName := step.Component
	if componentName == "" {
		componentName = step.Operation
	}
	executor, _, err := e.registry.Lookup(componentName)
	if err != nil {
		e.emitter.Error(state.FlowId, step.Id, err)
		return e.failedResult(step, err, stepStart), nil
	}
	if !e.registry.Supports(componentName, step.Operation) {
		err := flowerr.Newf(flowerr.KIND_CONFIGURATION, "OPERATION_UNSUPPORTED",
			"component %s does not support operation %s", componentName, step.Operation)
		e.emitter.Error(state.FlowId, step.Id, err)
		return e.failedResult(step, err, stepStart), nil
	}

	input := ec.ResolveStepInput(step)
	policy := def.Config.Retry
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	retries := 0
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		output, err := executor.Execute(ctx, step.Operation, input, ec)
		if err == nil {
			duration := time.Since(stepStart)
			e.emitter.StepSpan(state.FlowId, step.Id, offset, duration)
			return model.StepResult{
				StepId: step.Id,
				Status: model.RESULT_COMPLETED,
				Output: output,
				Metrics: model.ExecutionMetrics{
					StepsExecuted:  1,
					RetriesApplied: retries,
					Elapsed:        duration,
				},
			}, nil
		}
		if req, ok := suspend.AsInputRequest(err); ok {
			e.emitter.StepSpan(state.FlowId, step.Id, offset, time.Since(stepStart))
			return model.StepResult{StepId: step.Id, Status: model.RESULT_SUSPENDED}, req
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = flowerr.Wrap(flowerr.KIND_TIMEOUT, "STEP_TIMEOUT",
				"step "+step.Id+" exceeded the flow timeout", err)
		}
		lastErr = err
		e.emitter.Error(state.FlowId, step.Id, err)
		kind := flowerr.KindOf(err)
		if kind == flowerr.KIND_NOT_FOUND {
			break
		}
		if attempt < maxAttempts && policy.Retryable(kind) {
			retries++
			logger.Info("retrying step",
				zap.String("flowId", state.FlowId),
				zap.String("step", step.Id),
				zap.Int("attempt", attempt+1))
			time.Sleep(policy.Delay(attempt))
			continue
		}
		break
	}
	result := e.failedResult(step, lastErr, stepStart)
	result.Metrics.RetriesApplied = retries
	return result, nil
}

func (e *Engine) failedResult(step model.Step, err error, stepStart time.Time) model.StepResult {
	return model.StepResult{
		StepId: step.Id,
		Status: model.RESULT_FAILED,
		Metrics: model.ExecutionMetrics{
			StepsExecuted: 1,
			StepsFailed:   1,
			Elapsed:       time.Since(stepStart),
		},
		Errors: []*flowerr.Error{asFlowError(err)},
	}
}

// suspendRun parks the flow awaiting external input. This is a durable
// suspension: the process may die and the resume still works.
func (e *Engine) suspendRun(def *model.FlowDefinition, state *model.FlowState, step model.Step, req *suspend.InputRequest) {
	unlock := e.locks.Lock(state.FlowId)
	defer unlock()
	defer e.runners.release(state.FlowId)
	if e.signalStatus(state.FlowId) == model.FLOW_STOPPED {
		// cancel already persisted the terminal state; creating the
		// conversation now would resurrect a stopped flow
		e.locks.Forget(state.FlowId)
		return
	}
	snapshot := make(map[string]any, len(state.Variables))
	for k, v := range state.Variables {
		snapshot[k] = v
	}
	if e.suspender == nil {
		e.failRun(state, flowerr.Newf(flowerr.KIND_CONFIGURATION, "SUSPENDER_MISSING",
			"step %s requires external input but no suspend manager is wired", step.Id))
		return
	}
	conversation, err := e.suspender.Suspend(state.FlowId, def.Id, req.Form, req.TTL, snapshot)
	if err != nil {
		e.failRun(state, asFlowError(err))
		return
	}
	state.CurrentStepId = step.Id
	e.transition(state, model.FLOW_PAUSED)
	if err := e.persist(state); err != nil {
		logger.Error("error persisting suspended flow", zap.String("flowId", state.FlowId), zap.Error(err))
		return
	}
	logger.Info("flow suspended",
		zap.String("flowId", state.FlowId),
		zap.String("step", step.Id),
		zap.String("conversation", conversation.ConversationId))
}

func (e *Engine) completeRun(state *model.FlowState, output map[string]any) {
	if output != nil {
		state.Variables["output"] = output
	}
	e.transition(state, model.FLOW_COMPLETED)
	e.closePaths(state, model.PATH_COMPLETED)
	defer e.endRun(state.FlowId)
	if err := e.persist(state); err != nil {
		logger.Error("error persisting completed flow", zap.String("flowId", state.FlowId), zap.Error(err))
		return
	}
	e.emitter.FlowEnded(state.FlowId, model.FLOW_COMPLETED, state.Metrics.StepsExecuted)
	logger.Info("flow completed", zap.String("flowId", state.FlowId))
}

func (e *Engine) failRun(state *model.FlowState, cause *flowerr.Error) {
	state.Error = cause
	e.transition(state, model.FLOW_FAILED)
	e.closePaths(state, model.PATH_FAILED)
	defer e.endRun(state.FlowId)
	if err := e.persist(state); err != nil {
		logger.Error("error persisting failed flow", zap.String("flowId", state.FlowId), zap.Error(err))
		return
	}
	e.emitter.FlowEnded(state.FlowId, model.FLOW_FAILED, state.Metrics.StepsExecuted)
	logger.Info("flow failed", zap.String("flowId", state.FlowId), zap.Error(cause))
}

// endRun releases the run loop slot and drops the per flow lock entry.
// Called once the terminal status is persisted, so late control
// operations re-read that status and no-op.
func (e *Engine) endRun(flowId string) {
	e.runners.release(flowId)
	e.locks.Forget(flowId)
}

// signalStatus reads the control signal for a flow, preferring the
// cache and falling back to the repository.
func (e *Engine) signalStatus(flowId string) model.FlowStatus {
	if status, ok := e.statusCache.GetFlowStatus(flowId); ok {
		return status
	}
	state, err := e.states.GetState(flowId)
	if err != nil {
		return model.FLOW_RUNNING
	}
	return state.Status
}

func (e *Engine) appendCompleted(state *model.FlowState, stepId string) {
	for i := len(state.Paths) - 1; i >= 0; i-- {
		if !state.Paths[i].Status.Terminal() {
			state.Paths[i].CompletedSteps = append(state.Paths[i].CompletedSteps, stepId)
			return
		}
	}
}

// mergePaths attaches the joined branches as children of the active
// path, marks it merged, and opens a fresh path for the continuation.
func (e *Engine) mergePaths(state *model.FlowState, children []model.ExecutionPath) {
	for i := len(state.Paths) - 1; i >= 0; i-- {
		if !state.Paths[i].Status.Terminal() {
			state.Paths[i].Children = children
			state.Paths[i].Status = model.PATH_MERGED
			break
		}
	}
	state.Paths = append(state.Paths, model.ExecutionPath{
		Id:     state.FlowId + "-" + time.Now().Format("150405.000000"),
		Status: model.PATH_RUNNING,
	})
}

func asFlowError(err error) *flowerr.Error {
	if err == nil {
		return nil
	}
	var fe *flowerr.Error
	if errors.As(err, &fe) {
		return fe
	}
	return flowerr.Wrap(flowerr.KIND_EXECUTION, "STEP_EXECUTION_FAILED", err.Error(), err)
}
