package engine

import (
	"sync"
	"time"

	"github.com/flowd-io/flowd/audit"
	"github.com/flowd-io/flowd/cache"
	"github.com/flowd-io/flowd/flowerr"
	"github.com/flowd-io/flowd/logger"
	"github.com/flowd-io/flowd/model"
	"github.com/flowd-io/flowd/persistence"
	"github.com/flowd-io/flowd/registry"
	"github.com/flowd-io/flowd/validator"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Suspender is the slice of the suspend manager the engine drives.
type Suspender interface {
	Suspend(flowId string, executionId string, form model.FormDescriptor, ttl time.Duration, snapshot map[string]any) (*model.SuspendedConversation, error)
	CancelFlow(flowId string) error
}

// Engine is the flow state machine. All FlowState mutation funnels
// through it under a per flow lock; every transition is persisted
// before the engine moves on.
type Engine struct {
	flows       persistence.FlowRepository
	states      persistence.StateRepository
	registry    *registry.Registry
	suspender   Suspender
	emitter     *audit.Emitter
	statusCache *cache.FlowStatusCache
	locks       *flowLocks
	runners     *runnerGuard
	wg          *sync.WaitGroup
}

func NewEngine(
	flows persistence.FlowRepository,
	states persistence.StateRepository,
	reg *registry.Registry,
	suspender Suspender,
	emitter *audit.Emitter,
	wg *sync.WaitGroup,
) *Engine {
	return &Engine{
		flows:       flows,
		states:      states,
		registry:    reg,
		suspender:   suspender,
		emitter:     emitter,
		statusCache: cache.NewFlowStatusCache(),
		locks:       newFlowLocks(),
		runners:     newRunnerGuard(),
		wg:          wg,
	}
}

// StartFlow validates the stored definition, creates the execution
// state and dispatches the run loop. The flow id is returned
// immediately; progress is observed through GetFlowStatus.
func (e *Engine) StartFlow(definitionId string, input map[string]any) (string, error) {
	def, err := e.flows.FindById(definitionId)
	if err != nil {
		return "", flowerr.Wrap(flowerr.KIND_NOT_FOUND, "FLOW_NOT_FOUND", "flow definition not found", err)
	}
	return e.ExecuteDefinition(def, input)
}

// ExecuteDefinition runs an unstored definition directly. Validation
// always happens first; an invalid flow never partially executes.
func (e *Engine) ExecuteDefinition(def *model.FlowDefinition, input map[string]any) (string, error) {
	if err := validator.Validate(def); err != nil {
		return "", err
	}
	flowId := uuid.New().String()
	state := model.NewFlowState(flowId, def.Id, def.EntryStep, input)
	state.Paths = []model.ExecutionPath{{
		Id:     uuid.New().String(),
		Status: model.PATH_RUNNING,
	}}
	if err := e.persist(state); err != nil {
		return "", err
	}
	e.transition(state, model.FLOW_RUNNING)
	if err := e.persist(state); err != nil {
		return "", err
	}
	e.emitter.FlowStarted(flowId, def.Id)
	logger.Info("starting flow", zap.String("definition", def.Id), zap.String("flowId", flowId))
	e.dispatch(def, state, false, nil)
	return flowId, nil
}

// Pause requests a durable suspension of the flow. The in flight step
// finishes first; pausing an already paused or terminal flow is a no-op.
func (e *Engine) Pause(flowId string) error {
	unlock := e.locks.Lock(flowId)
	defer unlock()
	state, err := e.getState(flowId)
	if err != nil {
		return err
	}
	if state.Status.Terminal() || state.Status == model.FLOW_PAUSED {
		return nil
	}
	e.transition(state, model.FLOW_PAUSED)
	return e.persist(state)
}

// Resume continues a paused flow from its current step. Extra context
// variables are merged before the run loop restarts. If the pause never
// took hold because a step is still in flight, the draining loop picks
// up the running status itself; a second loop is never dispatched.
func (e *Engine) Resume(flowId string, extra map[string]any) error {
	unlock := e.locks.Lock(flowId)
	defer unlock()
	state, err := e.getState(flowId)
	if err != nil {
		return err
	}
	if state.Status != model.FLOW_PAUSED {
		return flowerr.Newf(flowerr.KIND_INVALID_STATE, "FLOW_NOT_PAUSED",
			"flow %s is %s, only a paused flow can be resumed", flowId, state.Status)
	}
	def, err := e.flows.FindById(state.DefinitionId)
	if err != nil {
		return flowerr.Wrap(flowerr.KIND_NOT_FOUND, "FLOW_NOT_FOUND", "flow definition not found", err)
	}
	for k, v := range extra {
		state.Variables[k] = v
	}
	e.transition(state, model.FLOW_RUNNING)
	if err := e.persist(state); err != nil {
		return err
	}
	e.dispatch(def, state, false, nil)
	return nil
}

// Cancel stops a flow cooperatively and releases its suspended
// conversations. Terminal flows are left untouched.
func (e *Engine) Cancel(flowId string) error {
	unlock := e.locks.Lock(flowId)
	defer unlock()
	state, err := e.getState(flowId)
	if err != nil {
		return err
	}
	if state.Status.Terminal() {
		return nil
	}
	e.transition(state, model.FLOW_STOPPED)
	e.closePaths(state, model.PATH_COMPLETED)
	if err := e.persist(state); err != nil {
		return err
	}
	e.emitter.FlowEnded(flowId, model.FLOW_STOPPED, state.Metrics.StepsExecuted)
	if e.suspender != nil {
		if err := e.suspender.CancelFlow(flowId); err != nil {
			logger.Error("error cancelling suspensions for flow", zap.String("flowId", flowId), zap.Error(err))
		}
	}
	e.locks.Forget(flowId)
	return nil
}

// GetFlowStatus reads the latest persisted state, never a cached copy.
func (e *Engine) GetFlowStatus(flowId string) (*model.FlowState, error) {
	return e.getState(flowId)
}

func (e *Engine) GetActiveFlows() ([]*model.FlowState, error) {
	return e.states.GetActiveStates()
}

// GetFlowResult assembles the immutable outcome from persisted state.
func (e *Engine) GetFlowResult(flowId string) (*model.FlowResult, error) {
	state, err := e.getState(flowId)
	if err != nil {
		return nil, err
	}
	result := &model.FlowResult{
		FlowId:  flowId,
		Status:  state.Status,
		Metrics: state.Metrics,
	}
	if output, ok := state.Variables["output"].(map[string]any); ok {
		result.Output = output
	}
	if state.Error != nil {
		result.Errors = append(result.Errors, state.Error)
	}
	return result, nil
}

// ResumeSuspended hands control back after a suspended conversation is
// resumed: the suspended step completes with the submitted form data
// and the flow continues along its success path.
func (e *Engine) ResumeSuspended(conversation model.SuspendedConversation) error {
	flowId := conversation.WorkflowId
	unlock := e.locks.Lock(flowId)
	defer unlock()
	state, err := e.getState(flowId)
	if err != nil {
		return err
	}
	if state.Status != model.FLOW_PAUSED {
		return flowerr.Newf(flowerr.KIND_INVALID_STATE, "FLOW_NOT_PAUSED",
			"flow %s is %s, can not continue from suspension", flowId, state.Status)
	}
	def, err := e.flows.FindById(state.DefinitionId)
	if err != nil {
		return flowerr.Wrap(flowerr.KIND_NOT_FOUND, "FLOW_NOT_FOUND", "flow definition not found", err)
	}
	formData, _ := conversation.Context["formData"].(map[string]any)
	// nested on purpose: downstream steps tell original apart from
	// submitted data
	state.Variables["resume"] = conversation.Context
	e.transition(state, model.FLOW_RUNNING)
	if err := e.persist(state); err != nil {
		return err
	}
	e.dispatch(def, state, true, formData)
	return nil
}

// FailSuspended fails a flow whose suspension timed out.
func (e *Engine) FailSuspended(flowId string, cause *flowerr.Error) error {
	unlock := e.locks.Lock(flowId)
	defer unlock()
	state, err := e.getState(flowId)
	if err != nil {
		return err
	}
	if state.Status.Terminal() {
		return nil
	}
	state.Error = cause
	e.transition(state, model.FLOW_FAILED)
	e.closePaths(state, model.PATH_FAILED)
	if err := e.persist(state); err != nil {
		return err
	}
	e.emitter.Error(flowId, state.CurrentStepId, cause)
	e.emitter.FlowEnded(flowId, model.FLOW_FAILED, state.Metrics.StepsExecuted)
	e.locks.Forget(flowId)
	return nil
}

func (e *Engine) getState(flowId string) (*model.FlowState, error) {
	state, err := e.states.GetState(flowId)
	if err != nil {
		return nil, flowerr.Wrap(flowerr.KIND_NOT_FOUND, "FLOW_STATE_NOT_FOUND", "no state for flow", err)
	}
	return state, nil
}

func (e *Engine) persist(state *model.FlowState) error {
	state.UpdatedAt = time.Now()
	if err := e.states.SaveState(state.FlowId, state); err != nil {
		return flowerr.Wrap(flowerr.KIND_SYSTEM, "STATE_SAVE_FAILED", "could not persist flow state", err)
	}
	e.statusCache.SaveFlowStatus(state.FlowId, state.Status)
	return nil
}

func (e *Engine) transition(state *model.FlowState, to model.FlowStatus) {
	from := state.Status
	state.Status = to
	e.emitter.Transition(state.FlowId, from, to)
}

func (e *Engine) closePaths(state *model.FlowState, status model.PathStatus) {
	for i := range state.Paths {
		if !state.Paths[i].Status.Terminal() {
			state.Paths[i].Status = status
		}
	}
}
