package service

import (
	"github.com/flowd-io/flowd/engine"
	"github.com/flowd-io/flowd/flowerr"
	"github.com/flowd-io/flowd/logger"
	"github.com/flowd-io/flowd/model"
	"github.com/flowd-io/flowd/persistence"
	"github.com/flowd-io/flowd/suspend"
	"github.com/flowd-io/flowd/validator"
	"go.uber.org/zap"
)

// FlowExecutionService is the single entry point the transport layer
// talks to. It owns definition lifecycle and delegates run control to
// the engine and suspension control to the manager.
type FlowExecutionService struct {
	flows      persistence.FlowRepository
	engine     *engine.Engine
	suspension *suspend.Manager
}

func NewFlowExecutionService(flows persistence.FlowRepository, eng *engine.Engine, suspension *suspend.Manager) *FlowExecutionService {
	return &FlowExecutionService{
		flows:      flows,
		engine:     eng,
		suspension: suspension,
	}
}

// RegisterFlow validates and stores a definition. An invalid definition
// is rejected whole, with every violation reported.
func (s *FlowExecutionService) RegisterFlow(def *model.FlowDefinition) error {
	if err := validator.Validate(def); err != nil {
		return err
	}
	if err := s.flows.Save(def); err != nil {
		return err
	}
	logger.Info("flow definition registered", zap.String("definition", def.Id))
	return nil
}

func (s *FlowExecutionService) GetFlowDefinition(definitionId string) (*model.FlowDefinition, error) {
	return s.flows.FindById(definitionId)
}

func (s *FlowExecutionService) DeleteFlowDefinition(definitionId string) error {
	return s.flows.Delete(definitionId)
}

func (s *FlowExecutionService) StartFlow(definitionId string, input map[string]any) (string, error) {
	return s.engine.StartFlow(definitionId, input)
}

// ExecuteDefinition runs a definition without storing it first.
func (s *FlowExecutionService) ExecuteDefinition(def *model.FlowDefinition, input map[string]any) (string, error) {
	return s.engine.ExecuteDefinition(def, input)
}

func (s *FlowExecutionService) PauseFlow(flowId string) error {
	return s.engine.Pause(flowId)
}

func (s *FlowExecutionService) ResumeFlow(flowId string, extra map[string]any) error {
	return s.engine.Resume(flowId, extra)
}

func (s *FlowExecutionService) CancelFlow(flowId string) error {
	return s.engine.Cancel(flowId)
}

func (s *FlowExecutionService) GetFlowStatus(flowId string) (*model.FlowState, error) {
	return s.engine.GetFlowStatus(flowId)
}

func (s *FlowExecutionService) GetFlowResult(flowId string) (*model.FlowResult, error) {
	return s.engine.GetFlowResult(flowId)
}

func (s *FlowExecutionService) GetActiveFlows() ([]*model.FlowState, error) {
	return s.engine.GetActiveFlows()
}

// ResumeSuspension consumes a resume token with the submitted form data
// and continues the owning flow.
func (s *FlowExecutionService) ResumeSuspension(token string, formData map[string]any) (*model.SuspendedConversation, error) {
	if s.suspension == nil {
		return nil, flowerr.New(flowerr.KIND_CONFIGURATION, "SUSPENDER_MISSING", "suspension support is not enabled")
	}
	return s.suspension.Resume(token, formData)
}

// CancelSuspension invalidates a resume token without continuing the
// flow; the flow stays paused for an operator decision.
func (s *FlowExecutionService) CancelSuspension(token string) (*model.SuspendedConversation, error) {
	if s.suspension == nil {
		return nil, flowerr.New(flowerr.KIND_CONFIGURATION, "SUSPENDER_MISSING", "suspension support is not enabled")
	}
	return s.suspension.Cancel(token)
}
