package suspend

import (
	"errors"
	"sync"
	"time"

	"github.com/RussellLuo/timingwheel"
	"github.com/flowd-io/flowd/flowerr"
	"github.com/flowd-io/flowd/logger"
	"github.com/flowd-io/flowd/model"
	"github.com/flowd-io/flowd/persistence"
	"github.com/flowd-io/flowd/util"
	"go.uber.org/zap"
)

// FlowHandler is how control returns to the flow engine once a
// suspended conversation transitions. Wired by the agent, it breaks the
// dependency between the manager and the engine.
type FlowHandler interface {
	ResumeSuspended(conversation model.SuspendedConversation) error
	FailSuspended(flowId string, cause *flowerr.Error) error
}

// Manager implements the human in the loop checkpoint protocol: it
// captures a flow awaiting external input behind a single use resume
// token and reconstitutes context when the input arrives.
type Manager struct {
	storage persistence.SuspensionRepository
	handler FlowHandler
	wheel   *timingwheel.TimingWheel
	sweeper *util.TickWorker
	stop    chan struct{}
	wg      *sync.WaitGroup
}

func NewManager(storage persistence.SuspensionRepository, sweepInterval time.Duration, wg *sync.WaitGroup) *Manager {
	m := &Manager{
		storage: storage,
		wheel:   timingwheel.NewTimingWheel(time.Second, 3600),
		stop:    make(chan struct{}),
		wg:      wg,
	}
	m.sweeper = util.NewTickWorker("suspension-sweeper", sweepInterval, m.stop, m.sweep, wg)
	return m
}

// Bind attaches the flow handler. Must be called before Resume or the
// sweep can hand control back.
func (m *Manager) Bind(handler FlowHandler) {
	m.handler = handler
}

func (m *Manager) Start() {
	m.wheel.Start()
	m.sweeper.Start()
}

func (m *Manager) Stop() {
	m.wheel.Stop()
	if m.sweeper.IsRunning() {
		m.sweeper.Stop()
	}
}

// Suspend captures a flow awaiting external input. A zero ttl means the
// conversation never expires.
func (m *Manager) Suspend(flowId string, executionId string, form model.FormDescriptor, ttl time.Duration, snapshot map[string]any) (*model.SuspendedConversation, error) {
	conversation := model.NewSuspendedConversation(flowId, executionId, form, ttl, snapshot)
	if err := m.storage.Save(conversation); err != nil {
		return nil, flowerr.Wrap(flowerr.KIND_SYSTEM, "SUSPENSION_SAVE_FAILED", "could not persist suspended conversation", err)
	}
	if ttl > 0 {
		token := conversation.ResumeToken
		m.wheel.AfterFunc(ttl+time.Second, func() {
			if _, err := m.Timeout(token); err != nil {
				logger.Debug("suspension timer fired on settled conversation", zap.String("flowId", flowId), zap.Error(err))
			}
		})
	}
	logger.Info("flow suspended awaiting input",
		zap.String("flowId", flowId),
		zap.String("conversation", conversation.ConversationId),
		zap.Duration("ttl", ttl))
	return &conversation, nil
}

// Resume validates the token, transitions the record atomically, and
// hands the merged context back to the engine. The error distinguishes
// unknown token, expired, and already resumed.
func (m *Manager) Resume(token string, formData map[string]any) (*model.SuspendedConversation, error) {
	current, err := m.lookup(token)
	if err != nil {
		return nil, err
	}
	// one clock value for the whole resume: the expiry decision can not
	// flip between the check and the transition
	next, err := current.Resumed(formData, time.Now())
	if err != nil {
		return nil, err
	}
	if err := m.transition(*current, next); err != nil {
		return nil, err
	}
	logger.Info("flow resumed from suspension",
		zap.String("flowId", next.WorkflowId),
		zap.String("conversation", next.ConversationId))
	if m.handler != nil {
		if err := m.handler.ResumeSuspended(next); err != nil {
			return nil, err
		}
	}
	return &next, nil
}

// Cancel invalidates the token and marks the conversation Cancelled.
func (m *Manager) Cancel(token string) (*model.SuspendedConversation, error) {
	current, err := m.lookup(token)
	if err != nil {
		return nil, err
	}
	next, err := current.Cancelled()
	if err != nil {
		return nil, err
	}
	if err := m.transition(*current, next); err != nil {
		return nil, err
	}
	logger.Info("suspended conversation cancelled", zap.String("flowId", next.WorkflowId), zap.String("conversation", next.ConversationId))
	return &next, nil
}

// Timeout marks the conversation TimedOut and fails the owning flow
// with a Timeout error.
func (m *Manager) Timeout(token string) (*model.SuspendedConversation, error) {
	current, err := m.lookup(token)
	if err != nil {
		return nil, err
	}
	next, err := current.TimedOut()
	if err != nil {
		return nil, err
	}
	if err := m.transition(*current, next); err != nil {
		return nil, err
	}
	logger.Info("suspended conversation timed out", zap.String("flowId", next.WorkflowId), zap.String("conversation", next.ConversationId))
	if m.handler != nil {
		cause := flowerr.Newf(flowerr.KIND_TIMEOUT, "SUSPENSION_EXPIRED",
			"conversation %s expired while waiting for input", next.ConversationId)
		if err := m.handler.FailSuspended(next.WorkflowId, cause); err != nil {
			logger.Error("error failing flow after suspension timeout", zap.String("flowId", next.WorkflowId), zap.Error(err))
		}
	}
	return &next, nil
}

// CancelFlow releases every waiting conversation of a flow, part of the
// engine's cancel cascade.
func (m *Manager) CancelFlow(flowId string) error {
	conversations, err := m.storage.ListByFlow(flowId)
	if err != nil {
		return err
	}
	for _, conversation := range conversations {
		if conversation.Status != model.SUSPENSION_WAITING {
			continue
		}
		if _, err := m.Cancel(conversation.ResumeToken); err != nil {
			// a concurrent resume may have settled it already
			if flowerr.IsKind(err, flowerr.KIND_INVALID_STATE) {
				continue
			}
			return err
		}
	}
	return nil
}

// sweep times out every waiting conversation whose expiry has passed.
// Covers timers lost to a process restart.
func (m *Manager) sweep() {
	conversations, err := m.storage.ListWaiting()
	if err != nil {
		logger.Error("error listing waiting conversations", zap.Error(err))
		return
	}
	now := time.Now()
	for _, conversation := range conversations {
		if !conversation.IsExpired(now) {
			continue
		}
		if _, err := m.Timeout(conversation.ResumeToken); err != nil {
			logger.Debug("sweep lost race on conversation", zap.String("conversation", conversation.ConversationId), zap.Error(err))
		}
	}
}

func (m *Manager) lookup(token string) (*model.SuspendedConversation, error) {
	conversation, err := m.storage.GetByToken(token)
	if err != nil {
		var notFound persistence.NotFoundError
		if errors.As(err, &notFound) {
			return nil, flowerr.New(flowerr.KIND_NOT_FOUND, "SUSPENSION_NOT_FOUND", "no conversation for resume token")
		}
		return nil, flowerr.Wrap(flowerr.KIND_SYSTEM, "SUSPENSION_LOOKUP_FAILED", "could not look up resume token", err)
	}
	return conversation, nil
}

func (m *Manager) transition(old model.SuspendedConversation, next model.SuspendedConversation) error {
	err := m.storage.Transition(old, next)
	if err == nil {
		return nil
	}
	var invalid persistence.InvalidTokenError
	if errors.As(err, &invalid) {
		return flowerr.New(flowerr.KIND_INVALID_STATE, "SUSPENSION_ALREADY_RESUMED",
			"resume token already consumed by a concurrent transition")
	}
	var notFound persistence.NotFoundError
	if errors.As(err, &notFound) {
		return flowerr.New(flowerr.KIND_NOT_FOUND, "SUSPENSION_NOT_FOUND", "no conversation for resume token")
	}
	return flowerr.Wrap(flowerr.KIND_SYSTEM, "SUSPENSION_TRANSITION_FAILED", "could not transition conversation", err)
}
