package memory

import (
	"sync"

	"github.com/flowd-io/flowd/model"
	"github.com/flowd-io/flowd/persistence"
	"github.com/flowd-io/flowd/util"
)

// In process storage, used by tests and embedded deployments. Records
// round trip through the JSON codec so behavior matches the redis daos.

var _ persistence.FlowRepository = new(FlowRepository)

type FlowRepository struct {
	mu    sync.RWMutex
	codec util.EncoderDecoder[model.FlowDefinition]
	flows map[string][]byte
}

func NewFlowRepository() *FlowRepository {
	return &FlowRepository{
		codec: util.NewJsonEncoderDecoder[model.FlowDefinition](),
		flows: make(map[string][]byte),
	}
}

func (r *FlowRepository) Save(def *model.FlowDefinition) error {
	data, err := r.codec.Encode(*def)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flows[def.Id] = data
	return nil
}

func (r *FlowRepository) FindById(id string) (*model.FlowDefinition, error) {
	r.mu.RLock()
	data, ok := r.flows[id]
	r.mu.RUnlock()
	if !ok {
		return nil, persistence.NotFoundError{Key: id}
	}
	return r.codec.Decode(data)
}

func (r *FlowRepository) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.flows, id)
	return nil
}

var _ persistence.StateRepository = new(StateRepository)

type StateRepository struct {
	mu         sync.RWMutex
	stateCodec util.EncoderDecoder[model.FlowState]
	states     map[string][]byte
	auditLogs  map[string][]model.AuditLogEntry
}

func NewStateRepository() *StateRepository {
	return &StateRepository{
		stateCodec: util.NewJsonEncoderDecoder[model.FlowState](),
		states:     make(map[string][]byte),
		auditLogs:  make(map[string][]model.AuditLogEntry),
	}
}

func (r *StateRepository) SaveState(flowId string, state *model.FlowState) error {
	data, err := r.stateCodec.Encode(*state)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[flowId] = data
	return nil
}

func (r *StateRepository) GetState(flowId string) (*model.FlowState, error) {
	r.mu.RLock()
	data, ok := r.states[flowId]
	r.mu.RUnlock()
	if !ok {
		return nil, persistence.NotFoundError{Key: flowId}
	}
	return r.stateCodec.Decode(data)
}

func (r *StateRepository) GetActiveStates() ([]*model.FlowState, error) {
	r.mu.RLock()
	encoded := make([][]byte, 0, len(r.states))
	for _, data := range r.states {
		encoded = append(encoded, data)
	}
	r.mu.RUnlock()
	var active []*model.FlowState
	for _, data := range encoded {
		state, err := r.stateCodec.Decode(data)
		if err != nil {
			return nil, err
		}
		if !state.Status.Terminal() {
			active = append(active, state)
		}
	}
	return active, nil
}

func (r *StateRepository) SaveAuditLog(flowId string, entry model.AuditLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auditLogs[flowId] = append(r.auditLogs[flowId], entry)
	return nil
}

// AuditLog returns the persisted entries for a flow, oldest first.
func (r *StateRepository) AuditLog(flowId string) []model.AuditLogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]model.AuditLogEntry, len(r.auditLogs[flowId]))
	copy(entries, r.auditLogs[flowId])
	return entries
}

var _ persistence.SuspensionRepository = new(SuspensionRepository)

type SuspensionRepository struct {
	mu            sync.Mutex
	codec         util.EncoderDecoder[model.SuspendedConversation]
	conversations map[string][]byte
}

func NewSuspensionRepository() *SuspensionRepository {
	return &SuspensionRepository{
		codec:         util.NewJsonEncoderDecoder[model.SuspendedConversation](),
		conversations: make(map[string][]byte),
	}
}

func (r *SuspensionRepository) Save(conversation model.SuspendedConversation) error {
	data, err := r.codec.Encode(conversation)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conversations[conversation.ResumeToken] = data
	return nil
}

func (r *SuspensionRepository) GetByToken(token string) (*model.SuspendedConversation, error) {
	r.mu.Lock()
	data, ok := r.conversations[token]
	r.mu.Unlock()
	if !ok {
		return nil, persistence.NotFoundError{Key: token}
	}
	return r.codec.Decode(data)
}

// Transition holds the repository lock across the read-compare-write so
// two concurrent resumes of one token see exactly one success.
func (r *SuspensionRepository) Transition(old model.SuspendedConversation, next model.SuspendedConversation) error {
	data, err := r.codec.Encode(next)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.conversations[old.ResumeToken]
	if !ok {
		return persistence.NotFoundError{Key: old.ResumeToken}
	}
	current, err := r.codec.Decode(stored)
	if err != nil {
		return err
	}
	if current.Status != old.Status {
		return persistence.InvalidTokenError{Token: old.ResumeToken}
	}
	r.conversations[old.ResumeToken] = data
	return nil
}

func (r *SuspensionRepository) ListWaiting() ([]model.SuspendedConversation, error) {
	return r.list(func(c model.SuspendedConversation) bool {
		return c.Status == model.SUSPENSION_WAITING
	})
}

func (r *SuspensionRepository) ListByFlow(flowId string) ([]model.SuspendedConversation, error) {
	return r.list(func(c model.SuspendedConversation) bool {
		return c.WorkflowId == flowId
	})
}

func (r *SuspensionRepository) list(match func(model.SuspendedConversation) bool) ([]model.SuspendedConversation, error) {
	r.mu.Lock()
	encoded := make([][]byte, 0, len(r.conversations))
	for _, data := range r.conversations {
		encoded = append(encoded, data)
	}
	r.mu.Unlock()
	var out []model.SuspendedConversation
	for _, data := range encoded {
		conversation, err := r.codec.Decode(data)
		if err != nil {
			return nil, err
		}
		if match(*conversation) {
			out = append(out, *conversation)
		}
	}
	return out, nil
}
