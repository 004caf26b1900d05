package persistence

import (
	"fmt"

	"github.com/flowd-io/flowd/model"
)

// FlowRepository stores validated flow definitions.
type FlowRepository interface {
	Save(def *model.FlowDefinition) error
	FindById(id string) (*model.FlowDefinition, error)
	Delete(id string) error
}

// StateRepository persists the FlowState after every engine transition.
// GetState must reflect the latest persisted state; the engine never
// answers status queries from memory alone.
type StateRepository interface {
	SaveState(flowId string, state *model.FlowState) error
	GetState(flowId string) (*model.FlowState, error)
	GetActiveStates() ([]*model.FlowState, error)
	SaveAuditLog(flowId string, entry model.AuditLogEntry) error
}

// SuspensionRepository stores suspended conversations keyed by resume
// token. Transition is the single writer guarantee: it replaces old with
// next only while the stored record still matches old's status, and
// reports InvalidTokenError otherwise.
type SuspensionRepository interface {
	Save(conversation model.SuspendedConversation) error
	GetByToken(token string) (*model.SuspendedConversation, error)
	Transition(old model.SuspendedConversation, next model.SuspendedConversation) error
	ListWaiting() ([]model.SuspendedConversation, error)
	ListByFlow(flowId string) ([]model.SuspendedConversation, error)
}

type StorageLayerError struct {
	Cause error
}

func (e StorageLayerError) Error() string {
	return fmt.Sprintf("error in underlying storage layer: %v", e.Cause)
}

func (e StorageLayerError) Unwrap() error {
	return e.Cause
}

type NotFoundError struct {
	Key string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s not found", e.Key)
}

// InvalidTokenError reports a lost compare and swap on a suspension
// record: the token was consumed by a concurrent transition.
type InvalidTokenError struct {
	Token string
}

func (e InvalidTokenError) Error() string {
	return "resume token is no longer valid"
}
