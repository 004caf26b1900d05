package model

import (
	"time"

	"github.com/flowd-io/flowd/flowerr"
	"github.com/google/uuid"
)

type SuspensionStatus string

const SUSPENSION_WAITING SuspensionStatus = "WAITING"
const SUSPENSION_RESUMED SuspensionStatus = "RESUMED"
const SUSPENSION_CANCELLED SuspensionStatus = "CANCELLED"
const SUSPENSION_TIMEDOUT SuspensionStatus = "TIMEDOUT"
const SUSPENSION_COMPLETED SuspensionStatus = "COMPLETED"

func (s SuspensionStatus) Terminal() bool {
	return s != SUSPENSION_WAITING
}

// FormDescriptor describes the input surfaced to the end user while a
// flow is suspended. The engine treats it as opaque data.
type FormDescriptor struct {
	Title  string           `json:"title,omitempty"`
	Fields []map[string]any `json:"fields,omitempty"`
}

// SuspendedConversation captures a flow blocked on external input. The
// resume token is unguessable and single use: a successful resume,
// cancel or timeout invalidates it permanently. Transitions produce a
// new record rather than mutating in place, preserving the audit trail.
type SuspendedConversation struct {
	ConversationId string           `json:"conversationId"`
	ResumeToken    string           `json:"resumeToken"`
	WorkflowId     string           `json:"workflowId"`
	ExecutionId    string           `json:"workflowExecutionId"`
	Form           FormDescriptor   `json:"form"`
	CreatedAt      time.Time        `json:"createdAt"`
	ExpiresAt      *time.Time       `json:"expiresAt,omitempty"`
	Status         SuspensionStatus `json:"status"`
	Context        map[string]any   `json:"context,omitempty"`
	Priority       int              `json:"priority"`
}

func NewSuspendedConversation(workflowId string, executionId string, form FormDescriptor, ttl time.Duration, snapshot map[string]any) SuspendedConversation {
	now := time.Now()
	var expiresAt *time.Time
	if ttl > 0 {
		t := now.Add(ttl)
		expiresAt = &t
	}
	return SuspendedConversation{
		ConversationId: uuid.New().String(),
		ResumeToken:    uuid.New().String() + uuid.New().String(),
		WorkflowId:     workflowId,
		ExecutionId:    executionId,
		Form:           form,
		CreatedAt:      now,
		ExpiresAt:      expiresAt,
		Status:         SUSPENSION_WAITING,
		Context:        snapshot,
	}
}

// IsExpired is a pure function of ExpiresAt and the given clock value.
func (c SuspendedConversation) IsExpired(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}

// IsActive requires WAITING status and non expiry in one evaluation;
// callers must hold the per token guard when acting on the answer.
func (c SuspendedConversation) IsActive(now time.Time) bool {
	return c.Status == SUSPENSION_WAITING && !c.IsExpired(now)
}

// Resumed derives the successor record for a resume. The expiry
// decision uses the given clock value, captured once by the caller, so
// the same resume is valid or expired consistently across the check and
// the storage transition. The merged context keeps original and
// submitted data apart on purpose: downstream steps distinguish the two.
func (c SuspendedConversation) Resumed(formData map[string]any, now time.Time) (SuspendedConversation, error) {
	if err := c.checkTransition(now); err != nil {
		return SuspendedConversation{}, err
	}
	merged := map[string]any{
		"originalContext": c.Context,
		"formData":        formData,
	}
	next := c
	next.ConversationId = uuid.New().String()
	next.Status = SUSPENSION_RESUMED
	next.Context = merged
	return next, nil
}

func (c SuspendedConversation) Cancelled() (SuspendedConversation, error) {
	if c.Status.Terminal() {
		return SuspendedConversation{}, flowerr.Newf(flowerr.KIND_INVALID_STATE, "SUSPENSION_NOT_WAITING",
			"conversation %s already %s", c.ConversationId, c.Status)
	}
	next := c
	next.Status = SUSPENSION_CANCELLED
	return next, nil
}

func (c SuspendedConversation) TimedOut() (SuspendedConversation, error) {
	if c.Status.Terminal() {
		return SuspendedConversation{}, flowerr.Newf(flowerr.KIND_INVALID_STATE, "SUSPENSION_NOT_WAITING",
			"conversation %s already %s", c.ConversationId, c.Status)
	}
	next := c
	next.Status = SUSPENSION_TIMEDOUT
	return next, nil
}

func (c SuspendedConversation) checkTransition(now time.Time) error {
	if c.Status.Terminal() {
		return flowerr.Newf(flowerr.KIND_INVALID_STATE, "SUSPENSION_ALREADY_RESUMED",
			"conversation %s already %s", c.ConversationId, c.Status)
	}
	if c.IsExpired(now) {
		return flowerr.Newf(flowerr.KIND_TIMEOUT, "SUSPENSION_EXPIRED",
			"conversation %s expired at %s", c.ConversationId, c.ExpiresAt)
	}
	return nil
}
