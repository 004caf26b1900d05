package suspend

import (
	"sync"
	"testing"
	"time"

	"github.com/flowd-io/flowd/flowerr"
	"github.com/flowd-io/flowd/model"
	"github.com/flowd-io/flowd/persistence/memory"
	"github.com/stretchr/testify/require"
)

type fakeHandler struct {
	mu      sync.Mutex
	resumed []model.SuspendedConversation
	failed  map[string]*flowerr.Error
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{failed: make(map[string]*flowerr.Error)}
}

func (h *fakeHandler) ResumeSuspended(conversation model.SuspendedConversation) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resumed = append(h.resumed, conversation)
	return nil
}

func (h *fakeHandler) FailSuspended(flowId string, cause *flowerr.Error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failed[flowId] = cause
	return nil
}

func (h *fakeHandler) resumedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.resumed)
}

func (h *fakeHandler) failure(flowId string) *flowerr.Error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failed[flowId]
}

func TestManager(t *testing.T) {
	for scenario, fn := range map[string]func(
		t *testing.T, manager *Manager, handler *fakeHandler,
	){
		"test suspend and resume":        testSuspendResume,
		"test unknown token":             testUnknownToken,
		"test token is single use":       testSingleUseToken,
		"test expired token":             testExpiredToken,
		"test cancel flow cascade":       testCancelFlowCascade,
		"test concurrent double resume":  testConcurrentDoubleResume,
	} {
		t.Run(scenario, func(t *testing.T) {
			var wg sync.WaitGroup
			handler := newFakeHandler()
			manager := NewManager(memory.NewSuspensionRepository(), time.Minute, &wg)
			manager.Bind(handler)

			fn(t, manager, handler)
		})
	}
}

func testSuspendResume(t *testing.T, manager *Manager, handler *fakeHandler) {
	conversation, err := manager.Suspend("flow-1", "approval-def", model.FormDescriptor{Title: "approve"},
		time.Minute, map[string]any{"amount": 99})
	require.NoError(t, err)
	require.Equal(t, model.SUSPENSION_WAITING, conversation.Status)

	resumed, err := manager.Resume(conversation.ResumeToken, map[string]any{"approved": true})
	require.NoError(t, err)
	require.Equal(t, model.SUSPENSION_RESUMED, resumed.Status)

	require.Equal(t, 1, handler.resumedCount())
	formData := handler.resumed[0].Context["formData"].(map[string]any)
	require.Equal(t, true, formData["approved"])
	original := handler.resumed[0].Context["originalContext"].(map[string]any)
	require.EqualValues(t, 99, original["amount"])
}

func testUnknownToken(t *testing.T, manager *Manager, handler *fakeHandler) {
	_, err := manager.Resume("no-such-token", nil)
	require.Error(t, err)
	require.True(t, flowerr.IsKind(err, flowerr.KIND_NOT_FOUND))
}

func testSingleUseToken(t *testing.T, manager *Manager, handler *fakeHandler) {
	conversation, err := manager.Suspend("flow-1", "approval-def", model.FormDescriptor{}, time.Minute, nil)
	require.NoError(t, err)

	_, err = manager.Resume(conversation.ResumeToken, nil)
	require.NoError(t, err)

	_, err = manager.Resume(conversation.ResumeToken, nil)
	require.Error(t, err)
	require.True(t, flowerr.IsKind(err, flowerr.KIND_INVALID_STATE))
	require.Equal(t, 1, handler.resumedCount())
}

func testExpiredToken(t *testing.T, manager *Manager, handler *fakeHandler) {
	conversation, err := manager.Suspend("flow-1", "approval-def", model.FormDescriptor{}, time.Millisecond, nil)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	_, err = manager.Resume(conversation.ResumeToken, nil)
	require.Error(t, err)
	require.True(t, flowerr.IsKind(err, flowerr.KIND_TIMEOUT))
	require.Equal(t, 0, handler.resumedCount())
}

func testCancelFlowCascade(t *testing.T, manager *Manager, handler *fakeHandler) {
	first, err := manager.Suspend("flow-1", "approval-def", model.FormDescriptor{}, time.Minute, nil)
	require.NoError(t, err)
	other, err := manager.Suspend("flow-2", "approval-def", model.FormDescriptor{}, time.Minute, nil)
	require.NoError(t, err)

	require.NoError(t, manager.CancelFlow("flow-1"))

	_, err = manager.Resume(first.ResumeToken, nil)
	require.True(t, flowerr.IsKind(err, flowerr.KIND_INVALID_STATE))

	// the other flow's conversation is untouched
	_, err = manager.Resume(other.ResumeToken, nil)
	require.NoError(t, err)
}

func testConcurrentDoubleResume(t *testing.T, manager *Manager, handler *fakeHandler) {
	conversation, err := manager.Suspend("flow-1", "approval-def", model.FormDescriptor{}, time.Minute, nil)
	require.NoError(t, err)

	const resumers = 8
	var wg sync.WaitGroup
	errs := make(chan error, resumers)
	for i := 0; i < resumers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := manager.Resume(conversation.ResumeToken, map[string]any{"winner": true})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
		}
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, 1, handler.resumedCount())
}

func TestManagerSweep(t *testing.T) {
	var wg sync.WaitGroup
	handler := newFakeHandler()
	manager := NewManager(memory.NewSuspensionRepository(), 100*time.Millisecond, &wg)
	manager.Bind(handler)
	manager.Start()
	defer manager.Stop()

	conversation, err := manager.Suspend("flow-expired", "approval-def", model.FormDescriptor{}, 20*time.Millisecond, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return handler.failure("flow-expired") != nil
	}, 3*time.Second, 50*time.Millisecond)

	cause := handler.failure("flow-expired")
	require.Equal(t, flowerr.KIND_TIMEOUT, cause.Kind)

	stored, err := manager.storage.GetByToken(conversation.ResumeToken)
	require.NoError(t, err)
	require.Equal(t, model.SUSPENSION_TIMEDOUT, stored.Status)
}
