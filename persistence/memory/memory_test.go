package memory

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/flowd-io/flowd/model"
	"github.com/flowd-io/flowd/persistence"
	"github.com/stretchr/testify/require"
)

func TestMemoryRepositories(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T){
		"test flow round trip":              testFlowRoundTrip,
		"test active states":                testActiveStates,
		"test suspension transition":        testSuspensionTransition,
		"test concurrent token consumption": testConcurrentTokenConsumption,
	} {
		t.Run(scenario, func(t *testing.T) {
			fn(t)
		})
	}
}

func testFlowRoundTrip(t *testing.T) {
	repo := NewFlowRepository()
	def := &model.FlowDefinition{
		Id:        "payments",
		EntryStep: "charge",
		Steps: []model.Step{
			{Id: "charge", Kind: model.STEP_KIND_TOOL, Component: "http", Operation: "post"},
		},
	}
	require.NoError(t, repo.Save(def))

	loaded, err := repo.FindById("payments")
	require.NoError(t, err)
	require.Equal(t, def.EntryStep, loaded.EntryStep)
	require.Len(t, loaded.Steps, 1)

	require.NoError(t, repo.Delete("payments"))
	_, err = repo.FindById("payments")
	var notFound persistence.NotFoundError
	require.True(t, errors.As(err, &notFound))
}

func testActiveStates(t *testing.T) {
	repo := NewStateRepository()
	running := model.NewFlowState("f1", "payments", "charge", nil)
	running.Status = model.FLOW_RUNNING
	done := model.NewFlowState("f2", "payments", "charge", nil)
	done.Status = model.FLOW_COMPLETED
	require.NoError(t, repo.SaveState("f1", running))
	require.NoError(t, repo.SaveState("f2", done))

	active, err := repo.GetActiveStates()
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "f1", active[0].FlowId)
}

func testSuspensionTransition(t *testing.T) {
	repo := NewSuspensionRepository()
	c := model.NewSuspendedConversation("f1", "payments", model.FormDescriptor{}, 0, nil)
	require.NoError(t, repo.Save(c))

	resumed, err := c.Resumed(map[string]any{"ok": true}, time.Now())
	require.NoError(t, err)
	require.NoError(t, repo.Transition(c, resumed))

	// the stored record moved on, the old snapshot no longer matches
	cancelled, err := c.Cancelled()
	require.NoError(t, err)
	err = repo.Transition(c, cancelled)
	var invalid persistence.InvalidTokenError
	require.True(t, errors.As(err, &invalid))

	stored, err := repo.GetByToken(c.ResumeToken)
	require.NoError(t, err)
	require.Equal(t, model.SUSPENSION_RESUMED, stored.Status)

	waiting, err := repo.ListWaiting()
	require.NoError(t, err)
	require.Empty(t, waiting)
}

func testConcurrentTokenConsumption(t *testing.T) {
	repo := NewSuspensionRepository()
	c := model.NewSuspendedConversation("f1", "payments", model.FormDescriptor{}, 0, nil)
	require.NoError(t, repo.Save(c))
	resumed, err := c.Resumed(nil, time.Now())
	require.NoError(t, err)

	const writers = 16
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- repo.Transition(c, resumed)
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
}
