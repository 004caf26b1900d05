package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/flowd-io/flowd/execution"
	"github.com/flowd-io/flowd/flowerr"
	"github.com/flowd-io/flowd/model"
	"github.com/stretchr/testify/require"
)

func parallelDefinition() *model.FlowDefinition {
	return &model.FlowDefinition{
		Id:        "fan-out",
		EntryStep: "a",
		Steps: []model.Step{
			step("a", "echo", "prepare"),
			step("b", "echo", "left"),
			step("c", "echo", "right"),
			step("d", "echo", "join"),
		},
		Connections: []model.StepConnection{
			conn("a", "b", model.CONNECTION_SUCCESS),
			conn("a", "c", model.CONNECTION_SUCCESS),
			conn("b", "d", model.CONNECTION_SUCCESS),
			conn("c", "d", model.CONNECTION_SUCCESS),
		},
	}
}

func TestParallelExecution(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T){
		"test branches run and merge":        testBranchesRunAndMerge,
		"test branch results are ordered":    testBranchResultsOrdered,
		"test branch failure routes error":   testBranchFailureRoutesError,
		"test branch failure fails flow":     testBranchFailureFailsFlow,
		"test consecutive fan outs":          testConsecutiveFanOuts,
		"test branch retry within fan out":   testBranchRetryWithinFanOut,
		"test await completion idempotent":   testAwaitCompletionIdempotent,
	} {
		t.Run(scenario, func(t *testing.T) {
			fn(t)
		})
	}
}

func testBranchesRunAndMerge(t *testing.T) {
	env := newTestEnv(t)
	env.registerEcho(t)
	flowId := env.start(t, parallelDefinition(), nil)
	env.wg.Wait()

	state := env.state(t, flowId)
	require.Equal(t, model.FLOW_COMPLETED, state.Status)

	// both branch outputs merged back before the join step ran
	require.Contains(t, state.Variables, "b")
	require.Contains(t, state.Variables, "c")
	require.Contains(t, state.Variables, "d")
	require.Equal(t, 4, state.Metrics.StepsExecuted)

	var merged *model.ExecutionPath
	for i := range state.Paths {
		if state.Paths[i].Status == model.PATH_MERGED {
			merged = &state.Paths[i]
		}
	}
	require.NotNil(t, merged)
	require.Len(t, merged.Children, 2)
	for _, child := range merged.Children {
		require.Equal(t, model.PATH_COMPLETED, child.Status)
	}
	// children follow branch declaration order, not completion order
	require.Equal(t, []string{"b"}, merged.Children[0].CompletedSteps)
	require.Equal(t, []string{"c"}, merged.Children[1].CompletedSteps)
}

func testBranchResultsOrdered(t *testing.T) {
	env := newTestEnv(t)
	release := make(chan struct{})
	var order []string
	var mu sync.Mutex
	env.register(t, "echo", func(ctx context.Context, operation string, input map[string]any, ec *execution.Context) (map[string]any, error) {
		if operation == "left" {
			// the first declared branch finishes last
			<-release
		}
		if operation == "right" {
			defer close(release)
		}
		mu.Lock()
		order = append(order, operation)
		mu.Unlock()
		return map[string]any{"operation": operation}, nil
	})
	flowId := env.start(t, parallelDefinition(), nil)
	env.wg.Wait()

	mu.Lock()
	require.Equal(t, []string{"prepare", "right", "left", "join"}, order)
	mu.Unlock()

	state := env.state(t, flowId)
	require.Equal(t, model.FLOW_COMPLETED, state.Status)
	for i := range state.Paths {
		if state.Paths[i].Status == model.PATH_MERGED {
			require.Equal(t, []string{"b"}, state.Paths[i].Children[0].CompletedSteps)
			require.Equal(t, []string{"c"}, state.Paths[i].Children[1].CompletedSteps)
		}
	}
}

func testBranchFailureRoutesError(t *testing.T) {
	env := newTestEnv(t)
	env.registerEcho(t)
	env.register(t, "flaky", func(ctx context.Context, operation string, input map[string]any, ec *execution.Context) (map[string]any, error) {
		return nil, flowerr.New(flowerr.KIND_EXECUTION, "DOWNSTREAM_ERROR", "dependency answered 500")
	})
	def := parallelDefinition()
	def.Steps[2] = step("c", "flaky", "right")
	def.Steps = append(def.Steps, step("recover", "echo", "compensate"))
	def.Connections = append(def.Connections, conn("a", "recover", model.CONNECTION_ERROR))

	flowId := env.start(t, def, nil)
	env.wg.Wait()

	state := env.state(t, flowId)
	require.Equal(t, model.FLOW_COMPLETED, state.Status)
	require.Contains(t, state.Variables, "recover")
	// the completed branch still merged its output
	require.Contains(t, state.Variables, "b")
	require.NotContains(t, state.Variables, "d")

	for i := range state.Paths {
		if state.Paths[i].Status == model.PATH_MERGED {
			require.Equal(t, model.PATH_COMPLETED, state.Paths[i].Children[0].Status)
			require.Equal(t, model.PATH_FAILED, state.Paths[i].Children[1].Status)
		}
	}
}

func testBranchFailureFailsFlow(t *testing.T) {
	env := newTestEnv(t)
	env.registerEcho(t)
	env.register(t, "flaky", func(ctx context.Context, operation string, input map[string]any, ec *execution.Context) (map[string]any, error) {
		return nil, flowerr.New(flowerr.KIND_EXECUTION, "DOWNSTREAM_ERROR", "dependency answered 500")
	})
	def := parallelDefinition()
	def.Steps[2] = step("c", "flaky", "right")

	flowId := env.start(t, def, nil)
	env.wg.Wait()

	state := env.state(t, flowId)
	require.Equal(t, model.FLOW_FAILED, state.Status)
	require.NotNil(t, state.Error)
	require.Equal(t, "BRANCH_FAILED", state.Error.Code)
}

func testConsecutiveFanOuts(t *testing.T) {
	env := newTestEnv(t)
	env.registerEcho(t)
	env.register(t, "flaky", func(ctx context.Context, operation string, input map[string]any, ec *execution.Context) (map[string]any, error) {
		return nil, flowerr.New(flowerr.KIND_EXECUTION, "DOWNSTREAM_ERROR", "dependency answered 500")
	})
	// a fans out to b and c; b fans out again to d and e. When d fails,
	// the failure must route over b's error connection, not a's.
	def := &model.FlowDefinition{
		Id:        "nested-fan-out",
		EntryStep: "a",
		Steps: []model.Step{
			step("a", "echo", "prepare"),
			step("b", "echo", "left"),
			step("c", "echo", "right"),
			step("d", "flaky", "inner-left"),
			step("e", "echo", "inner-right"),
			step("recover", "echo", "compensate"),
		},
		Connections: []model.StepConnection{
			conn("a", "b", model.CONNECTION_SUCCESS),
			conn("a", "c", model.CONNECTION_SUCCESS),
			conn("b", "d", model.CONNECTION_SUCCESS),
			conn("b", "e", model.CONNECTION_SUCCESS),
			conn("b", "recover", model.CONNECTION_ERROR),
		},
	}
	flowId := env.start(t, def, nil)
	env.wg.Wait()

	state := env.state(t, flowId)
	require.Equal(t, model.FLOW_COMPLETED, state.Status)
	require.Nil(t, state.Error)
	require.Contains(t, state.Variables, "recover")
	// the surviving inner branch still merged its output
	require.Contains(t, state.Variables, "e")
	require.NotContains(t, state.Variables, "d")
}

func testBranchRetryWithinFanOut(t *testing.T) {
	env := newTestEnv(t)
	var mu sync.Mutex
	calls := map[string]int{}
	env.register(t, "echo", func(ctx context.Context, operation string, input map[string]any, ec *execution.Context) (map[string]any, error) {
		mu.Lock()
		calls[operation]++
		n := calls[operation]
		mu.Unlock()
		if operation == "mid" && n == 1 {
			return nil, flowerr.New(flowerr.KIND_EXECUTION, "DOWNSTREAM_ERROR", "dependency answered 500")
		}
		return map[string]any{"operation": operation}, nil
	})
	def := &model.FlowDefinition{
		Id:        "fan-out-retried",
		EntryStep: "a",
		Steps: []model.Step{
			step("a", "echo", "prepare"),
			step("b", "echo", "left"),
			step("c", "echo", "mid"),
			step("d", "echo", "right"),
			step("e", "echo", "join"),
		},
		Connections: []model.StepConnection{
			conn("a", "b", model.CONNECTION_SUCCESS),
			conn("a", "c", model.CONNECTION_SUCCESS),
			conn("a", "d", model.CONNECTION_SUCCESS),
			conn("b", "e", model.CONNECTION_SUCCESS),
			conn("c", "e", model.CONNECTION_SUCCESS),
			conn("d", "e", model.CONNECTION_SUCCESS),
		},
		Config: model.FlowConfig{
			Retry: model.RetryPolicy{MaxAttempts: 2, Policy: model.RETRY_POLICY_FIXED},
		},
	}
	flowId := env.start(t, def, nil)
	env.wg.Wait()

	mu.Lock()
	require.Equal(t, 2, calls["mid"])
	mu.Unlock()

	state := env.state(t, flowId)
	require.Equal(t, model.FLOW_COMPLETED, state.Status)
	require.Equal(t, 5, state.Metrics.StepsExecuted)
	require.Equal(t, 1, state.Metrics.RetriesApplied)
}

func testAwaitCompletionIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.registerEcho(t)
	def := parallelDefinition()
	require.NoError(t, env.flows.Save(def))
	stored, err := env.flows.FindById(def.Id)
	require.NoError(t, err)

	state := model.NewFlowState("manual", def.Id, "a", nil)
	ec := execution.NewContext("manual", stored, state, nil)

	steps := []model.Step{stored.Steps[1], stored.Steps[2]}
	run := env.engine.ExecuteParallel(context.Background(), stored, state, steps, ec)

	first := run.AwaitCompletion()
	second := run.AwaitCompletion()
	require.Len(t, first, 2)
	require.Equal(t, first, second)
	require.Equal(t, "b", first[0].StepId)
	require.Equal(t, "c", first[1].StepId)
	require.False(t, first[0].Failed())
	require.False(t, first[1].Failed())
}
