package components

import (
	"context"
	"testing"
	"time"

	"github.com/flowd-io/flowd/execution"
	"github.com/flowd-io/flowd/model"
	"github.com/flowd-io/flowd/registry"
	"github.com/flowd-io/flowd/suspend"
	"github.com/stretchr/testify/require"
)

func testContext() *execution.Context {
	def := &model.FlowDefinition{Id: "test"}
	state := model.NewFlowState("flow-1", "test", "a", map[string]any{"amount": 250.0})
	return execution.NewContext("flow-1", def, state, nil)
}

func TestBuiltins(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T){
		"test registration":            testRegistration,
		"test script eval":             testScriptEval,
		"test script error":            testScriptError,
		"test switch routing":          testSwitchRouting,
		"test human requests input":    testHumanRequestsInput,
		"test delay honors cancel":     testDelayHonorsCancel,
	} {
		t.Run(scenario, func(t *testing.T) {
			fn(t)
		})
	}
}

func testRegistration(t *testing.T) {
	reg := registry.New()
	require.NoError(t, RegisterBuiltins(reg))
	for _, name := range []string{"script", "switch", "delay", "human"} {
		_, _, err := reg.Lookup(name)
		require.NoError(t, err)
	}
	require.True(t, reg.Supports("script", "eval"))
	require.False(t, reg.Supports("script", "compile"))
}

func testScriptEval(t *testing.T) {
	out, err := executeScript(context.Background(), "eval", map[string]any{
		"expression": "$.total = $.price * $.count;",
		"price":      3.0,
		"count":      4.0,
	}, testContext())
	require.NoError(t, err)
	require.EqualValues(t, 12, out["total"])
}

func testScriptError(t *testing.T) {
	_, err := executeScript(context.Background(), "eval", map[string]any{
		"expression": "throw new Error('boom');",
	}, testContext())
	require.Error(t, err)

	_, err = executeScript(context.Background(), "eval", map[string]any{}, testContext())
	require.Error(t, err)
}

func testSwitchRouting(t *testing.T) {
	ec := testContext()
	ec.SetVariable("tier", "gold")
	out, err := executeSwitch(context.Background(), "route", map[string]any{
		"expression": "{$.tier}",
	}, ec)
	require.NoError(t, err)
	require.Equal(t, "gold", out["case"])

	out, err = executeSwitch(context.Background(), "route", map[string]any{
		"expression": "{$.input.amount}",
	}, ec)
	require.NoError(t, err)
	require.Equal(t, "250", out["case"])

	// narrower float widths coerce the same way
	ec.SetVariable("ratio", float32(2))
	out, err = executeSwitch(context.Background(), "route", map[string]any{
		"expression": "{$.ratio}",
	}, ec)
	require.NoError(t, err)
	require.Equal(t, "2", out["case"])
}

func testHumanRequestsInput(t *testing.T) {
	_, err := executeHuman(context.Background(), "input", map[string]any{
		"title":      "approve order",
		"ttlSeconds": 60.0,
		"fields":     []any{map[string]any{"name": "approved", "type": "boolean"}},
	}, testContext())
	require.Error(t, err)

	req, ok := suspend.AsInputRequest(err)
	require.True(t, ok)
	require.Equal(t, "approve order", req.Form.Title)
	require.Len(t, req.Form.Fields, 1)
	require.Equal(t, time.Minute, req.TTL)
}

func testDelayHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := executeDelay(ctx, "wait", map[string]any{"seconds": 30.0}, testContext())
	require.ErrorIs(t, err, context.Canceled)
}
