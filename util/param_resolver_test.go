package util

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveInputParams(t *testing.T) {
	variables := map[string]any{
		"input": map[string]any{
			"orderId": "ord-42",
			"amount":  120.5,
			"items":   []any{"a", "b"},
		},
		"fetch": map[string]any{
			"output": map[string]any{"status": "shipped"},
		},
	}

	for scenario, fn := range map[string]func(t *testing.T, variables map[string]any){
		"test exact template keeps raw type": testExactTemplate,
		"test string interpolation":          testInterpolation,
		"test nested params":                 testNestedParams,
		"test unresolved template passes":    testUnresolvedTemplate,
	} {
		t.Run(scenario, func(t *testing.T) {
			fn(t, variables)
		})
	}
}

func testExactTemplate(t *testing.T, variables map[string]any) {
	out := ResolveInputParams(variables, map[string]any{
		"amount": "{$.input.amount}",
		"items":  "{$.input.items}",
	})
	require.Equal(t, 120.5, out["amount"])
	require.Equal(t, []any{"a", "b"}, out["items"])
}

func testInterpolation(t *testing.T, variables map[string]any) {
	out := ResolveInputParams(variables, map[string]any{
		"message": "order {$.input.orderId} is {$.fetch.output.status}",
	})
	require.Equal(t, "order ord-42 is shipped", out["message"])
}

func testNestedParams(t *testing.T, variables map[string]any) {
	out := ResolveInputParams(variables, map[string]any{
		"payload": map[string]any{
			"id":    "{$.input.orderId}",
			"count": 3,
		},
		"tags": []any{"{$.fetch.output.status}", "fixed"},
	})
	payload := out["payload"].(map[string]any)
	require.Equal(t, "ord-42", payload["id"])
	require.Equal(t, 3, payload["count"])
	require.Equal(t, []any{"shipped", "fixed"}, out["tags"])
}

func testUnresolvedTemplate(t *testing.T, variables map[string]any) {
	out := ResolveInputParams(variables, map[string]any{
		"missing": "{$.nope.nothing}",
		"plain":   "no templates here",
	})
	require.Equal(t, "{$.nope.nothing}", out["missing"])
	require.Equal(t, "no templates here", out["plain"])
}
