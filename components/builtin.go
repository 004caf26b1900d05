package components

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/flowd-io/flowd/execution"
	"github.com/flowd-io/flowd/flowerr"
	"github.com/flowd-io/flowd/logger"
	"github.com/flowd-io/flowd/model"
	"github.com/flowd-io/flowd/registry"
	"github.com/flowd-io/flowd/suspend"
	"github.com/oliveagle/jsonpath"
	"go.uber.org/zap"
)

// RegisterBuiltins adds the system components every deployment gets:
// script, switch, delay and human. Domain components register alongside
// them through the same registry.
func RegisterBuiltins(reg *registry.Registry) error {
	builtins := []struct {
		descriptor registry.Descriptor
		executor   registry.Executor
	}{
		{
			descriptor: registry.Descriptor{
				Name: "script",
				Kind: model.STEP_KIND_CUSTOM,
				Operations: []registry.OperationDescriptor{
					{Name: "eval", Parameters: []registry.ParameterDescriptor{
						{Name: "expression", Type: "string", Required: true},
					}},
				},
			},
			executor: registry.ExecutorFunc(executeScript),
		},
		{
			descriptor: registry.Descriptor{
				Name: "switch",
				Kind: model.STEP_KIND_CUSTOM,
				Operations: []registry.OperationDescriptor{
					{Name: "route", Parameters: []registry.ParameterDescriptor{
						{Name: "expression", Type: "string", Required: true},
					}},
				},
			},
			executor: registry.ExecutorFunc(executeSwitch),
		},
		{
			descriptor: registry.Descriptor{
				Name: "delay",
				Kind: model.STEP_KIND_CUSTOM,
				Operations: []registry.OperationDescriptor{
					{Name: "wait", Parameters: []registry.ParameterDescriptor{
						{Name: "seconds", Type: "number", Required: true},
					}},
				},
			},
			executor: registry.ExecutorFunc(executeDelay),
		},
		{
			descriptor: registry.Descriptor{
				Name: "human",
				Kind: model.STEP_KIND_CUSTOM,
				Operations: []registry.OperationDescriptor{
					{Name: "input"},
				},
			},
			executor: registry.ExecutorFunc(executeHuman),
		},
	}
	for _, b := range builtins {
		if err := reg.Register(b.descriptor, b.executor); err != nil {
			return err
		}
	}
	return nil
}

// executeScript evaluates a javascript expression with $ bound to the
// resolved step input. Whatever the script leaves in $ becomes the step
// output.
func executeScript(ctx context.Context, operation string, input map[string]any, ec *execution.Context) (map[string]any, error) {
	expression, _ := input["expression"].(string)
	if expression == "" {
		return nil, flowerr.New(flowerr.KIND_VALIDATION, "SCRIPT_EXPRESSION_EMPTY", "script expression can not be empty")
	}
	logger.Debug("running script", zap.String("flowId", ec.FlowId))
	data, _ := json.Marshal(input)
	program := fmt.Sprintf("var $ = %s;\n%s", data, expression)
	vm := goja.New()
	if _, err := vm.RunString(program); err != nil {
		return nil, flowerr.Wrap(flowerr.KIND_EXECUTION, "SCRIPT_FAILED", "error executing javascript", err)
	}
	val, err := vm.RunString("$")
	if err != nil {
		return nil, flowerr.Wrap(flowerr.KIND_EXECUTION, "SCRIPT_FAILED", "error executing javascript", err)
	}
	res, err := json.Marshal(val.Export())
	if err != nil {
		return nil, flowerr.Wrap(flowerr.KIND_EXECUTION, "SCRIPT_FAILED", "script produced unserializable output", err)
	}
	var output map[string]any
	json.Unmarshal(res, &output)
	return output, nil
}

// executeSwitch evaluates a jsonpath expression against the flow
// variables and surfaces the value as a case label. Downstream edges
// select on it with guard conditions.
func executeSwitch(ctx context.Context, operation string, input map[string]any, ec *execution.Context) (map[string]any, error) {
	expression, _ := input["expression"].(string)
	if expression == "" {
		return nil, flowerr.New(flowerr.KIND_VALIDATION, "SWITCH_EXPRESSION_EMPTY", "switch expression can not be empty")
	}
	tmatch := strings.ReplaceAll(expression, "{", "")
	tmatch = strings.ReplaceAll(tmatch, "}", "")
	value, err := jsonpath.JsonPathLookup(ec.Variables(), tmatch)
	if err != nil {
		return nil, flowerr.Wrap(flowerr.KIND_EXECUTION, "SWITCH_LOOKUP_FAILED", "switch expression did not resolve", err)
	}
	label := "default"
	switch v := value.(type) {
	case int, int16, int32, int64:
		label = fmt.Sprintf("%d", v)
	case float32:
		label = strconv.Itoa(int(v))
	case float64:
		label = strconv.Itoa(int(v))
	case bool:
		label = strconv.FormatBool(v)
	case string:
		label = v
	}
	return map[string]any{"case": label}, nil
}

func executeDelay(ctx context.Context, operation string, input map[string]any, ec *execution.Context) (map[string]any, error) {
	seconds, ok := input["seconds"].(float64)
	if !ok || seconds < 0 {
		return nil, flowerr.New(flowerr.KIND_VALIDATION, "DELAY_SECONDS_INVALID", "delay requires a non negative seconds value")
	}
	select {
	case <-time.After(time.Duration(seconds * float64(time.Second))):
		return map[string]any{"waited": seconds}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// executeHuman never completes inline: it always asks the engine to
// park the flow behind a resume token until a person submits the form.
func executeHuman(ctx context.Context, operation string, input map[string]any, ec *execution.Context) (map[string]any, error) {
	form := model.FormDescriptor{}
	if title, ok := input["title"].(string); ok {
		form.Title = title
	}
	if fields, ok := input["fields"].([]any); ok {
		for _, f := range fields {
			if field, ok := f.(map[string]any); ok {
				form.Fields = append(form.Fields, field)
			}
		}
	}
	var ttl time.Duration
	if seconds, ok := input["ttlSeconds"].(float64); ok && seconds > 0 {
		ttl = time.Duration(seconds * float64(time.Second))
	}
	logger.Info("requesting human input", zap.String("flowId", ec.FlowId), zap.String("form", form.Title))
	return nil, suspend.RequireInput(form, ttl)
}
