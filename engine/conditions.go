package engine

import (
	"encoding/json"
	"fmt"

	"github.com/dop251/goja"
	"github.com/flowd-io/flowd/logger"
	"go.uber.org/zap"
)

// evalCondition evaluates a connection's guard as a javascript
// expression with `$` bound to the flow variables. An empty condition
// always passes; an evaluation error fails closed.
func evalCondition(condition string, variables map[string]any) bool {
	if condition == "" {
		return true
	}
	data, err := json.Marshal(variables)
	if err != nil {
		logger.Error("error marshalling variables for condition", zap.Error(err))
		return false
	}
	script := fmt.Sprintf("var $ = %s;\n(%s)", data, condition)
	vm := goja.New()
	val, err := vm.RunString(script)
	if err != nil {
		logger.Error("error evaluating guard condition", zap.String("condition", condition), zap.Error(err))
		return false
	}
	return val.ToBoolean()
}
