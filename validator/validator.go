package validator

import (
	"github.com/dop251/goja"
	"github.com/flowd-io/flowd/flowerr"
	"github.com/flowd-io/flowd/model"
)

// Validate checks the structural integrity of a flow definition before
// execution. It never short circuits: the returned *ValidationError
// carries every violation found so callers report all problems at once.
func Validate(def *model.FlowDefinition) error {
	var violations []*flowerr.Error

	addViolation := func(code string, format string, args ...any) {
		violations = append(violations, flowerr.Newf(flowerr.KIND_VALIDATION, code, format, args...))
	}

	if def.Id == "" {
		addViolation("FLOW_ID_EMPTY", "flow id can not be empty")
	}
	if len(def.Steps) == 0 {
		addViolation("FLOW_NO_STEPS", "flow has no steps")
	}

	stepIds := make(map[string]bool, len(def.Steps))
	for _, step := range def.Steps {
		if step.Id == "" {
			addViolation("STEP_ID_EMPTY", "step with empty id")
			continue
		}
		if stepIds[step.Id] {
			addViolation("STEP_ID_DUPLICATE", "step id %s is duplicate", step.Id)
			continue
		}
		stepIds[step.Id] = true
		violations = append(violations, validateStep(step)...)
	}

	if def.EntryStep == "" {
		addViolation("ENTRY_STEP_EMPTY", "entry step can not be empty")
	} else if !stepIds[def.EntryStep] {
		addViolation("ENTRY_STEP_UNKNOWN", "no step with entry step id %s in flow", def.EntryStep)
	}

	for _, conn := range def.Connections {
		if !stepIds[conn.Source] {
			addViolation("CONNECTION_SOURCE_UNKNOWN", "connection references unknown source step %s", conn.Source)
		}
		if !stepIds[conn.Target] {
			addViolation("CONNECTION_TARGET_UNKNOWN", "connection references unknown target step %s", conn.Target)
		}
		if !model.ValidConnectionKind(conn.Kind) {
			addViolation("CONNECTION_KIND_INVALID", "connection %s->%s has invalid kind %s", conn.Source, conn.Target, conn.Kind)
		}
		if conn.Condition != "" {
			if _, err := goja.Compile("condition", conn.Condition, false); err != nil {
				addViolation("CONNECTION_CONDITION_INVALID", "connection %s->%s condition does not compile: %v", conn.Source, conn.Target, err)
			}
		}
	}

	if def.EntryStep != "" && stepIds[def.EntryStep] {
		for _, stepId := range unreachableSteps(def) {
			addViolation("STEP_UNREACHABLE", "step %s is unreachable from entry step %s", stepId, def.EntryStep)
		}
	}

	if len(violations) > 0 {
		return flowerr.NewValidationError(def.Id, violations)
	}
	return nil
}

func validateStep(step model.Step) []*flowerr.Error {
	var violations []*flowerr.Error
	if !model.ValidStepKind(step.Kind) {
		violations = append(violations, flowerr.Newf(flowerr.KIND_VALIDATION, "STEP_KIND_INVALID",
			"step %s has invalid kind %s", step.Id, step.Kind))
		return violations
	}
	if step.Operation == "" {
		violations = append(violations, flowerr.Newf(flowerr.KIND_VALIDATION, "STEP_OPERATION_EMPTY",
			"step %s has no operation", step.Id))
	}
	// custom steps may resolve their component at execution time, the
	// closed kinds must name one up front
	if step.Kind != model.STEP_KIND_CUSTOM && step.Component == "" {
		violations = append(violations, flowerr.Newf(flowerr.KIND_VALIDATION, "STEP_COMPONENT_EMPTY",
			"step %s of kind %s has no component", step.Id, step.Kind))
	}
	return violations
}

func unreachableSteps(def *model.FlowDefinition) []string {
	adjacent := make(map[string][]string)
	for _, conn := range def.Connections {
		adjacent[conn.Source] = append(adjacent[conn.Source], conn.Target)
	}
	visited := make(map[string]bool)
	queue := []string{def.EntryStep}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if visited[current] {
			continue
		}
		visited[current] = true
		queue = append(queue, adjacent[current]...)
	}
	var unreachable []string
	for _, step := range def.Steps {
		if !visited[step.Id] {
			unreachable = append(unreachable, step.Id)
		}
	}
	return unreachable
}
