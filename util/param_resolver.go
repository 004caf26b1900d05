package util

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/oliveagle/jsonpath"
)

var tokenPattern = regexp.MustCompile("{(.*?)}")

// ResolveInputParams resolves `{$.path}` jsonpath templates in a step's
// input configuration against the flow variables. Non string values and
// strings without templates pass through unchanged.
func ResolveInputParams(variables map[string]any, inputParams map[string]any) map[string]any {
	data := make(map[string]any)
	resolveParams(variables, inputParams, data)
	return data
}

func resolveParams(variables map[string]any, params map[string]any, output map[string]any) {
	for k, v := range params {
		switch v := v.(type) {
		case map[string]any:
			out := make(map[string]any)
			output[k] = out
			resolveParams(variables, v, out)
		case string:
			output[k] = resolveString(variables, v)
		case []any:
			output[k] = resolveList(variables, v)
		default:
			output[k] = v
		}
	}
}

func resolveList(variables map[string]any, list []any) []any {
	var output []any
	for _, v := range list {
		switch v := v.(type) {
		case map[string]any:
			out := make(map[string]any)
			output = append(output, out)
			resolveParams(variables, v, out)
		case string:
			output = append(output, resolveString(variables, v))
		case []any:
			output = append(output, resolveList(variables, v)...)
		default:
			output = append(output, v)
		}
	}
	return output
}

func resolveString(variables map[string]any, value string) any {
	tokens := tokenPattern.FindAllString(value, -1)
	if len(tokens) == 0 {
		return value
	}
	// a value that is exactly one template resolves to the raw lookup,
	// preserving the original type
	if len(tokens) == 1 && tokens[0] == value {
		tmatch := strings.Trim(value, "{}")
		if strings.HasPrefix(tmatch, "$") {
			resolved, err := jsonpath.JsonPathLookup(variables, tmatch)
			if err == nil {
				return resolved
			}
		}
		return value
	}
	newStr := value
	for _, token := range tokens {
		tmatch := strings.Trim(token, "{}")
		if !strings.HasPrefix(tmatch, "$") {
			continue
		}
		resolved, err := jsonpath.JsonPathLookup(variables, tmatch)
		if err != nil {
			continue
		}
		newStr = strings.ReplaceAll(newStr, token, fmt.Sprintf("%v", resolved))
	}
	return newStr
}
