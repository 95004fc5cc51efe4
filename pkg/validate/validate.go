// Package validate implements the parameter validation the dispatcher runs
// twice per action (spec.md §4.5): once at proposal creation, once again
// immediately before execution, against whatever the registry's current
// ActionDefinition says — definitions can change between the two points
// (a config reload, a subject restart) and the second pass is what catches
// that drift.
package validate

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/codeready-toolchain/operant/pkg/subject"
)

// Error reports every parameter problem found in one validation pass, so a
// caller can report all of them at once instead of fixing issues one at a
// time.
type Error struct {
	ActionName string
	Problems   []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("action %q parameters invalid: %s", e.ActionName, strings.Join(e.Problems, "; "))
}

// structValidator backs Struct, the lightweight struct-tag layer typed
// parameter carriers can opt into; the dynamic per-ParamDef
// check below is the one every action always goes through regardless of
// whether it also uses struct tags.
var structValidator = validator.New(validator.WithRequiredStructEnabled())

// ActionParams validates params against def's declared parameters:
// every required parameter present, every present parameter's type
// matching, and no unknown parameter names. Returns an *Error (never a
// bare error) on failure so callers can inspect Problems.
func ActionParams(def subject.ActionDefinition, params map[string]any) error {
	var problems []string

	for name, pd := range def.Parameters {
		v, present := params[name]
		if !present {
			if pd.Required {
				problems = append(problems, fmt.Sprintf("missing required parameter %q", name))
			}
			continue
		}
		if err := checkType(name, pd.Type, v); err != nil {
			problems = append(problems, err.Error())
		}
	}

	for name := range params {
		if _, known := def.Parameters[name]; !known {
			problems = append(problems, fmt.Sprintf("unknown parameter %q", name))
		}
	}

	if len(problems) > 0 {
		return &Error{ActionName: def.Name, Problems: problems}
	}
	return nil
}

func checkType(name, declared string, v any) error {
	switch declared {
	case "string":
		if _, ok := v.(string); !ok {
			return fmt.Errorf("parameter %q must be a string", name)
		}
	case "number":
		switch v.(type) {
		case int, int32, int64, float32, float64:
		default:
			return fmt.Errorf("parameter %q must be a number", name)
		}
	case "bool":
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("parameter %q must be a bool", name)
		}
	case "object":
		switch v.(type) {
		case map[string]any, []any:
		default:
			return fmt.Errorf("parameter %q must be an object or list", name)
		}
	}
	return nil
}

// Struct runs go-playground/validator's struct-tag layer over v, for
// callers that parse an action's parameters into a typed Go struct before
// dispatch (e.g. a CLI flag set) and want the richer tag vocabulary
// (min/max/oneof/…) on top of the dynamic ParamDef check.
func Struct(v any) error {
	if err := structValidator.Struct(v); err != nil {
		return fmt.Errorf("struct validation: %w", err)
	}
	return nil
}
