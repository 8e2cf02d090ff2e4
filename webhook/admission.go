package webhook

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// AdmissionFilter evaluates a CEL expression against an incoming event,
// returning whether the event should proceed to GetFirmware/Publish.
// Optional: configured only when the operator wants finer-grained control
// than "type == PUSH_ARTIFACT" over which events trigger a notification.
type AdmissionFilter struct {
	Expression string
	program    cel.Program
}

// NewAdmissionFilter compiles expression, which must evaluate to a bool
// and may reference the incoming event as the "event" map variable.
func NewAdmissionFilter(expression string) (*AdmissionFilter, error) {
	if expression == "" {
		return nil, fmt.Errorf("expression can't be an empty string")
	}

	env, err := cel.NewEnv(
		cel.Variable("event", cel.MapType(cel.StringType, cel.AnyType)),
	)
	if err != nil {
		return nil, fmt.Errorf("creating CEL environment: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compiling CEL expression: %w", issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("constructing CEL program: %w", err)
	}
	return &AdmissionFilter{Expression: expression, program: prg}, nil
}

// Admit evaluates the filter against event (the JSON webhook body decoded
// into a generic map).
func (f *AdmissionFilter) Admit(event map[string]any) (bool, error) {
	out, _, err := f.program.Eval(map[string]any{"event": event})
	if err != nil {
		return false, fmt.Errorf("evaluating CEL expression: %w", err)
	}
	admit, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression must evaluate to a bool, got %T", out.Value())
	}
	return admit, nil
}
