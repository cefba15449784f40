package auditlog

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
)

// Filter selects events for a live tail subscriber.
type Filter interface {
	Match(Event) bool
}

// celFilter evaluates a boolean CEL expression over an event. Expressions see
// stream, id, ts_ms and fields, where fields holds each value decoded from
// JSON when possible, e.g. `stream == "responses" && fields.data.status == "error"`.
type celFilter struct {
	expr string
	prog cel.Program
}

// CompileFilter compiles expr. An empty expression yields a nil Filter.
func CompileFilter(expr string) (Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("stream", cel.StringType),
		cel.Variable("id", cel.StringType),
		cel.Variable("ts_ms", cel.IntType),
		cel.Variable("fields", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("filter environment: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile filter: %w", iss.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("filter must evaluate to bool, got %s", ast.OutputType())
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build filter: %w", err)
	}
	return &celFilter{expr: expr, prog: prog}, nil
}

// Match reports false when evaluation fails, e.g. on a missing field.
func (f *celFilter) Match(ev Event) bool {
	fields := make(map[string]interface{}, len(ev.Fields))
	for key, value := range ev.Fields {
		if value.IsJSON() {
			var decoded interface{}
			if err := json.Unmarshal(value.JSON, &decoded); err == nil {
				fields[key] = decoded
				continue
			}
		}
		fields[key] = value.Raw
	}
	out, _, err := f.prog.Eval(map[string]interface{}{
		"stream": ev.Stream,
		"id":     ev.ID,
		"ts_ms":  ev.Timestamp.UnixMilli(),
		"fields": fields,
	})
	if err != nil {
		return false
	}
	matched, ok := out.Value().(bool)
	return ok && matched
}

func (f *celFilter) String() string {
	return f.expr
}
