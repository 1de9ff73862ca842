package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/healloop/healloop/pkg/detector"
)

// DefaultScriptTimeout bounds a single Starlark evaluation.
const DefaultScriptTimeout = 10 * time.Second

// StarlarkEvaluator executes Starlark scripts with a timeout.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = DefaultScriptTimeout
	}
	return &StarlarkEvaluator{
		timeout: timeout,
	}
}

// Evaluate executes a Starlark script with the given input and returns its
// exported globals. Globals starting with an underscore are not exported.
//
// Scripts can call rule(type, severity, pattern, suggestion="") to build
// detector rule values.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, script string, input map[string]interface{}) (*StarlarkResult, error) {
	return se.evaluate(ctx, "rules.star", script, input)
}

func (se *StarlarkEvaluator) evaluate(ctx context.Context, filename, script string, input map[string]interface{}) (*StarlarkResult, error) {
	startTime := time.Now()

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: "healloop",
		Print: func(_ *starlark.Thread, msg string) {
			// Scripts have no output channel
		},
	}

	// Cancel the thread when the context ends; ExecFile then returns an
	// error at the next instruction.
	stop := context.AfterFunc(evalCtx, func() {
		thread.Cancel(evalCtx.Err().Error())
	})
	defer stop()

	result, err := se.evaluateThread(thread, filename, script, input)
	if err != nil {
		if evalCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = fmt.Errorf("starlark execution timeout after %v: %w", se.timeout, err)
		}
		return &StarlarkResult{
			ExecutionTime: time.Since(startTime),
			Error:         err.Error(),
		}, err
	}

	result.ExecutionTime = time.Since(startTime)
	return result, nil
}

func (se *StarlarkEvaluator) evaluateThread(thread *starlark.Thread, filename, script string, input map[string]interface{}) (*StarlarkResult, error) {
	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"rule":   starlark.NewBuiltin("rule", builtinRule),
	}

	for key, val := range input {
		starlarkVal, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = starlarkVal
	}

	globals, err := starlark.ExecFile(thread, filename, script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	output := make(map[string]interface{})
	for name, val := range globals {
		if len(name) > 0 && name[0] == '_' {
			continue
		}
		// Functions defined by the script are not data.
		if _, ok := val.(starlark.Callable); ok {
			continue
		}
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert output %s: %w", name, err)
		}
		output[name] = goVal
	}

	return &StarlarkResult{
		Output: output,
	}, nil
}

// builtinRule implements rule(type, severity, pattern, suggestion="").
// The rule is validated when it is built so errors point at the call.
func builtinRule(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var painType, severity, pattern, suggestion string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"type", &painType, "severity", &severity, "pattern", &pattern, "suggestion?", &suggestion); err != nil {
		return nil, err
	}

	spec := detector.RuleSpec{Type: painType, Severity: severity, Pattern: pattern, Suggestion: suggestion}
	if _, err := spec.Compile(); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}

	return starlarkstruct.FromStringDict(starlark.String("rule"), starlark.StringDict{
		"type":       starlark.String(painType),
		"severity":   starlark.String(severity),
		"pattern":    starlark.String(pattern),
		"suggestion": starlark.String(suggestion),
	}), nil
}

// LoadRuleScript evaluates a Starlark rule file and returns the rules it
// defines in its "rules" global.
//
//	rules = [
//	    rule(type="RUNTIME", severity="critical",
//	         pattern="FATAL: .+", suggestion="Check the server log."),
//	]
func LoadRuleScript(path string) ([]detector.Rule, error) {
	return LoadRuleScriptContext(context.Background(), path)
}

// LoadRuleScriptContext is LoadRuleScript with a caller context.
func LoadRuleScriptContext(ctx context.Context, path string) ([]detector.Rule, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule script: %w", err)
	}

	result, err := NewStarlarkEvaluator(DefaultScriptTimeout).evaluate(ctx, path, string(src), nil)
	if err != nil {
		return nil, err
	}

	specs, err := ruleSpecs(result.Output["rules"])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	rules, err := detector.CompileRules(specs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}

// ruleSpecs converts the exported rules value into rule specs. Entries may
// be rule() values or plain dicts with the same keys.
func ruleSpecs(v interface{}) ([]detector.RuleSpec, error) {
	if v == nil {
		return nil, fmt.Errorf("script does not define rules")
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("rules must be a list, got %T", v)
	}

	specs := make([]detector.RuleSpec, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("rule %d: expected rule() or dict, got %T", i, item)
		}
		spec := detector.RuleSpec{}
		for key, dst := range map[string]*string{
			"type":       &spec.Type,
			"severity":   &spec.Severity,
			"pattern":    &spec.Pattern,
			"suggestion": &spec.Suggestion,
		} {
			raw, present := m[key]
			if !present {
				continue
			}
			s, ok := raw.(string)
			if !ok {
				return nil, fmt.Errorf("rule %d: %s must be a string", i, key)
			}
			*dst = s
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, s := range val {
			list[i] = starlark.String(s)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, v := range val {
			starlarkVal, err := toStarlarkValue(v)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			goItem, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = goItem
		}
		return list, nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
