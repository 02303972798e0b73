package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

// ErrScriptTimeout is returned when a script exceeds its time budget
var ErrScriptTimeout = errors.New("resolution script timed out")

// GojaEvaluator runs resolution scripts in an isolated JavaScript runtime.
// The script body sees the conflicting payloads as the array `docs` and returns
// the resolved document, or null to delete it.
type GojaEvaluator struct {
	timeout time.Duration
}

// NewGojaEvaluator creates an evaluator that interrupts scripts after timeout
func NewGojaEvaluator(timeout time.Duration) *GojaEvaluator {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &GojaEvaluator{timeout: timeout}
}

// Evaluate implements ScriptEvaluator
func (e *GojaEvaluator) Evaluate(ctx context.Context, script string, docs []json.RawMessage) (json.RawMessage, error) {
	inputs := make([]interface{}, 0, len(docs))
	for i, raw := range docs {
		var v interface{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, fmt.Errorf("decode document %d: %w", i, err)
			}
		}
		inputs = append(inputs, v)
	}

	// a fresh runtime per call keeps scripts from sharing state
	vm := goja.New()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(ErrScriptTimeout)
	})
	defer stop()

	fnValue, err := vm.RunString("(function(docs) {\n" + script + "\n})")
	if err != nil {
		return nil, fmt.Errorf("compile script: %w", err)
	}
	fn, ok := goja.AssertFunction(fnValue)
	if !ok {
		return nil, fmt.Errorf("script did not compile to a function")
	}

	result, err := fn(goja.Undefined(), vm.ToValue(inputs))
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, ErrScriptTimeout
		}
		return nil, fmt.Errorf("run script: %w", err)
	}

	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, nil
	}
	out, err := json.Marshal(result.Export())
	if err != nil {
		return nil, fmt.Errorf("encode script result: %w", err)
	}
	if len(out) == 0 || out[0] != '{' {
		return nil, fmt.Errorf("script must return an object or null, got %s", out)
	}
	return out, nil
}
