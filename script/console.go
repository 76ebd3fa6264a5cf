package script

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

func (e *Engine) installConsole() error {
	console := e.vm.NewObject()
	methods := []struct {
		name string
		out  io.Writer
	}{
		{"log", e.config.Stdout},
		{"info", e.config.Stdout},
		{"debug", e.config.Stdout},
		{"warn", e.config.Stderr},
		{"error", e.config.Stderr},
	}
	for _, m := range methods {
		name, out := m.name, m.out
		if err := console.Set(name, func(call goja.FunctionCall) goja.Value {
			line := e.formatArgs(call.Arguments)
			fmt.Fprintln(out, line)
			if name == "warn" || name == "error" {
				e.log.Debug("console."+name, zap.String("message", line))
			}
			return goja.Undefined()
		}); err != nil {
			return fmt.Errorf("script: installing console.%s: %w", name, err)
		}
	}
	return e.vm.Set("console", console)
}

func (e *Engine) formatArgs(args []goja.Value) string {
	parts := make([]string, len(args))
	for i, arg := range args {
		parts[i] = e.Format(arg)
	}
	return strings.Join(parts, " ")
}

// Format renders a script value for display: strings verbatim, plain objects
// and arrays as JSON, everything else through its string conversion.
func (e *Engine) Format(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return v.String()
	}
	if _, callable := goja.AssertFunction(obj); callable {
		return v.String()
	}
	if obj.ClassName() == "Error" {
		return v.String()
	}
	data, err := json.Marshal(obj.Export())
	if err != nil {
		return v.String()
	}
	return string(data)
}
