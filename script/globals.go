package script

import (
	"fmt"

	"github.com/dop251/goja"
)

// installLiveArrays binds $LOAD_PATH and $LOADED_FEATURES as arrays backed by
// the engine's search list and ledger, so script edits take effect on the next
// require.
func (e *Engine) installLiveArrays(global *goja.Object) error {
	arrays := map[string]goja.DynamicArray{
		"$LOAD_PATH":       &loadPathArray{engine: e},
		"$LOADED_FEATURES": &featuresArray{engine: e},
	}
	for name, arr := range arrays {
		if err := global.DefineDataProperty(name, e.vm.NewDynamicArray(arr), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
			return fmt.Errorf("script: installing %s: %w", name, err)
		}
	}
	return nil
}

// elementString returns v as a non-empty string or raises a TypeError.
func (e *Engine) elementString(global string, v goja.Value) string {
	s, ok := v.Export().(string)
	if !ok || s == "" {
		panic(e.vm.NewTypeError(fmt.Sprintf("%s: can't convert %s into a non-empty String", global, v)))
	}
	return s
}

// loadPathArray exposes Engine.loadPath. New entries are validated like
// Config.LoadPath.
type loadPathArray struct {
	engine *Engine
}

func (a *loadPathArray) Len() int {
	return len(a.engine.loadPath)
}

func (a *loadPathArray) Get(idx int) goja.Value {
	if idx < 0 || idx >= len(a.engine.loadPath) {
		return goja.Undefined()
	}
	return a.engine.vm.ToValue(a.engine.loadPath[idx])
}

func (a *loadPathArray) Set(idx int, val goja.Value) bool {
	e := a.engine
	if idx < 0 || idx > len(e.loadPath) {
		return false
	}
	if goja.IsUndefined(val) && idx < len(e.loadPath) {
		// delete leaves the entry in place; splice and pop truncate afterwards
		return true
	}
	dir := e.elementString("$LOAD_PATH", val)
	if err := validateLoadPath(e.fs, e.config.WorkDir, []string{dir}); err != nil {
		panic(e.vm.NewTypeError(err.Error()))
	}
	if idx == len(e.loadPath) {
		e.loadPath = append(e.loadPath, dir)
	} else {
		e.loadPath[idx] = dir
	}
	return true
}

func (a *loadPathArray) SetLen(n int) bool {
	e := a.engine
	if n < 0 || n > len(e.loadPath) {
		return false
	}
	e.loadPath = e.loadPath[:n]
	return true
}

// featuresArray exposes the ledger. Dropping an entry lets its library be
// required again; pushing a path marks it as already loaded.
type featuresArray struct {
	engine *Engine
}

func (a *featuresArray) Len() int {
	return a.engine.ledger.Len()
}

func (a *featuresArray) Get(idx int) goja.Value {
	paths := a.engine.ledger.Paths()
	if idx < 0 || idx >= len(paths) {
		return goja.Undefined()
	}
	return a.engine.vm.ToValue(paths[idx])
}

func (a *featuresArray) Set(idx int, val goja.Value) bool {
	ledger := a.engine.ledger
	n := ledger.Len()
	if idx < 0 || idx > n {
		return false
	}
	if goja.IsUndefined(val) && idx < n {
		return true
	}
	path := a.engine.elementString("$LOADED_FEATURES", val)
	if idx == n {
		ledger.Append(path)
		return true
	}
	return ledger.Set(idx, path)
}

func (a *featuresArray) SetLen(n int) bool {
	if n < 0 || n > a.engine.ledger.Len() {
		return false
	}
	a.engine.ledger.Truncate(n)
	return true
}
