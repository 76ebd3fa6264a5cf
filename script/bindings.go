package script

import (
	"errors"
	"fmt"

	"github.com/dop251/goja"
	"github.com/mgomes/scriptload/loader"
)

const causeProperty = "__cause__"

const loadErrorClass = `
class LoadError extends Error {
  constructor(message, path) {
    super(message);
    this.name = "LoadError";
    this.path = path;
  }
}
globalThis.LoadError = LoadError;
`

func (e *Engine) installBindings() error {
	if _, err := e.vm.RunString(loadErrorClass); err != nil {
		return fmt.Errorf("script: defining LoadError: %w", err)
	}

	global := e.vm.GlobalObject()
	if err := global.Set("require", e.jsRequire); err != nil {
		return fmt.Errorf("script: installing require: %w", err)
	}
	if err := global.Set("load", e.jsLoad); err != nil {
		return fmt.Errorf("script: installing load: %w", err)
	}

	if err := e.installLiveArrays(global); err != nil {
		return err
	}
	return e.vm.Set("ARGV", e.vm.NewArray())
}

func (e *Engine) jsRequire(call goja.FunctionCall) goja.Value {
	name := e.moduleName("require", call.Argument(0))
	ok, err := e.loader.Require(e.context(), name)
	if err != nil {
		e.throw(err)
	}
	return e.vm.ToValue(ok)
}

func (e *Engine) jsLoad(call goja.FunctionCall) goja.Value {
	path := e.moduleName("load", call.Argument(0))
	if err := e.loader.Load(e.context(), path, e.wrapFor(call.Argument(1))); err != nil {
		e.throw(err)
	}
	return e.vm.ToValue(true)
}

func (e *Engine) moduleName(op string, v goja.Value) string {
	name, ok := v.Export().(string)
	if !ok {
		panic(e.vm.NewTypeError(fmt.Sprintf("%s: can't convert %s into String", op, v)))
	}
	return name
}

// throw raises err inside the running script. Exceptions from nested bodies are
// rethrown unchanged; Go errors become LoadError or GoError objects that carry
// the original error for callers on the Go side.
func (e *Engine) throw(err error) {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		panic(exc.Value())
	}

	var obj *goja.Object
	var loadErr *loader.LoadError
	if errors.As(err, &loadErr) {
		obj = e.newLoadError(loadErr)
	}
	if obj == nil {
		obj = e.vm.NewGoError(err)
	}
	_ = obj.DefineDataProperty(causeProperty, e.vm.ToValue(causeBox{err: err}), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE)
	panic(obj)
}

func (e *Engine) newLoadError(loadErr *loader.LoadError) *goja.Object {
	ctor := e.vm.Get("LoadError")
	if ctor == nil || goja.IsUndefined(ctor) {
		return nil
	}
	message := (&loader.LoadError{Path: loadErr.Path, Err: loadErr.Err}).Error()
	obj, err := e.vm.New(ctor, e.vm.ToValue(message), e.vm.ToValue(loadErr.Path))
	if err != nil {
		return nil
	}
	return obj
}

type causeBox struct {
	err error
}

func causeOf(v goja.Value) error {
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil
	}
	cause := obj.Get(causeProperty)
	if cause == nil {
		return nil
	}
	if box, ok := cause.Export().(causeBox); ok {
		return box.err
	}
	return nil
}
