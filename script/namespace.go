package script

import (
	"fmt"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	"github.com/mgomes/scriptload/loader"
)

// namespace is a plain script object that library bodies are evaluated into
// when load is given a wrap.
type namespace struct {
	name string
	obj  *goja.Object
}

func (n *namespace) NamespaceName() string {
	return n.name
}

// Object returns the script object backing the namespace.
func (n *namespace) Object() *goja.Object {
	return n.obj
}

// NewNamespace allocates an empty namespace object with a unique name.
func (e *Engine) NewNamespace() (loader.Namespace, error) {
	obj := e.vm.NewObject()
	name := "#<Namespace:" + uuid.NewString() + ">"
	if err := obj.DefineDataProperty("__namespace__", e.vm.ToValue(name), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE); err != nil {
		return nil, fmt.Errorf("script: naming namespace: %w", err)
	}
	return &namespace{name: name, obj: obj}, nil
}

// Namespace adopts obj as a namespace for use with loader.WrapIn.
func (e *Engine) Namespace(obj *goja.Object) loader.Namespace {
	name := "#<Object>"
	if v := obj.Get("name"); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
		name = v.String()
	}
	return &namespace{name: name, obj: obj}
}

// wrapFor normalises the second argument of load. Falsy values evaluate into
// the global scope, plain objects are used as-is and anything else truthy
// (true, functions and classes, numbers, strings) asks for a fresh namespace.
func (e *Engine) wrapFor(v goja.Value) loader.Wrap {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) || !v.ToBoolean() {
		return loader.NoWrap()
	}
	if obj, ok := v.(*goja.Object); ok {
		if _, callable := goja.AssertFunction(obj); !callable {
			return loader.WrapIn(e.Namespace(obj))
		}
	}
	return loader.WrapFresh()
}

// target returns the `this` value a body runs with for ns.
func (e *Engine) target(ns loader.Namespace) (goja.Value, error) {
	if ns == nil {
		return e.vm.GlobalObject(), nil
	}
	n, ok := ns.(*namespace)
	if !ok {
		return nil, fmt.Errorf("unsupported namespace %s", ns.NamespaceName())
	}
	return n.obj, nil
}
