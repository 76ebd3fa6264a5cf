package script

import (
	"fmt"
	"strings"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// NativeModule is a library implemented in Go. Requiring its name runs Init once
// and records native:<Name> in the ledger; Close runs Unload.
type NativeModule struct {
	Name   string
	Init   func(vm *goja.Runtime, global *goja.Object) error
	Unload func(vm *goja.Runtime, global *goja.Object) error
}

// BuiltinNatives returns the native modules every engine can require.
func BuiltinNatives() []NativeModule {
	return []NativeModule{yamlModule(), uuidModule()}
}

func registerNatives(extra []NativeModule) (map[string]NativeModule, error) {
	natives := make(map[string]NativeModule)
	for _, native := range append(BuiltinNatives(), extra...) {
		name := strings.TrimSpace(native.Name)
		if name == "" {
			return nil, fmt.Errorf("script: native module name cannot be empty")
		}
		if hasExtension(name) {
			return nil, fmt.Errorf("script: native module name %q must not have an extension", name)
		}
		if native.Init == nil {
			return nil, fmt.Errorf("script: native module %q has no Init", name)
		}
		if _, exists := natives[name]; exists {
			return nil, fmt.Errorf("script: native module %q registered twice", name)
		}
		natives[name] = native
	}
	return natives, nil
}

// GlobalNative builds a native module that binds a single global object built by
// build and deletes it again on unload.
func GlobalNative(name, global string, build func(vm *goja.Runtime, obj *goja.Object) error) NativeModule {
	return NativeModule{
		Name: name,
		Init: func(vm *goja.Runtime, g *goja.Object) error {
			obj := vm.NewObject()
			if err := build(vm, obj); err != nil {
				return err
			}
			return g.Set(global, obj)
		},
		Unload: func(vm *goja.Runtime, g *goja.Object) error {
			return g.Delete(global)
		},
	}
}

func yamlModule() NativeModule {
	return GlobalNative("yaml", "YAML", func(vm *goja.Runtime, obj *goja.Object) error {
		if err := obj.Set("parse", func(call goja.FunctionCall) goja.Value {
			var out any
			if err := yaml.Unmarshal([]byte(call.Argument(0).String()), &out); err != nil {
				panic(vm.NewGoError(fmt.Errorf("YAML.parse: %w", err)))
			}
			return vm.ToValue(out)
		}); err != nil {
			return err
		}
		return obj.Set("stringify", func(call goja.FunctionCall) goja.Value {
			data, err := yaml.Marshal(call.Argument(0).Export())
			if err != nil {
				panic(vm.NewGoError(fmt.Errorf("YAML.stringify: %w", err)))
			}
			return vm.ToValue(string(data))
		})
	})
}

func uuidModule() NativeModule {
	return GlobalNative("uuid", "UUID", func(vm *goja.Runtime, obj *goja.Object) error {
		if err := obj.Set("v4", func(goja.FunctionCall) goja.Value {
			return vm.ToValue(uuid.NewString())
		}); err != nil {
			return err
		}
		if err := obj.Set("parse", func(call goja.FunctionCall) goja.Value {
			id, err := uuid.Parse(call.Argument(0).String())
			if err != nil {
				panic(vm.NewGoError(fmt.Errorf("UUID.parse: %w", err)))
			}
			return vm.ToValue(id.String())
		}); err != nil {
			return err
		}
		return obj.Set("validate", func(call goja.FunctionCall) goja.Value {
			return vm.ToValue(uuid.Validate(call.Argument(0).String()) == nil)
		})
	})
}
