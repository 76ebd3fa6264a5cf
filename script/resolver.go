package script

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/dop251/goja"
	"github.com/mgomes/scriptload/loader"
	"go.uber.org/zap"
)

const (
	sourceExt    = ".js"
	nativePrefix = "native:"
)

// fileResolver maps require and load requests onto files in the engine's file
// system, falling back to native modules for extensionless requires.
type fileResolver struct {
	engine *Engine
}

func opName(forRequire bool) string {
	if forRequire {
		return "require"
	}
	return "load"
}

func (r *fileResolver) Resolve(ctx context.Context, name string, forRequire bool, ns loader.Namespace) (loader.Unit, string, error) {
	op := opName(forRequire)
	if strings.TrimSpace(name) == "" {
		return loader.Unit{}, "", fmt.Errorf("%s: module name must be non-empty", op)
	}
	this, err := r.engine.target(ns)
	if err != nil {
		return loader.Unit{}, "", fmt.Errorf("%s: %w", op, err)
	}

	canonical, found, err := r.find(name, forRequire)
	if err != nil {
		return loader.Unit{}, "", &loader.LoadError{Op: op, Path: name, Err: err}
	}
	if !found {
		if forRequire && !hasExtension(name) {
			if native, ok := r.engine.natives[name]; ok {
				return r.resolveNative(native)
			}
		}
		return loader.Unit{}, "", loader.NewLoadError(op, name)
	}

	if forRequire && r.engine.ledger.Contains(canonical) {
		return loader.BoolUnit(false), canonical, nil
	}

	program, err := r.engine.programs.compile(canonical)
	if err != nil {
		return loader.Unit{}, "", fmt.Errorf("%s: %w", op, err)
	}
	r.engine.log.Debug("resolved library",
		zap.String("op", op),
		zap.String("name", name),
		zap.String("canonical", canonical))
	return loader.BodyUnit(&libraryBody{
		vm:       r.engine.vm,
		program:  program,
		this:     this,
		filename: canonical,
	}), canonical, nil
}

func (r *fileResolver) resolveNative(native NativeModule) (loader.Unit, string, error) {
	canonical := nativePrefix + native.Name
	if r.engine.ledger.Contains(canonical) {
		return loader.BoolUnit(false), canonical, nil
	}
	if err := native.Init(r.engine.vm, r.engine.vm.GlobalObject()); err != nil {
		return loader.Unit{}, "", fmt.Errorf("require: initializing native module %q: %w", native.Name, err)
	}
	r.engine.log.Debug("native module initialized", zap.String("name", native.Name))
	return loader.BoolUnit(true), canonical, nil
}

// find walks the search directories for name. Requires of extensionless names
// try the source extension; loads use the name exactly as given.
func (r *fileResolver) find(name string, forRequire bool) (string, bool, error) {
	exts := []string{""}
	if forRequire && !hasExtension(name) {
		exts = []string{sourceExt}
	}

	for _, dir := range r.searchDirs(name) {
		for _, ext := range exts {
			candidate := name + ext
			if !filepath.IsAbs(candidate) {
				candidate = filepath.Join(dir, candidate)
			}
			candidate = r.absolute(candidate)

			info, err := r.engine.fs.Stat(candidate)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					continue
				}
				return "", false, fmt.Errorf("reading %s: %w", candidate, err)
			}
			if info.IsDir() {
				continue
			}
			canonical, err := canonicalPath(r.engine.fs, candidate)
			if err != nil {
				return "", false, err
			}
			return canonical, true, nil
		}
	}
	return "", false, nil
}

// searchDirs returns where name may live: absolute names are tried as-is, names
// starting with "." are relative to the working directory only, and everything
// else walks the load path.
func (r *fileResolver) searchDirs(name string) []string {
	switch {
	case filepath.IsAbs(name):
		return []string{""}
	case strings.HasPrefix(name, "."):
		return []string{r.engine.config.WorkDir}
	default:
		return r.engine.loadPath
	}
}

func (r *fileResolver) absolute(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(r.engine.config.WorkDir, path)
}

func hasExtension(name string) bool {
	return filepath.Ext(filepath.Base(filepath.FromSlash(name))) != ""
}

// libraryBody evaluates a compiled library. Each Eval runs the program again to
// obtain a fresh function, so every evaluation gets its own top-level locals.
type libraryBody struct {
	vm       *goja.Runtime
	program  *goja.Program
	this     goja.Value
	filename string
}

func (b *libraryBody) Eval(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := b.vm.RunProgram(b.program)
	if err != nil {
		return err
	}
	fn, ok := goja.AssertFunction(value)
	if !ok {
		return fmt.Errorf("script: %s did not compile to a function", b.filename)
	}
	_, err = fn(b.this, b.vm.ToValue(b.filename))
	return err
}
