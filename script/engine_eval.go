package script

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/dop251/goja"
	"github.com/mgomes/scriptload/loader"
	"go.uber.org/zap"
)

var errEngineClosed = errors.New("script: engine closed")

// callState tracks the outermost Go call into the runtime. Script code calling
// back into require or load reuses its context.
type callState struct {
	ctx context.Context
}

func (e *Engine) enter(ctx context.Context) (func(), error) {
	if e.closed {
		return nil, errEngineClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.call != nil {
		return func() {}, nil
	}

	e.call = &callState{ctx: ctx}
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		e.vm.Interrupt(ctx.Err())
		close(done)
	})
	return func() {
		if !stop() {
			<-done
		}
		e.vm.ClearInterrupt()
		e.call = nil
	}, nil
}

func (e *Engine) context() context.Context {
	if e.call == nil {
		return context.Background()
	}
	return e.call.ctx
}

// Require loads name once, reporting whether it was newly loaded.
func (e *Engine) Require(ctx context.Context, name string) (bool, error) {
	release, err := e.enter(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	ok, err := e.loader.Require(ctx, name)
	if err != nil {
		return false, e.scriptError(ctx, err)
	}
	return ok, nil
}

// Load evaluates path every time it is called, inside the namespace chosen by wrap.
func (e *Engine) Load(ctx context.Context, path string, wrap loader.Wrap) error {
	release, err := e.enter(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := e.loader.Load(ctx, path, wrap); err != nil {
		return e.scriptError(ctx, err)
	}
	return nil
}

// RunFile loads the script at path into the global scope with ARGV set to args.
func (e *Engine) RunFile(ctx context.Context, path string, args []string) error {
	if !filepath.IsAbs(path) {
		path = filepath.Join(e.config.WorkDir, path)
	}
	argv := make([]any, len(args))
	for i, arg := range args {
		argv[i] = arg
	}
	if err := e.vm.Set("ARGV", e.vm.NewArray(argv...)); err != nil {
		return fmt.Errorf("script: setting ARGV: %w", err)
	}
	return e.Load(ctx, path, loader.NoWrap())
}

// RunString evaluates src directly in the global scope and returns its completion
// value. It is meant for interactive use where declarations should persist.
func (e *Engine) RunString(ctx context.Context, name, src string) (goja.Value, error) {
	release, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	value, err := e.vm.RunScript(name, src)
	if err != nil {
		return nil, e.scriptError(ctx, err)
	}
	return value, nil
}

// Check compiles the library at path without evaluating it.
func (e *Engine) Check(path string) error {
	if !filepath.IsAbs(path) {
		path = filepath.Join(e.config.WorkDir, path)
	}
	if _, err := e.programs.compile(path); err != nil {
		return fmt.Errorf("check: %w", err)
	}
	return nil
}

// Run evaluates a library body for the loader, bounding how deeply bodies nest.
func (e *Engine) Run(ctx context.Context, body loader.Body, path string) error {
	if e.depth >= e.config.RecursionLimit {
		where := path
		if where == "" {
			where = "load"
		}
		return fmt.Errorf("%w (limit %d) at %s", loader.ErrNestingTooDeep, e.config.RecursionLimit, where)
	}
	e.depth++
	defer func() { e.depth-- }()

	if ce := e.log.Check(zap.DebugLevel, "evaluating library"); ce != nil {
		ce.Write(zap.String("path", path), zap.Int("depth", e.depth))
	}
	return body.Eval(ctx)
}

// scriptError recovers the Go error behind a script exception when one was
// attached, and reports interrupts as the context's error.
func (e *Engine) scriptError(ctx context.Context, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("script: interrupted: %w", ctxErr)
		}
		return err
	}
	var exc *goja.Exception
	if errors.As(err, &exc) {
		if cause := causeOf(exc.Value()); cause != nil {
			return cause
		}
	}
	return err
}
