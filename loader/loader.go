// Package loader implements an at-most-once, cycle tolerant module loader with
// two modes: Require evaluates a library once per canonical path and records it in
// a Ledger; Load evaluates a library every time, optionally inside a namespace.
//
// The loader does not know how names map to code. A Resolver turns names into
// Units, a NamespaceProvider allocates fresh namespaces and a Runner evaluates
// bodies.
package loader

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Resolver turns a requested name into a loadable unit and its canonical path.
// When nothing matches it must return an error matching ErrNotFound.
type Resolver interface {
	Resolve(ctx context.Context, path string, forRequire bool, ns Namespace) (Unit, string, error)
}

// NamespaceProvider allocates empty namespaces for Load with WrapFresh.
type NamespaceProvider interface {
	NewNamespace() (Namespace, error)
}

// Runner evaluates a library body. path is the canonical path for Require and
// empty for Load.
type Runner interface {
	Run(ctx context.Context, body Body, path string) error
}

// RunnerFunc adapts a plain function to Runner.
type RunnerFunc func(ctx context.Context, body Body, path string) error

func (f RunnerFunc) Run(ctx context.Context, body Body, path string) error {
	return f(ctx, body, path)
}

// Config wires a Loader to its collaborators.
type Config struct {
	Resolver   Resolver
	Namespaces NamespaceProvider
	Ledger     *Ledger
	Runner     Runner
	Logger     *zap.Logger
}

// Loader provides Require and Load over a Resolver. A Loader is not safe for
// concurrent use; nested calls from inside an evaluating body are expected.
type Loader struct {
	resolver   Resolver
	namespaces NamespaceProvider
	ledger     *Ledger
	runner     Runner
	log        *zap.Logger
	loading    []string
}

// New builds a Loader. Resolver is required; a missing Ledger is created, a
// missing Runner evaluates bodies directly.
func New(cfg Config) (*Loader, error) {
	if cfg.Resolver == nil {
		return nil, errors.New("loader: resolver is required")
	}
	if cfg.Ledger == nil {
		cfg.Ledger = NewLedger()
	}
	if cfg.Runner == nil {
		cfg.Runner = RunnerFunc(evalBody)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Loader{
		resolver:   cfg.Resolver,
		namespaces: cfg.Namespaces,
		ledger:     cfg.Ledger,
		runner:     cfg.Runner,
		log:        cfg.Logger,
	}, nil
}

func evalBody(ctx context.Context, body Body, _ string) error {
	return body.Eval(ctx)
}

// Ledger returns the ledger Require appends to.
func (l *Loader) Ledger() *Ledger {
	return l.ledger
}

// Loading returns the canonical paths currently being required, outermost first.
func (l *Loader) Loading() []string {
	return append([]string(nil), l.loading...)
}

// Require evaluates the library named by path unless it has already been loaded
// or is currently loading. It reports whether the library was newly loaded.
func (l *Loader) Require(ctx context.Context, path string) (bool, error) {
	unit, canonical, err := l.resolver.Resolve(ctx, path, true, nil)
	if err != nil {
		return false, err
	}

	body, ok := unit.Body()
	if !ok {
		loaded := unit.Bool()
		if loaded {
			l.ledger.Append(canonical)
		}
		l.log.Debug("require resolved without body",
			zap.String("path", path),
			zap.String("canonical", canonical),
			zap.Bool("loaded", loaded))
		return loaded, nil
	}

	if l.isLoading(canonical) {
		l.log.Debug("require cycle short-circuited",
			zap.String("canonical", canonical),
			zap.Strings("loading", l.loading))
		return false, nil
	}

	l.push(canonical)
	defer l.pop()

	if err := l.runner.Run(ctx, body, canonical); err != nil {
		l.log.Debug("require failed", zap.String("canonical", canonical), zap.Error(err))
		return false, err
	}
	l.ledger.Append(canonical)
	l.log.Debug("required", zap.String("canonical", canonical))
	return true, nil
}

// Load evaluates the library named by path every time it is called, never
// consulting or updating the ledger.
func (l *Loader) Load(ctx context.Context, path string, wrap Wrap) error {
	ns, err := l.target(wrap)
	if err != nil {
		return err
	}

	unit, canonical, err := l.resolver.Resolve(ctx, path, false, ns)
	if err != nil {
		return err
	}

	body, ok := unit.Body()
	if !ok {
		l.log.Debug("load resolved without body", zap.String("path", path), zap.Stringer("unit", unit))
		return nil
	}
	if err := l.runner.Run(ctx, body, ""); err != nil {
		l.log.Debug("load failed", zap.String("canonical", canonical), zap.Error(err))
		return err
	}
	l.log.Debug("loaded", zap.String("canonical", canonical), zap.Stringer("wrap", wrap))
	return nil
}

func (l *Loader) target(wrap Wrap) (Namespace, error) {
	switch {
	case wrap.IsNone():
		return nil, nil
	case wrap.IsFresh():
		if l.namespaces == nil {
			return nil, errors.New("load: no namespace provider configured")
		}
		ns, err := l.namespaces.NewNamespace()
		if err != nil {
			return nil, fmt.Errorf("load: allocating namespace: %w", err)
		}
		return ns, nil
	default:
		return wrap.Namespace(), nil
	}
}

func (l *Loader) isLoading(canonical string) bool {
	for _, p := range l.loading {
		if p == canonical {
			return true
		}
	}
	return false
}

func (l *Loader) push(canonical string) {
	l.loading = append(l.loading, canonical)
}

// pop never fails; popping an empty stack does nothing.
func (l *Loader) pop() {
	if len(l.loading) == 0 {
		return
	}
	l.loading = l.loading[:len(l.loading)-1]
}
