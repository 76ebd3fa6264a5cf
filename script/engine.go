// Package script embeds a goja JavaScript runtime whose require and load
// primitives evaluate every library body in its own activation, so top-level
// locals of one library are neither shared with nor destroyed by another.
package script

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dop251/goja"
	"github.com/mgomes/scriptload/loader"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Environment variables read by NewEngine unless Config.IgnoreEnv is set.
const (
	EnvLoadPath = "SCRIPTLOAD_PATH"
	EnvRoot     = "SCRIPTLOAD_ROOT"
	EnvRequire  = "SCRIPTLOAD_REQUIRE"
)

// Config controls how an Engine finds and evaluates libraries.
type Config struct {
	LoadPath          []string
	Preload           []string
	WorkDir           string
	FS                afero.Fs
	Natives           []NativeModule
	RecursionLimit    int
	MaxCachedPrograms int
	Stdout            io.Writer
	Stderr            io.Writer
	Logger            *zap.Logger
	IgnoreEnv         bool
}

// Engine owns one goja runtime together with its loader and ledger. An Engine
// must only be used from one goroutine at a time.
type Engine struct {
	config   Config
	vm       *goja.Runtime
	fs       afero.Fs
	ledger   *loader.Ledger
	loader   *loader.Loader
	natives  map[string]NativeModule
	programs *programCache
	loadPath []string
	log      *zap.Logger
	call     *callState
	depth    int
	closed   bool
}

// NewEngine constructs an Engine, installs require and load, and requires every
// preloaded library.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.FS == nil {
		cfg.FS = afero.NewOsFs()
	}
	if cfg.WorkDir == "" {
		if _, ok := cfg.FS.(*afero.OsFs); ok {
			wd, err := os.Getwd()
			if err != nil {
				return nil, fmt.Errorf("script: resolving working directory: %w", err)
			}
			cfg.WorkDir = wd
		} else {
			cfg.WorkDir = string(filepath.Separator)
		}
	}
	if cfg.RecursionLimit <= 0 {
		cfg.RecursionLimit = 64
	}
	if cfg.MaxCachedPrograms == 0 {
		cfg.MaxCachedPrograms = 1000
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	if err := validateLoadPath(cfg.FS, cfg.WorkDir, cfg.LoadPath); err != nil {
		return nil, err
	}
	loadPath := append([]string(nil), cfg.LoadPath...)
	preload := append([]string(nil), cfg.Preload...)
	if !cfg.IgnoreEnv {
		loadPath = append(loadPath, envLoadPath()...)
		preload = append(preload, envPreload()...)
	}

	natives, err := registerNatives(cfg.Natives)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		config:   cfg,
		vm:       goja.New(),
		fs:       cfg.FS,
		ledger:   loader.NewLedger(),
		natives:  natives,
		programs: newProgramCache(cfg.FS, cfg.MaxCachedPrograms),
		loadPath: loadPath,
		log:      cfg.Logger,
	}

	e.loader, err = loader.New(loader.Config{
		Resolver:   &fileResolver{engine: e},
		Namespaces: e,
		Ledger:     e.ledger,
		Runner:     e,
		Logger:     cfg.Logger.Named("loader"),
	})
	if err != nil {
		return nil, err
	}

	if err := e.installBindings(); err != nil {
		return nil, err
	}
	if err := e.installConsole(); err != nil {
		return nil, err
	}

	for _, name := range preload {
		if _, err := e.Require(context.Background(), name); err != nil {
			err = fmt.Errorf("script: preloading %q: %w", name, err)
			return nil, errors.Join(err, e.Close())
		}
	}

	e.log.Debug("engine ready",
		zap.Strings("load_path", e.loadPath),
		zap.Strings("preload", preload),
		zap.Int("natives", len(e.natives)))
	return e, nil
}

// MustNewEngine constructs an Engine or panics if the config is invalid.
func MustNewEngine(cfg Config) *Engine {
	engine, err := NewEngine(cfg)
	if err != nil {
		panic(err)
	}
	return engine
}

func validateLoadPath(fs afero.Fs, workDir string, paths []string) error {
	for _, path := range paths {
		if strings.TrimSpace(path) == "" {
			return fmt.Errorf("script: load path entry cannot be empty")
		}
		dir := path
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(workDir, dir)
		}
		stat, err := fs.Stat(dir)
		if err != nil {
			return fmt.Errorf("script: invalid load path %q: %w", path, err)
		}
		if !stat.IsDir() {
			return fmt.Errorf("script: load path %q is not a directory", path)
		}
	}
	return nil
}

func envLoadPath() []string {
	var paths []string
	for _, p := range filepath.SplitList(os.Getenv(EnvLoadPath)) {
		if strings.TrimSpace(p) != "" {
			paths = append(paths, p)
		}
	}
	if root := strings.TrimSpace(os.Getenv(EnvRoot)); root != "" {
		paths = append(paths, root)
	}
	return paths
}

func envPreload() []string {
	var names []string
	for _, name := range strings.Split(os.Getenv(EnvRequire), ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// Runtime exposes the underlying goja runtime for embedders that need to bind
// their own values.
func (e *Engine) Runtime() *goja.Runtime {
	return e.vm
}

// LoadedFeatures returns the canonical paths required so far, in completion order.
func (e *Engine) LoadedFeatures() []string {
	return e.ledger.Paths()
}

// Ledger returns the engine's ledger for read access from other goroutines.
func (e *Engine) Ledger() *loader.Ledger {
	return e.ledger
}

// LoadPath returns a copy of the directories searched by require.
func (e *Engine) LoadPath() []string {
	return append([]string(nil), e.loadPath...)
}

// AddLoadPath appends dir to the search list.
func (e *Engine) AddLoadPath(dir string) error {
	if err := validateLoadPath(e.fs, e.config.WorkDir, []string{dir}); err != nil {
		return err
	}
	e.loadPath = append(e.loadPath, dir)
	return nil
}

// Global returns the value bound to name in the global scope.
func (e *Engine) Global(name string) goja.Value {
	return e.vm.Get(name)
}

// Close unloads native modules in reverse load order. The engine cannot be used
// afterwards.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true

	var errs []error
	features := e.ledger.Paths()
	for i := len(features) - 1; i >= 0; i-- {
		name, ok := strings.CutPrefix(features[i], nativePrefix)
		if !ok {
			continue
		}
		native, ok := e.natives[name]
		if !ok || native.Unload == nil {
			continue
		}
		if err := native.Unload(e.vm, e.vm.GlobalObject()); err != nil {
			errs = append(errs, fmt.Errorf("script: unloading %s: %w", name, err))
			continue
		}
		e.log.Debug("native module unloaded", zap.String("name", name))
	}
	return errors.Join(errs...)
}
