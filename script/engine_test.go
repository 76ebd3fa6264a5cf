package script

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/google/go-cmp/cmp"
	"github.com/mgomes/scriptload/loader"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequireEvaluatesOnce(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"/lib/helper.js": `this.helperLoads = (this.helperLoads || 0) + 1;`,
	})
	ctx := context.Background()

	ok, err := e.Require(ctx, "helper")
	require.NoError(t, err)
	assert.True(t, ok)

	for i := 0; i < 3; i++ {
		ok, err = e.Require(ctx, "helper")
		require.NoError(t, err)
		assert.False(t, ok)
	}

	assert.EqualValues(t, 1, eval(t, e, "helperLoads").Export())
	assert.Equal(t, []string{"/lib/helper.js"}, e.LoadedFeatures())
}

func TestRequireKeepsTopLevelLocalsPerLibrary(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"/lib/counter.js": `
let count = 0;
this.bump = function () { count += 1; return count; };
`,
		"/lib/other.js": `
let count = 100;
this.otherCount = function () { return count; };
`,
	})
	ctx := context.Background()

	for _, name := range []string{"counter", "other"} {
		ok, err := e.Require(ctx, name)
		require.NoError(t, err)
		require.True(t, ok)
	}

	assert.EqualValues(t, 2, eval(t, e, "bump(); bump()").Export())
	assert.EqualValues(t, 100, eval(t, e, "otherCount()").Export())
	assert.Equal(t, "undefined", eval(t, e, "typeof count").String())
}

func TestRequireSelfCycleFromScript(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"/lib/self.js": `this.innerResult = require("self");`,
	})

	outer := eval(t, e, `require("self")`)
	assert.True(t, outer.ToBoolean())
	assert.False(t, eval(t, e, "innerResult").ToBoolean())
	assert.Equal(t, []string{"/lib/self.js"}, e.LoadedFeatures())
}

func TestRequireIndirectCycleLedgerOrder(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"/lib/a.js": `require("b"); this.aDone = true;`,
		"/lib/b.js": `this.innerA = require("a");`,
	})

	ok, err := e.Require(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, eval(t, e, "innerA").ToBoolean())
	assert.True(t, eval(t, e, "aDone").ToBoolean())

	want := []string{"/lib/b.js", "/lib/a.js"}
	if diff := cmp.Diff(want, e.LoadedFeatures()); diff != "" {
		t.Fatalf("ledger mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadEvaluatesEveryCall(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"/lib/tick.js": `this.ticks = (this.ticks || 0) + 1;`,
	})

	v := eval(t, e, `load("tick.js"); load("tick.js"); load("tick.js")`)
	assert.True(t, v.ToBoolean())
	assert.EqualValues(t, 3, eval(t, e, "ticks").Export())
	assert.Empty(t, e.LoadedFeatures())

	ok, err := e.Require(context.Background(), "tick")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, e.Load(context.Background(), "tick.js", loader.NoWrap()))
	assert.EqualValues(t, 5, eval(t, e, "ticks").Export())
	assert.Equal(t, []string{"/lib/tick.js"}, e.LoadedFeatures())
}

func TestLoadWithFreshNamespaceIsolates(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"/lib/wrapped.js": `var hidden = 1; this.secret = 42;`,
	})

	eval(t, e, `load("wrapped.js", true)`)
	assert.Equal(t, "undefined", eval(t, e, "typeof secret").String())
	assert.Equal(t, "undefined", eval(t, e, "typeof hidden").String())

	eval(t, e, `class Klass {}; load("wrapped.js", Klass); this.klassSecret = Klass.secret;`)
	assert.Equal(t, "undefined", eval(t, e, "typeof klassSecret").String())
	assert.Equal(t, "undefined", eval(t, e, "typeof secret").String())

	eval(t, e, `load("wrapped.js", 7)`)
	assert.Equal(t, "undefined", eval(t, e, "typeof secret").String())
}

func TestLoadIntoExistingNamespace(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"/lib/wrapped.js": `this.secret = (this.secret || 0) + 42;`,
	})

	v := eval(t, e, `var Tools = { name: "Tools" }; load("wrapped.js", Tools); load("wrapped.js", Tools); Tools.secret`)
	assert.EqualValues(t, 84, v.Export())
	assert.Equal(t, "undefined", eval(t, e, "typeof secret").String())

	obj := e.Runtime().NewObject()
	require.NoError(t, e.Load(context.Background(), "wrapped.js", loader.WrapIn(e.Namespace(obj))))
	assert.EqualValues(t, 42, obj.Get("secret").Export())
}

func TestLoadFalsyWrapUsesGlobalScope(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"/lib/wrapped.js": `this.secret = 42;`,
	})

	eval(t, e, `load("wrapped.js", false); load("wrapped.js", null); load("wrapped.js", 0)`)
	assert.EqualValues(t, 42, eval(t, e, "secret").Export())
}

func TestMissingModule(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	ok, err := e.Require(ctx, "missing_lib")
	assert.False(t, ok)
	require.ErrorIs(t, err, loader.ErrNotFound)
	var loadErr *loader.LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "missing_lib", loadErr.Path)

	err = e.Load(ctx, "missing_lib", loader.NoWrap())
	require.ErrorIs(t, err, loader.ErrNotFound)

	v := eval(t, e, `
var caught = [];
for (const fn of [() => require("missing_lib"), () => load("missing_lib")]) {
  try { fn(); } catch (e) {
    caught.push(e instanceof LoadError && e.name === "LoadError" && e.path === "missing_lib");
  }
}
caught.join(",")`)
	assert.Equal(t, "true,true", v.String())
	assert.Empty(t, e.LoadedFeatures())
	assert.Empty(t, e.loader.Loading())
}

func TestScriptErrorPropagatesAndRequireRetries(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"/lib/flaky.js": `
if (!globalThis.ready) { throw new Error("not ready"); }
this.flakyDone = true;
`,
	})
	ctx := context.Background()

	ok, err := e.Require(ctx, "flaky")
	assert.False(t, ok)
	var exc *goja.Exception
	require.ErrorAs(t, err, &exc)
	assert.Contains(t, exc.Error(), "not ready")
	assert.Empty(t, e.LoadedFeatures())
	assert.Empty(t, e.loader.Loading())

	eval(t, e, "globalThis.ready = true")
	ok, err = e.Require(ctx, "flaky")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, eval(t, e, "flakyDone").ToBoolean())
}

func TestScriptCanCatchNestedFailure(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"/lib/outer.js": `
try { require("inner"); } catch (e) { this.caughtMessage = e.message; }
`,
		"/lib/inner.js": `throw new Error("inner broke");`,
	})

	ok, err := e.Require(context.Background(), "outer")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "inner broke", eval(t, e, "caughtMessage").String())
	assert.Equal(t, []string{"/lib/outer.js"}, e.LoadedFeatures())
}

func TestRequireExtensionRules(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"/lib/helper.js": `this.helper = true;`,
		"/lib/data.txt":  `this.fromText = true;`,
	})
	ctx := context.Background()

	ok, err := e.Require(ctx, "helper.js")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = e.Require(ctx, "helper")
	require.NoError(t, err)
	assert.False(t, ok, "both spellings share one canonical path")

	require.ErrorIs(t, e.Load(ctx, "helper", loader.NoWrap()), loader.ErrNotFound)
	require.NoError(t, e.Load(ctx, "data.txt", loader.NoWrap()))
	assert.True(t, eval(t, e, "fromText").ToBoolean())
}

func TestRequireSkipsDirectories(t *testing.T) {
	e := newTestEngine(t, nil)
	require.NoError(t, e.fs.MkdirAll("/lib/dir.js", 0o755))

	_, err := e.Require(context.Background(), "dir")
	require.ErrorIs(t, err, loader.ErrNotFound)
}

func TestDotRelativeNamesUseWorkDir(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"/work/local.js": `this.local = "work";`,
		"/lib/local.js":  `this.local = "lib";`,
	}, func(cfg *Config) { cfg.LoadPath = nil })
	ctx := context.Background()

	_, err := e.Require(ctx, "local")
	require.ErrorIs(t, err, loader.ErrNotFound)

	ok, err := e.Require(ctx, "./local")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "work", eval(t, e, "local").String())
	assert.Equal(t, []string{"/work/local.js"}, e.LoadedFeatures())
}

func TestAbsoluteNames(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"/elsewhere/abs.js": `this.abs = true;`,
	})

	ok, err := e.Require(context.Background(), "/elsewhere/abs")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"/elsewhere/abs.js"}, e.LoadedFeatures())
}

func TestLoadPathOrderWins(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"/lib/shared.js":   `this.from = "lib";`,
		"/extra/shared.js": `this.from = "extra";`,
	}, func(cfg *Config) { cfg.LoadPath = []string{"/extra", "/lib"} })

	_, err := e.Require(context.Background(), "shared")
	require.NoError(t, err)
	assert.Equal(t, "extra", eval(t, e, "from").String())
}

func TestCompileErrorLeavesLedgerUntouched(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"/lib/bad.js": `this.x = ;`,
	})

	_, err := e.Require(context.Background(), "bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "require: compiling /lib/bad.js failed")
	assert.Empty(t, e.LoadedFeatures())

	require.Error(t, e.Check("/lib/bad.js"))
}

func TestCheckCompilesWithoutRunning(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"/work/main.js": `this.ran = true;`,
	})

	require.NoError(t, e.Check("main.js"))
	assert.True(t, goja.IsUndefined(e.Global("ran")) || e.Global("ran") == nil)
}

func TestProgramCacheSeesChangedFiles(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"/lib/v.js": `this.v = 1;`,
	})
	ctx := context.Background()

	require.NoError(t, e.Load(ctx, "v.js", loader.NoWrap()))
	assert.EqualValues(t, 1, eval(t, e, "v").Export())

	require.NoError(t, e.Load(ctx, "v.js", loader.NoWrap()))
	assert.Equal(t, 1, e.programs.len())

	require.NoError(t, afero.WriteFile(e.fs, "/lib/v.js", []byte(`this.v = 22222;`), 0o644))
	require.NoError(t, e.Load(ctx, "v.js", loader.NoWrap()))
	assert.EqualValues(t, 22222, eval(t, e, "v").Export())
	assert.Equal(t, 1, e.programs.len())
}

func TestProgramCacheLimit(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"/lib/one.js": `this.one = 1;`,
		"/lib/two.js": `this.two = 2;`,
	}, func(cfg *Config) { cfg.MaxCachedPrograms = 1 })

	_, err := e.Require(context.Background(), "one")
	require.NoError(t, err)
	_, err = e.Require(context.Background(), "two")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "program cache limit reached")
}

func TestRecursionLimitStopsSelfLoading(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"/lib/loop.js": `load("loop.js");`,
	}, func(cfg *Config) { cfg.RecursionLimit = 5 })

	err := e.Load(context.Background(), "loop.js", loader.NoWrap())
	require.ErrorIs(t, err, loader.ErrNestingTooDeep)
	assert.Zero(t, e.depth)
}

func TestContextCancellationInterrupts(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"/lib/spin.js": `for (;;) {}`,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := e.Require(ctx, "spin")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, e.LoadedFeatures())
	assert.Empty(t, e.loader.Loading())

	// the interrupt does not leak into later calls
	assert.EqualValues(t, 3, eval(t, e, "1 + 2").Export())
}

func TestCanceledContextIsRejectedUpFront(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"/lib/helper.js": `this.helper = true;`,
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Require(ctx, "helper")
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, e.LoadedFeatures())
}

func TestRunFileSetsARGV(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"/work/main.js": `this.args = ARGV.join(","); this.file = __filename;`,
	})

	require.NoError(t, e.RunFile(context.Background(), "main.js", []string{"a", "b"}))
	assert.Equal(t, "a,b", eval(t, e, "args").String())
	assert.Equal(t, "/work/main.js", eval(t, e, "file").String())
	assert.Empty(t, e.LoadedFeatures())
}

func TestLedgerAndLoadPathVisibleToScripts(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"/lib/helper.js": `this.helper = true;`,
	})

	eval(t, e, `require("helper")`)
	assert.Equal(t, `["/lib/helper.js"]`, eval(t, e, `JSON.stringify($LOADED_FEATURES)`).String())
	assert.Equal(t, `["/lib"]`, eval(t, e, `JSON.stringify($LOAD_PATH)`).String())
	assert.True(t, eval(t, e, `Array.isArray($LOADED_FEATURES)`).ToBoolean())
}

func TestRequireRejectsNonStringNames(t *testing.T) {
	e := newTestEngine(t, nil)

	v := eval(t, e, `try { require(42); "no error" } catch (e) { e instanceof TypeError ? e.message : "wrong" }`)
	assert.Contains(t, v.String(), "can't convert 42 into String")

	_, err := e.Require(context.Background(), "  ")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "module name must be non-empty")
}

func TestPreloadFromConfigAndEnv(t *testing.T) {
	t.Setenv(EnvRequire, "uuid, helper2")
	t.Setenv(EnvLoadPath, "/extra")
	t.Setenv(EnvRoot, "")

	fs := newTestFS(t, map[string]string{
		"/lib/helper.js":    `this.helper = true;`,
		"/extra/helper2.js": `this.helper2 = true;`,
	})
	e, err := NewEngine(Config{
		FS:       fs,
		WorkDir:  "/work",
		LoadPath: []string{"/lib"},
		Preload:  []string{"helper"},
	})
	require.NoError(t, err)
	defer e.Close()

	assert.Equal(t, []string{"/lib/helper.js", "native:uuid", "/extra/helper2.js"}, e.LoadedFeatures())
	assert.Equal(t, []string{"/lib", "/extra"}, e.LoadPath())
}

func TestPreloadFailureFailsEngine(t *testing.T) {
	_, err := NewEngine(Config{
		FS:        newTestFS(t, nil),
		IgnoreEnv: true,
		Preload:   []string{"nope"},
	})
	require.ErrorIs(t, err, loader.ErrNotFound)
	assert.Contains(t, err.Error(), `preloading "nope"`)
}

func TestInvalidLoadPath(t *testing.T) {
	fs := newTestFS(t, map[string]string{"/lib/file.js": ""})

	_, err := NewEngine(Config{FS: fs, IgnoreEnv: true, LoadPath: []string{""}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be empty")

	_, err = NewEngine(Config{FS: fs, IgnoreEnv: true, LoadPath: []string{"/missing"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid load path")

	_, err = NewEngine(Config{FS: fs, IgnoreEnv: true, LoadPath: []string{"/lib/file.js"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is not a directory")
}

func TestAddLoadPath(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"/extra/late.js": `this.late = true;`,
	})
	_, err := e.Require(context.Background(), "late")
	require.ErrorIs(t, err, loader.ErrNotFound)

	require.NoError(t, e.fs.MkdirAll("/extra", 0o755))
	require.NoError(t, e.AddLoadPath("/extra"))
	ok, err := e.Require(context.Background(), "late")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConsoleWritesFormattedValues(t *testing.T) {
	var stdout, stderr bytes.Buffer
	e := newTestEngine(t, nil, func(cfg *Config) {
		cfg.Stdout = &stdout
		cfg.Stderr = &stderr
	})

	eval(t, e, `console.log("hi", {a: 1}, [1, 2], null); console.error("bad", 3)`)
	assert.Equal(t, "hi {\"a\":1} [1,2] null\n", stdout.String())
	assert.Equal(t, "bad 3\n", stderr.String())
}

func TestClosedEngineRejectsCalls(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"/lib/helper.js": `this.helper = true;`,
	})
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err := e.Require(context.Background(), "helper")
	require.True(t, errors.Is(err, errEngineClosed))
}

func TestSymlinkedLibrariesShareCanonicalPath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need elevated privileges on windows")
	}
	dir := t.TempDir()
	realDir := filepath.Join(dir, "real")
	require.NoError(t, os.MkdirAll(realDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(realDir, "lib.js"), []byte(`this.symlinkLoads = (this.symlinkLoads || 0) + 1;`), 0o644))
	require.NoError(t, os.Symlink(realDir, filepath.Join(dir, "link")))

	e, err := NewEngine(Config{
		WorkDir:   dir,
		LoadPath:  []string{"link"},
		IgnoreEnv: true,
	})
	require.NoError(t, err)
	defer e.Close()

	ok, err := e.Require(context.Background(), "lib")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Require(context.Background(), filepath.Join(realDir, "lib.js"))
	require.NoError(t, err)
	assert.False(t, ok)

	resolvedReal, err := filepath.EvalSymlinks(realDir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(resolvedReal, "lib.js")}, e.LoadedFeatures())
}

func TestScriptsCanEditLoadPath(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"/extra/late.js": `this.late = true;`,
	})

	v := eval(t, e, `$LOAD_PATH.push("/extra"); require("late")`)
	assert.True(t, v.ToBoolean())
	assert.Equal(t, []string{"/lib", "/extra"}, e.LoadPath())
	assert.Equal(t, "/extra", eval(t, e, `$LOAD_PATH[1]`).String())

	v = eval(t, e, `try { $LOAD_PATH.push("/missing"); "pushed" } catch (e) { e instanceof TypeError ? e.message : "wrong" }`)
	assert.Contains(t, v.String(), "invalid load path")
	assert.Equal(t, []string{"/lib", "/extra"}, e.LoadPath())

	eval(t, e, `$LOAD_PATH.pop()`)
	assert.Equal(t, []string{"/lib"}, e.LoadPath())
}

func TestScriptsCanEditLoadedFeatures(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"/lib/helper.js": `this.helperLoads = (this.helperLoads || 0) + 1;`,
		"/lib/other.js":  `this.otherLoaded = true;`,
	})

	assert.True(t, eval(t, e, `require("helper")`).ToBoolean())
	eval(t, e, `$LOADED_FEATURES.length = 0`)
	assert.Empty(t, e.LoadedFeatures())
	assert.True(t, eval(t, e, `require("helper")`).ToBoolean())
	assert.EqualValues(t, 2, eval(t, e, "helperLoads").Export())

	v := eval(t, e, `$LOADED_FEATURES.push("/lib/other.js"); require("other")`)
	assert.False(t, v.ToBoolean())
	assert.Equal(t, "undefined", eval(t, e, "typeof otherLoaded").String())
	assert.EqualValues(t, 2, eval(t, e, "$LOADED_FEATURES.length").Export())

	v = eval(t, e, `try { $LOADED_FEATURES.push(42); "pushed" } catch (e) { e instanceof TypeError }`)
	assert.True(t, v.ToBoolean())
	assert.Equal(t, []string{"/lib/helper.js", "/lib/other.js"}, e.LoadedFeatures())
}

func TestLoadErrorMessageOmitsOperation(t *testing.T) {
	e := newTestEngine(t, nil)

	v := eval(t, e, `try { require("missing_lib") } catch (e) { e.message }`)
	assert.Equal(t, "cannot load such file -- missing_lib", v.String())

	_, err := e.Require(context.Background(), "missing_lib")
	assert.EqualError(t, err, "require: cannot load such file -- missing_lib")
}
