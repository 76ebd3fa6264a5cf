package script

import (
	"context"
	"io"
	"testing"

	"github.com/dop251/goja"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func newTestFS(t *testing.T, files map[string]string) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/lib", 0o755))
	require.NoError(t, fs.MkdirAll("/work", 0o755))
	for path, src := range files {
		require.NoError(t, afero.WriteFile(fs, path, []byte(src), 0o644))
	}
	return fs
}

func newTestEngine(t *testing.T, files map[string]string, mutate ...func(*Config)) *Engine {
	t.Helper()
	cfg := Config{
		FS:        newTestFS(t, files),
		WorkDir:   "/work",
		LoadPath:  []string{"/lib"},
		IgnoreEnv: true,
		Stdout:    io.Discard,
		Stderr:    io.Discard,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	engine, err := NewEngine(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func eval(t *testing.T, e *Engine, src string) goja.Value {
	t.Helper()
	v, err := e.RunString(context.Background(), "test.js", src)
	require.NoError(t, err)
	return v
}
