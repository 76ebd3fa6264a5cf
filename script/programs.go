package script

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/spf13/afero"
)

type programEntry struct {
	program *goja.Program
	size    int64
	modTime time.Time
}

// programCache keeps compiled libraries keyed by canonical path. An entry is
// reused while the file's size and modification time are unchanged.
type programCache struct {
	fs      afero.Fs
	limit   int
	mu      sync.Mutex
	entries map[string]programEntry
}

func newProgramCache(fs afero.Fs, limit int) *programCache {
	return &programCache{
		fs:      fs,
		limit:   limit,
		entries: make(map[string]programEntry),
	}
}

func (c *programCache) compile(path string) (*goja.Program, error) {
	info, err := c.fs.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	c.mu.Lock()
	entry, cached := c.entries[path]
	c.mu.Unlock()
	if cached && entry.size == info.Size() && entry.modTime.Equal(info.ModTime()) {
		return entry.program, nil
	}

	content, err := afero.ReadFile(c.fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	program, err := compileLibrary(path, content)
	if err != nil {
		return nil, fmt.Errorf("compiling %s failed: %w", path, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[path]; !exists && c.limit > 0 && len(c.entries) >= c.limit {
		return nil, fmt.Errorf("program cache limit reached (%d programs)", c.limit)
	}
	c.entries[path] = programEntry{program: program, size: info.Size(), modTime: info.ModTime()}
	return program, nil
}

func (c *programCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// compileLibrary wraps source in a strict function expression taking
// __filename. The wrapper opens on the first line so positions in stack
// traces match the file.
func compileLibrary(path string, content []byte) (*goja.Program, error) {
	if bytes.HasPrefix(content, []byte("#!")) {
		if idx := bytes.IndexByte(content, '\n'); idx >= 0 {
			content = content[idx:]
		} else {
			content = nil
		}
	}
	src := "(function(__filename) {" + string(content) + "\n})"
	return goja.Compile(path, src, true)
}
