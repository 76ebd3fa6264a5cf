package script

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
)

// canonicalPath is the ledger key for a file: absolute, clean and, on the OS
// file system, with symlinks resolved so two spellings of one file dedupe.
func canonicalPath(fs afero.Fs, path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if _, ok := fs.(*afero.OsFs); !ok {
		return filepath.Clean(absPath), nil
	}
	resolved, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", absPath, err)
	}
	return filepath.Clean(resolved), nil
}
