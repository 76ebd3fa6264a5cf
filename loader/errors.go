package loader

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports that no module matched a requested name.
	ErrNotFound = errors.New("cannot load such file")
	// ErrNestingTooDeep reports that library bodies nested beyond the runner's limit.
	ErrNestingTooDeep = errors.New("library nesting too deep")
)

// LoadError is returned when a name cannot be resolved to a loadable unit.
type LoadError struct {
	Op   string // "require" or "load"
	Path string // name as requested
	Err  error
}

// NewLoadError reports that path could not be found for op.
func NewLoadError(op, path string) *LoadError {
	return &LoadError{Op: op, Path: path, Err: ErrNotFound}
}

func (e *LoadError) Error() string {
	err := e.Err
	if err == nil {
		err = ErrNotFound
	}
	if e.Op == "" {
		return fmt.Sprintf("%s -- %s", err, e.Path)
	}
	return fmt.Sprintf("%s: %s -- %s", e.Op, err, e.Path)
}

func (e *LoadError) Unwrap() error {
	if e.Err == nil {
		return ErrNotFound
	}
	return e.Err
}
