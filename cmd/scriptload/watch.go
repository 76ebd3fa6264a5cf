package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mgomes/scriptload/loader"
	"github.com/mgomes/scriptload/script"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// watcher loads a script into an engine and loads it again whenever the file
// changes. Every load runs on a single goroutine.
type watcher struct {
	engine   *script.Engine
	path     string
	log      *zap.Logger
	debounce time.Duration
	onReload func(error)
}

func newWatcher(engine *script.Engine, path string, log *zap.Logger) *watcher {
	return &watcher{
		engine:   engine,
		path:     filepath.Clean(path),
		log:      log.Named("watch"),
		debounce: 100 * time.Millisecond,
		onReload: func(error) {},
	}
}

// Run blocks until ctx is done or the file system watcher fails.
func (w *watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer fw.Close()
	// Editors often replace files by renaming, so the directory is watched.
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch: %w", err)
	}

	reload := make(chan struct{}, 1)
	reload <- struct{}{}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.watchEvents(ctx, fw, reload)
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-reload:
				err := w.engine.Load(ctx, w.path, loader.NoWrap())
				if ctx.Err() != nil {
					return nil
				}
				if err != nil {
					w.log.Warn("reload failed", zap.String("path", w.path), zap.Error(err))
				} else {
					w.log.Debug("reloaded", zap.String("path", w.path))
				}
				w.onReload(err)
			}
		}
	})
	return g.Wait()
}

func (w *watcher) watchEvents(ctx context.Context, fw *fsnotify.Watcher, reload chan<- struct{}) error {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(w.debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch: %w", err)
		case <-timer.C:
			select {
			case reload <- struct{}{}:
			default:
			}
		}
	}
}
