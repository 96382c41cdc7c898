package status

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch calls fn with the current document and again every time a commit repoints the store's current
// generation. It returns when ctx is cancelled or fn fails.
func (r *Reporter) Watch(ctx context.Context, opts Options, fn func(Host) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	root := r.store.Root()
	watching, err := addWatch(watcher, root)
	if err != nil {
		return err
	}

	var last *uint64
	emit := func() error {
		host, err := r.Status(ctx, opts)
		if err != nil {
			return err
		}
		if last != nil && *last == host.Metadata.Generation {
			return nil
		}
		gen := host.Metadata.Generation
		last = &gen
		return fn(host)
	}
	if err := emit(); err != nil {
		return err
	}

	current := r.store.CurrentPath()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if watching != root && filepath.Clean(ev.Name) == root {
				// The store was created after the watch started; follow it.
				if watching, err = addWatch(watcher, root); err != nil {
					return err
				}
				if err := emit(); err != nil {
					return err
				}
				continue
			}
			if filepath.Clean(ev.Name) != current || !ev.Has(fsnotify.Create|fsnotify.Rename|fsnotify.Write) {
				continue
			}
			if err := emit(); err != nil {
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("status watch error", "error", err)
		}
	}
}

// addWatch watches dir, or its parent while dir does not exist yet. It returns the watched path.
func addWatch(watcher *fsnotify.Watcher, dir string) (string, error) {
	if _, err := os.Stat(dir); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %s: %w", dir, err)
		}
		parent := filepath.Dir(dir)
		if err := watcher.Add(parent); err != nil {
			return "", fmt.Errorf("watch %s: %w", parent, err)
		}
		return parent, nil
	}
	if err := watcher.Add(dir); err != nil {
		return "", fmt.Errorf("watch %s: %w", dir, err)
	}
	return dir, nil
}
