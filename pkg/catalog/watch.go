package catalog

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

const watchDebounce = 100 * time.Millisecond

// Watch reloads the catalog whenever the override file is written or
// recreated. It blocks until ctx is done.
func (c *Catalog) Watch(ctx context.Context) error {
	if c.overridePath == "" {
		return errors.New("watch pricing source: no override path configured")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch pricing source: %w", err)
	}
	defer watcher.Close()

	// Editors often replace the file, so watch the directory.
	if err := watcher.Add(filepath.Dir(c.overridePath)); err != nil {
		return fmt.Errorf("watch pricing source: %w", err)
	}

	debounce := time.NewTimer(watchDebounce)
	debounce.Stop()
	defer debounce.Stop()

	base := filepath.Base(c.overridePath)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				debounce.Reset(watchDebounce)
			}

		case <-debounce.C:
			// Reload logs its own outcome.
			_, _ = c.Reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("pricing source watcher error")
		}
	}
}
