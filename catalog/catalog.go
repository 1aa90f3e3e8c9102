// Package catalog tracks the runnable scripts in a directory. Only names
// accepted by protocol.ValidScriptName are listed, so everything the catalog
// returns is startable as-is. A filesystem watcher keeps the listing fresh
// without rescanning on every request.
package catalog

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/runwire/runwire/protocol"
	"go.uber.org/zap"
)

const debounceInterval = 500 * time.Millisecond

// Catalog is a live listing of the scripts in one directory.
type Catalog struct {
	log       *zap.SugaredLogger
	dir       string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}

	mu      sync.RWMutex
	scripts []string
}

// Open scans dir and starts watching it for changes.
func Open(dir string, log *zap.SugaredLogger) (*Catalog, error) {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	err = fsW.Add(dir)
	if err != nil {
		fsW.Close()
		return nil, fmt.Errorf("watching %q: %w", dir, err)
	}

	c := &Catalog{
		log:       log.Named("catalog"),
		dir:       dir,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
	}
	err = c.refresh()
	if err != nil {
		fsW.Close()
		return nil, err
	}

	go c.watchLoop()
	return c, nil
}

// Scripts returns the current script names, sorted.
func (c *Catalog) Scripts() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.scripts))
	copy(out, c.scripts)
	return out
}

// Close stops the watcher.
func (c *Catalog) Close() error {
	close(c.cancel)
	return c.fsWatcher.Close()
}

func (c *Catalog) refresh() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("reading %q: %w", c.dir, err)
	}

	var scripts []string
	for _, e := range entries {
		if e.IsDir() || !protocol.ValidScriptName(e.Name()) {
			continue
		}
		scripts = append(scripts, e.Name())
	}
	sort.Strings(scripts)

	c.mu.Lock()
	c.scripts = scripts
	c.mu.Unlock()
	c.log.Debugw("refreshed script listing", "Count", len(scripts))
	return nil
}

// watchLoop refreshes the listing on filesystem events, debounced so bursts
// of writes trigger one rescan.
func (c *Catalog) watchLoop() {
	var timer *time.Timer

	for {
		var fired <-chan time.Time
		if timer != nil {
			fired = timer.C
		}

		select {
		case <-c.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case _, ok := <-c.fsWatcher.Events:
			if !ok {
				return
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(debounceInterval)

		case err, ok := <-c.fsWatcher.Errors:
			if !ok {
				return
			}
			c.log.Debugw("watcher error", "Error", err)

		case <-fired:
			timer = nil
			err := c.refresh()
			if err != nil {
				c.log.Debugw("refresh failed", "Error", err)
			}
		}
	}
}
