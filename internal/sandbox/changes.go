package sandbox

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ChangeCounter watches a clone and counts the distinct files the agent
// creates, writes, renames or removes
type ChangeCounter struct {
	root    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	mu    sync.Mutex
	files map[string]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// WatchChanges starts watching every directory below root except .git
func WatchChanges(root string, logger *slog.Logger) (*ChangeCounter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	c := &ChangeCounter{
		root:    root,
		watcher: w,
		logger:  logger.With("component", "change-counter"),
		files:   make(map[string]struct{}),
		done:    make(chan struct{}),
	}
	if err := c.addTree(root); err != nil {
		w.Close()
		return nil, err
	}
	go c.loop()
	return c, nil
}

func (c *ChangeCounter) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == ".git" {
			return filepath.SkipDir
		}
		if err := c.watcher.Add(path); err != nil {
			c.logger.Debug("watch failed", "path", path, "error", err)
		}
		return nil
	})
}

func (c *ChangeCounter) loop() {
	defer close(c.done)
	for {
		select {
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			c.handle(ev)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Debug("watcher error", "error", err)
		}
	}
}

func (c *ChangeCounter) handle(ev fsnotify.Event) {
	rel, err := filepath.Rel(c.root, ev.Name)
	if err != nil || rel == ".git" || strings.HasPrefix(rel, ".git"+string(filepath.Separator)) {
		return
	}
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			c.addTree(ev.Name)
			return
		}
	}
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	c.mu.Lock()
	c.files[rel] = struct{}{}
	c.mu.Unlock()
}

// Count returns the number of distinct paths changed so far
func (c *ChangeCounter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.files)
}

// Close stops watching. Safe to call more than once.
func (c *ChangeCounter) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.watcher.Close()
		<-c.done
	})
	return err
}
