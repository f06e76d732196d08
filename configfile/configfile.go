// Package configfile loads Cyre channel definitions from a YAML file and,
// optionally, watches it for changes. It never persists engine state back
// to disk — only definitions flow in, the way the teacher's
// runtime.HotReloadSystem watches a business-policy file without writing
// request-handling state to it.
package configfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/neuralline/cyre-sub007/internal/core"
)

// ChannelDef is the YAML-facing shape of a channel registration. It maps
// onto core.ChannelConfig's scalar/declarative fields; Schema, Condition,
// Selector, Transform and Handler are code-only and never appear here.
type ChannelDef struct {
	ID            string   `yaml:"id"`
	ThrottleMS    int64    `yaml:"throttle_ms"`
	DebounceMS    int64    `yaml:"debounce_ms"`
	IntervalMS    int64    `yaml:"interval_ms"`
	DelayMS       int64    `yaml:"delay_ms"`
	Repeat        *int64   `yaml:"repeat"`
	Priority      string   `yaml:"priority"`
	Required      bool     `yaml:"required"`
	DetectChanges bool     `yaml:"detect_changes"`
	Block         bool     `yaml:"block"`
	Tags          []string `yaml:"tags"`
	Path          string   `yaml:"path"`
	Group         string   `yaml:"group"`
	Middlewares   []string `yaml:"middlewares"`
}

// File is the top-level YAML document shape.
type File struct {
	Channels []ChannelDef `yaml:"channels"`
}

// ToChannelConfig converts a definition into a core.ChannelConfig skeleton.
// Callers attach Handler/Schema/Condition/Selector/Transform separately
// since those are not expressible in YAML.
func (d ChannelDef) ToChannelConfig() core.ChannelConfig {
	return core.ChannelConfig{
		ID:            d.ID,
		ThrottleMS:    d.ThrottleMS,
		DebounceMS:    d.DebounceMS,
		IntervalMS:    d.IntervalMS,
		DelayMS:       d.DelayMS,
		Repeat:        d.Repeat,
		Priority:      core.Priority(d.Priority),
		Required:      d.Required,
		DetectChanges: d.DetectChanges,
		Block:         d.Block,
		Tags:          d.Tags,
		Path:          d.Path,
		Group:         d.Group,
		Middlewares:   d.Middlewares,
	}
}

// Load reads and parses path into a File.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("configfile: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("configfile: parse %s: %w", path, err)
	}
	for i, ch := range f.Channels {
		if ch.ID == "" {
			return File{}, fmt.Errorf("configfile: channel at index %d missing id", i)
		}
	}
	return f, nil
}

// Applier receives re-registration batches. Engine.Action takes
// ChannelConfig values, so an Applier that feeds it converts each
// ChannelDef with ToChannelConfig first.
type Applier func(defs []ChannelDef) error

// Watcher watches a single file for writes and re-applies it through an
// Applier on every change, skipping no-op re-reads.
type Watcher struct {
	path    string
	apply   Applier
	watcher *fsnotify.Watcher

	mu        sync.Mutex
	watching  bool
	lastCheck string
}

// NewWatcher creates a Watcher for path. It does not start watching until
// Start is called.
func NewWatcher(path string, apply Applier) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("configfile: create watcher: %w", err)
	}
	return &Watcher{path: path, apply: apply, watcher: w}, nil
}

// Start begins watching the containing directory (fsnotify watches
// directories more reliably than single files across editors/atomic
// renames) and applies every write to path until ctx is done or Stop is
// called. Errors from a failed apply are sent on the returned channel
// rather than stopping the watch.
func (w *Watcher) Start(ctx context.Context) (<-chan error, error) {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil, fmt.Errorf("configfile: watcher already started")
	}
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		w.mu.Unlock()
		return nil, fmt.Errorf("configfile: watch dir %s: %w", dir, err)
	}
	w.watching = true
	w.mu.Unlock()

	errs := make(chan error, 8)
	go func() {
		defer close(errs)
		for {
			select {
			case ev, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := w.reload(); err != nil {
					errs <- err
				}
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				errs <- err
			case <-ctx.Done():
				return
			}
		}
	}()
	return errs, nil
}

func (w *Watcher) reload() error {
	f, err := Load(w.path)
	if err != nil {
		return err
	}
	data, _ := yaml.Marshal(f)
	digest := string(data)
	w.mu.Lock()
	if digest == w.lastCheck {
		w.mu.Unlock()
		return nil
	}
	w.lastCheck = digest
	w.mu.Unlock()
	return w.apply(f.Channels)
}

// Stop closes the underlying fsnotify watcher, ending the Start goroutine.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}
