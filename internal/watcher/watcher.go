// Package watcher implements §4.F: debouncing raw filesystem events,
// reconciling the store against the cache, and yielding structured graph
// updates.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/roamdex/roamdex/internal/differ"
	"github.com/roamdex/roamdex/internal/doccache"
	"github.com/roamdex/roamdex/internal/indexer"
	"github.com/roamdex/roamdex/internal/rerr"
	"github.com/roamdex/roamdex/internal/store"
)

// Logger is the minimal logging surface the watcher needs.
type Logger interface {
	Info(msg any, keyvals ...any)
	Warn(msg any, keyvals ...any)
	Error(msg any, keyvals ...any)
}

// classification is the watcher's verdict for one path after filtering raw
// fsnotify events, per the table in §4.F.
type classification int

const (
	classNone classification = iota
	classCreate
	classModify
	classRemove
)

// Watcher is the single long-running watcher task.
type Watcher struct {
	root      string
	debounce  time.Duration
	st        *store.Store
	cache     *doccache.Cache
	log       Logger
	fsw       *fsnotify.Watcher
	guard     *ProcessingSet
	mu        sync.Mutex
	pending   map[string]classification
	timerOn   bool
	timerFire chan struct{}
}

// New constructs a Watcher rooted at root. debounce is the collapse window
// (spec default 500ms).
func New(root string, debounce time.Duration, st *store.Store, cache *doccache.Cache, log Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, rerr.New(rerr.IO, "watcher.New", err)
	}
	w := &Watcher{
		root:      root,
		debounce:  debounce,
		st:        st,
		cache:     cache,
		log:       log,
		fsw:       fsw,
		guard:     NewProcessingSet(),
		pending:   make(map[string]classification),
		timerFire: make(chan struct{}, 1),
	}
	if err := w.addTree(root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Guard exposes the processing-set guard to external collaborators (e.g.
// the LaTeX render handler) that must exclude the watcher from reacting to
// their own writes.
func (w *Watcher) Guard(path string) (*Guard, bool) { return w.guard.Acquire(path) }

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return w.fsw.Add(path)
		}
		return nil
	})
}

// Run is the watcher's cooperative event loop. It returns when ctx is
// cancelled, after any in-flight batch completes.
func (w *Watcher) Run(ctx context.Context, updates chan<- differ.Delta) error {
	defer w.fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.intake(ctx, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			if w.log != nil {
				w.log.Warn("fsnotify error", "err", err)
			}
		case <-w.timerFire:
			w.flush(ctx, updates)
		}
	}
}

func (w *Watcher) intake(ctx context.Context, ev fsnotify.Event) {
	if !strings.EqualFold(filepath.Ext(ev.Name), indexer.Extension) {
		return
	}
	if ev.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = w.fsw.Add(ev.Name)
			return
		}
	}

	var cls classification
	switch {
	case ev.Op&fsnotify.Remove == fsnotify.Remove || ev.Op&fsnotify.Rename == fsnotify.Rename:
		cls = classRemove
	case ev.Op&fsnotify.Create == fsnotify.Create:
		cls = classCreate
	case ev.Op&fsnotify.Write == fsnotify.Write:
		cls = classModify
	default:
		return
	}

	w.mu.Lock()
	if prev, ok := w.pending[ev.Name]; ok {
		w.pending[ev.Name] = mergeClassification(prev, cls)
	} else {
		w.pending[ev.Name] = cls
	}
	startTimer := !w.timerOn
	if startTimer {
		w.timerOn = true
	}
	w.mu.Unlock()

	if startTimer {
		go func() {
			t := time.NewTimer(w.debounce)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
			}
			select {
			case w.timerFire <- struct{}{}:
			default:
			}
		}()
	}
}

// mergeClassification collapses a burst within one debounce window:
// last-write-wins, with Remove dominating — flush() re-stats the path
// before reconciling, so a Remove followed by a Create within the window
// still resolves correctly once the file is confirmed to exist again.
func mergeClassification(prev, next classification) classification {
	if next == classRemove || prev == classRemove {
		return classRemove
	}
	return next
}

func (w *Watcher) flush(ctx context.Context, updates chan<- differ.Delta) {
	w.mu.Lock()
	batch := w.pending
	w.pending = make(map[string]classification)
	w.timerOn = false
	w.mu.Unlock()

	var agg differ.Delta
	for path, cls := range batch {
		if w.guard.Contains(path) {
			continue // excluded: an external collaborator is reading this path
		}
		rel := path
		if r, err := filepath.Rel(w.root, path); err == nil {
			rel = filepath.ToSlash(r)
		}

		// The merged classification records what happened during the
		// debounce window, but the authority for "does this path need a
		// removal or a reconcile" is its current filesystem state: Remove
		// dominates the window's classification unless the file exists
		// again by the time we act on it.
		if w.log != nil {
			w.log.Info("reconciling debounced batch", "path", rel, "classification", cls)
		}
		var (
			delta differ.Delta
			err   error
		)
		content, readErr := os.ReadFile(path)
		switch {
		case readErr == nil:
			delta, err = differ.ReconcileFile(ctx, w.st, w.cache, rel, string(content))
		case os.IsNotExist(readErr):
			delta, err = differ.ReconcileRemoval(ctx, w.st, w.cache, rel)
		default:
			err = rerr.New(rerr.IO, "watcher.flush.read", readErr)
		}
		if err != nil {
			if w.log != nil {
				w.log.Error("reconcile failed, skipping cycle for file", "path", rel, "err", err)
			}
			continue
		}
		agg = mergeDelta(agg, delta)
	}

	if !agg.Empty() {
		select {
		case updates <- agg:
		case <-ctx.Done():
		}
	}
}

func mergeDelta(a, b differ.Delta) differ.Delta {
	a.NewNodes = append(a.NewNodes, b.NewNodes...)
	a.UpdatedNodes = append(a.UpdatedNodes, b.UpdatedNodes...)
	a.NewLinks = append(a.NewLinks, b.NewLinks...)
	a.RemovedNodes = append(a.RemovedNodes, b.RemovedNodes...)
	a.RemovedLinks = append(a.RemovedLinks, b.RemovedLinks...)
	return a
}
