// Package filewatch is a domain module that reports file system changes
// under watched directory trees as fileWatcher:change events.
package filewatch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/quadre-code/domainrpc/internal/domain"
)

// Path is the catalog path of the module.
const Path = "filewatch"

// DomainName is the domain registered by the module.
const DomainName = "fileWatcher"

// EventChange is emitted with (kind, path) for every observed change.
const EventChange = "change"

// Change kinds.
const (
	KindCreated    = "created"
	KindChanged    = "changed"
	KindDeleted    = "deleted"
	KindRenamed    = "renamed"
	KindAttributes = "attributes"
)

// progressEvery is the number of directories added between progress messages.
const progressEvery = 64

var errNotWatched = errors.New("path is not watched")

type root struct {
	path    string
	ignored []string
	dirs    map[string]bool
}

func (r *root) ignores(path string) bool {
	rel, err := filepath.Rel(r.path, path)
	if err != nil || rel == "." {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, pattern := range r.ignored {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// Watcher owns one fsnotify watcher shared by every watched root.
type Watcher struct {
	log zerolog.Logger

	mu       sync.Mutex
	fsw      *fsnotify.Watcher
	registry *domain.Registry
	roots    map[string]*root
	done     chan struct{}
}

// New creates a Watcher. It does nothing until registered.
func New(log zerolog.Logger) *Watcher {
	return &Watcher{
		log:   log.With().Str("module", Path).Logger(),
		roots: make(map[string]*root),
	}
}

// Register adds the fileWatcher domain to r and starts the event loop. It is
// a domain module and runs at most once per server.
func (w *Watcher) Register(r *domain.Registry) error {
	w.mu.Lock()
	if w.fsw != nil {
		w.mu.Unlock()
		return fmt.Errorf("%s: already registered", DomainName)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return fmt.Errorf("create watcher: %w", err)
	}
	done := make(chan struct{})
	w.fsw = fsw
	w.registry = r
	w.done = done
	w.mu.Unlock()

	if err := w.registerDomain(r); err != nil {
		w.mu.Lock()
		w.fsw = nil
		w.registry = nil
		w.done = nil
		w.mu.Unlock()
		fsw.Close()
		return err
	}

	go w.loop(fsw, done)
	return nil
}

func (w *Watcher) registerDomain(r *domain.Registry) error {
	r.RegisterDomain(DomainName, &domain.Version{Major: 0, Minor: 1})

	if err := r.RegisterAsyncCommand(DomainName, "watchPath", w.watchPath, domain.CommandSpec{
		Description: "Starts watching a directory tree.",
		Parameters: []domain.ParamSpec{
			{Name: "path", Type: "string", Description: "absolute directory path"},
			{Name: "ignored", Type: "array", Description: "glob patterns relative to path"},
		},
		Returns: []domain.ParamSpec{{Name: "directories", Type: "number"}},
	}); err != nil {
		return err
	}
	if err := r.RegisterCommand(DomainName, "unwatchPath", w.unwatchPath, domain.CommandSpec{
		Description: "Stops watching a directory tree.",
		Parameters:  []domain.ParamSpec{{Name: "path", Type: "string"}},
	}); err != nil {
		return err
	}
	if err := r.RegisterCommand(DomainName, "unwatchAll", w.unwatchAll, domain.CommandSpec{
		Description: "Stops watching every directory tree.",
	}); err != nil {
		return err
	}
	if err := r.RegisterCommand(DomainName, "getWatchedPaths", w.watchedPaths, domain.CommandSpec{
		Description: "Lists the watched roots.",
		Returns:     []domain.ParamSpec{{Name: "paths", Type: "array"}},
	}); err != nil {
		return err
	}
	r.RegisterEvent(DomainName, EventChange, []domain.ParamSpec{
		{Name: "kind", Type: "string"},
		{Name: "path", Type: "string"},
	})
	return nil
}

// Close stops the event loop and releases every watch.
func (w *Watcher) Close() error {
	w.mu.Lock()
	fsw := w.fsw
	done := w.done
	w.fsw = nil
	w.roots = make(map[string]*root)
	w.mu.Unlock()

	if fsw == nil {
		return nil
	}
	err := fsw.Close()
	<-done
	return err
}

func (w *Watcher) watchPath(p domain.Params, reply *domain.Reply) {
	var path string
	if err := p.Decode(0, &path); err != nil {
		reply.Done(err, nil)
		return
	}
	var ignored []string
	if p.Len() > 1 {
		if err := p.Decode(1, &ignored); err != nil {
			reply.Done(err, nil)
			return
		}
	}

	go func() {
		n, err := w.addRoot(filepath.Clean(path), ignored, func(count int) {
			reply.Progress(count)
		})
		reply.Done(err, n)
	}()
}

func (w *Watcher) addRoot(path string, ignored []string, progress func(int)) (int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("%s is not a directory", path)
	}

	// The walk runs unlocked. Only the watch setup below needs w.mu.
	rt := &root{path: path, ignored: ignored, dirs: make(map[string]bool)}
	var dirs []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == path {
				return err
			}
			w.log.Debug().Err(err).Str("path", p).Msg("skipping unreadable entry")
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if rt.ignores(p) {
			return filepath.SkipDir
		}
		dirs = append(dirs, p)
		if len(dirs)%progressEvery == 0 {
			progress(len(dirs))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fsw == nil {
		return 0, errors.New("watcher closed")
	}
	if _, ok := w.roots[path]; ok {
		w.removeRootLocked(path)
	}
	for _, dir := range dirs {
		if err := w.fsw.Add(dir); err != nil {
			for added := range rt.dirs {
				w.fsw.Remove(added)
			}
			return 0, fmt.Errorf("watch %s: %w", dir, err)
		}
		rt.dirs[dir] = true
	}

	w.roots[path] = rt
	w.log.Debug().Str("root", path).Int("dirs", len(rt.dirs)).Msg("watching")
	return len(rt.dirs), nil
}

func (w *Watcher) unwatchPath(p domain.Params) (any, error) {
	var path string
	if err := p.Decode(0, &path); err != nil {
		return nil, err
	}
	path = filepath.Clean(path)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.roots[path]; !ok {
		return nil, fmt.Errorf("%w: %s", errNotWatched, path)
	}
	w.removeRootLocked(path)
	return true, nil
}

func (w *Watcher) unwatchAll(domain.Params) (any, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path := range w.roots {
		w.removeRootLocked(path)
	}
	return true, nil
}

func (w *Watcher) watchedPaths(domain.Params) (any, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	paths := make([]string, 0, len(w.roots))
	for path := range w.roots {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths, nil
}

func (w *Watcher) removeRootLocked(path string) {
	rt := w.roots[path]
	delete(w.roots, path)
	for dir := range rt.dirs {
		if w.ownerLocked(dir) != nil {
			continue
		}
		if w.fsw != nil {
			w.fsw.Remove(dir)
		}
	}
}

// ownerLocked returns the watched root containing dir, if any.
func (w *Watcher) ownerLocked(dir string) *root {
	for _, rt := range w.roots {
		if rt.dirs[dir] {
			return rt
		}
		if strings.HasPrefix(dir, rt.path+string(filepath.Separator)) && !rt.ignores(dir) {
			return rt
		}
	}
	return nil
}

func (w *Watcher) loop(fsw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("file watcher error")
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	w.mu.Lock()
	rt := w.ownerLocked(ev.Name)
	if rt == nil {
		w.mu.Unlock()
		return
	}
	if ev.Has(fsnotify.Create) && w.fsw != nil {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() && !rt.dirs[ev.Name] {
			if err := w.fsw.Add(ev.Name); err == nil {
				rt.dirs[ev.Name] = true
			}
		}
	}
	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		delete(rt.dirs, ev.Name)
	}
	r := w.registry
	w.mu.Unlock()

	r.EmitEvent(DomainName, EventChange, kindOf(ev.Op), ev.Name)
}

func kindOf(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return KindCreated
	case op.Has(fsnotify.Remove):
		return KindDeleted
	case op.Has(fsnotify.Rename):
		return KindRenamed
	case op.Has(fsnotify.Write):
		return KindChanged
	default:
		return KindAttributes
	}
}
