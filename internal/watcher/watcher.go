// Package watcher implements debounced, content-verified filesystem change
// notification: raw OS events are funneled through a per-file debounce and
// only emitted as add/change/unlink when the file's md5 or size actually
// differs from the last observed value (an mtime-only difference refreshes
// the stored snapshot without an event).
package watcher

import (
	"crypto/md5" //nolint:gosec // content fingerprint only, not security-sensitive
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DebounceInterval is the per-file quiet period before a raw notification
// is verified and possibly turned into a Change event.
const DebounceInterval = 100 * time.Millisecond

// DefaultIgnorePatterns mirrors the documented defaults.
var DefaultIgnorePatterns = []string{
	"node_modules/**", ".git/**", "*.log", "*.tmp", ".DS_Store", "Thumbs.db",
}

// ChangeKind identifies the variant of a Change event.
type ChangeKind string

const (
	Added   ChangeKind = "add"
	Changed ChangeKind = "change"
	Removed ChangeKind = "unlink"
)

// Change is emitted to subscribers when a watched file's content or size
// differs from the last observed snapshot.
type Change struct {
	Kind ChangeKind
	Path string
}

type fileState struct {
	md5   string
	size  int64
	mtime time.Time
}

// Watcher watches a set of filesystem paths and emits debounced,
// content-verified Change events. Safe for concurrent use.
type Watcher struct {
	log     *slog.Logger
	fsw     *fsnotify.Watcher
	ignore  []*regexp.Regexp
	baseDir string

	mu      sync.Mutex
	paths   map[string]bool // watched root paths
	states  map[string]fileState
	timers  map[string]*time.Timer
	paused  bool
	closed  bool
	subs    []chan Change
	subsMu  sync.Mutex
}

func New(baseDir string, ignorePatterns []string, log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if ignorePatterns == nil {
		ignorePatterns = DefaultIgnorePatterns
	}
	w := &Watcher{
		log:     log,
		fsw:     fsw,
		baseDir: baseDir,
		paths:   make(map[string]bool),
		states:  make(map[string]fileState),
		timers:  make(map[string]*time.Timer),
	}
	for _, p := range ignorePatterns {
		if re, err := globToRegexp(p); err == nil {
			w.ignore = append(w.ignore, re)
		}
	}
	go w.loop()
	return w, nil
}

// Subscribe returns a channel of Change events. The channel is closed on
// Unwatch.
func (w *Watcher) Subscribe() <-chan Change {
	ch := make(chan Change, 64)
	w.subsMu.Lock()
	w.subs = append(w.subs, ch)
	w.subsMu.Unlock()
	return ch
}

func (w *Watcher) emit(c Change) {
	w.subsMu.Lock()
	defer w.subsMu.Unlock()
	for _, ch := range w.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

// Watch is additive: it never unwatches existing paths. paths may be
// files or directories.
func (w *Watcher) Watch(paths []string, recursive bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		if w.paths[abs] {
			continue
		}
		w.paths[abs] = true
		if err := w.addPath(abs, recursive); err != nil {
			return err
		}
	}
	return nil
}

func (w *Watcher) addPath(abs string, recursive bool) error {
	info, err := os.Stat(abs)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		if w.shouldIgnore(abs) {
			return nil
		}
		if st, err := snapshot(abs); err == nil {
			w.states[abs] = st
		}
		return w.fsw.Add(abs)
	}
	if err := w.fsw.Add(abs); err != nil {
		return err
	}
	if !recursive {
		return nil
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return err
	}
	for _, e := range entries {
		child := filepath.Join(abs, e.Name())
		if w.shouldIgnore(child) {
			continue
		}
		if e.IsDir() {
			if err := w.addPath(child, recursive); err != nil {
				w.log.Warn("watch: failed to add subdirectory", "path", child, "error", err)
			}
		} else if st, err := snapshot(child); err == nil {
			w.states[child] = st
		}
	}
	return nil
}

// Pause closes OS watch handles but retains the path set.
func (w *Watcher) Pause() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.paused {
		return nil
	}
	w.paused = true
	return w.fsw.Close()
}

// Resume reopens handles for the retained path set.
func (w *Watcher) Resume() error {
	w.mu.Lock()
	paused := w.paused
	paths := make([]string, 0, len(w.paths))
	for p := range w.paths {
		paths = append(paths, p)
	}
	w.mu.Unlock()
	if !paused {
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.fsw = fsw
	w.paused = false
	w.mu.Unlock()
	go w.loop()
	w.mu.Lock()
	for _, p := range paths {
		if err := w.addPath(p, true); err != nil {
			w.log.Warn("resume: failed to re-add path", "path", p, "error", err)
		}
	}
	w.mu.Unlock()
	return nil
}

// Unwatch closes all handles and clears state.
func (w *Watcher) Unwatch() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	for _, t := range w.timers {
		t.Stop()
	}
	w.paths = make(map[string]bool)
	w.states = make(map[string]fileState)
	w.timers = make(map[string]*time.Timer)
	w.subsMu.Lock()
	for _, ch := range w.subs {
		close(ch)
	}
	w.subs = nil
	w.subsMu.Unlock()
	return w.fsw.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.onEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) onEvent(ev fsnotify.Event) {
	if w.shouldIgnore(ev.Name) {
		return
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	if t, ok := w.timers[ev.Name]; ok {
		t.Stop()
	}
	path := ev.Name
	w.timers[path] = time.AfterFunc(DebounceInterval, func() { w.verify(path) })
	w.mu.Unlock()
}

// verify stats and reads the file, emitting a Change only when the md5 or
// size differs from the last observed value; a newer mtime alone updates
// the stored snapshot silently.
func (w *Watcher) verify(path string) {
	if _, err := os.Stat(path); err != nil {
		w.mu.Lock()
		_, existed := w.states[path]
		delete(w.states, path)
		w.mu.Unlock()
		if existed {
			w.emit(Change{Kind: Removed, Path: path})
		}
		return
	}
	st, err := snapshot(path)
	if err != nil {
		return
	}
	w.mu.Lock()
	prev, existed := w.states[path]
	changed := !existed || prev.md5 != st.md5 || prev.size != st.size
	if changed || !prev.mtime.Equal(st.mtime) {
		w.states[path] = st
	}
	w.mu.Unlock()
	if !changed {
		return
	}
	if existed {
		w.emit(Change{Kind: Changed, Path: path})
	} else {
		w.emit(Change{Kind: Added, Path: path})
	}
}

func snapshot(path string) (fileState, error) {
	f, err := os.Open(path)
	if err != nil {
		return fileState{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fileState{}, err
	}
	h := md5.New() //nolint:gosec
	if _, err := io.Copy(h, f); err != nil {
		return fileState{}, err
	}
	return fileState{md5: hex.EncodeToString(h.Sum(nil)), size: info.Size(), mtime: info.ModTime()}, nil
}

func (w *Watcher) shouldIgnore(path string) bool {
	rel := path
	if w.baseDir != "" {
		if r, err := filepath.Rel(w.baseDir, path); err == nil {
			rel = r
		}
	}
	rel = filepath.ToSlash(rel)
	for _, re := range w.ignore {
		if re.MatchString(rel) {
			return true
		}
	}
	return false
}

// globToRegexp translates a limited glob (supporting "**", "*", and
// literal path segments) to an anchored regular expression. No third-party
// glob package appears anywhere in the retrieved corpus, so this is a
// minimal hand-rolled translator rather than a dependency.
func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	i := 0
	for i < len(pattern) {
		c := pattern[i]
		switch {
		case strings.HasPrefix(pattern[i:], "**"):
			b.WriteString(".*")
			i += 2
		case c == '*':
			b.WriteString("[^/]*")
			i++
		case c == '?':
			b.WriteString("[^/]")
			i++
		case strings.ContainsRune(`.+()^$|\`, rune(c)):
			b.WriteByte('\\')
			b.WriteByte(c)
			i++
		default:
			b.WriteByte(c)
			i++
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
