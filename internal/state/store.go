package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loykin/provisr/internal/supervisor"
)

const (
	// DebounceInterval is how long the store waits after the last mutation
	// before writing, to coalesce bursts of Put calls into one write.
	DebounceInterval = 1 * time.Second
	// AutosaveInterval is the periodic forced-save floor.
	AutosaveInterval = 5 * time.Second
)

// Store persists a Document to path with atomic, crash-safe writes and
// reconciles it with the live OS process table on Load.
type Store struct {
	path string
	log  *slog.Logger

	mu       sync.Mutex
	doc      *Document
	dirty    bool
	writing  bool
	pending  bool
	timer    *time.Timer
	stopCh   chan struct{}
	stopOnce sync.Once
}

func New(path string, daemonPID int, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		path:   path,
		log:    log,
		doc:    newDocument(daemonPID, time.Now().UnixMilli()),
		stopCh: make(chan struct{}),
	}
}

// Load reads the state file, reconciling orphaned replicas against the
// live OS process table. A missing or unparseable file starts empty.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.log.Warn("state file missing, starting empty", "path", s.path)
			return nil
		}
		s.log.Warn("state file unreadable, starting empty", "path", s.path, "error", err)
		return nil
	}
	var doc Document
	if jsonErr := json.Unmarshal(data, &doc); jsonErr != nil {
		s.log.Warn("state file unparseable, starting empty", "path", s.path, "error", jsonErr)
		return nil
	}
	if doc.Processes == nil {
		doc.Processes = make(map[string]*supervisor.ManagedProcess)
	}

	orphans := s.reconcile(&doc)
	s.mu.Lock()
	s.doc = &doc
	s.mu.Unlock()
	if orphans > 0 {
		s.log.Warn("orphan cleanup", "count", orphans)
	}
	return nil
}

// reconcile clears the pid of every replica whose recorded pid no longer
// refers to a live process, and recomputes ManagedProcess status.
func (s *Store) reconcile(doc *Document) int {
	orphans := 0
	for _, mp := range doc.Processes {
		for _, r := range mp.Replicas {
			if r.PID == 0 {
				continue
			}
			if r.Status == supervisor.ReplicaRunning || r.Status == supervisor.ReplicaStopping {
				if !pidAlive(r.PID) {
					r.Status = supervisor.ReplicaStopped
					r.PID = 0
					orphans++
				}
			}
		}
		mp.Status = supervisor.DeriveStatus(mp.Replicas)
	}
	return orphans
}

// Snapshot returns every persisted ManagedProcess (used to seed the
// Orchestrator from the reconciled document on startup).
func (s *Store) Snapshot() []*supervisor.ManagedProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*supervisor.ManagedProcess, 0, len(s.doc.Processes))
	for _, mp := range s.doc.Processes {
		out = append(out, mp)
	}
	return out
}

// Put upserts a ManagedProcess into the in-memory document and schedules a
// debounced write.
func (s *Store) Put(mp *supervisor.ManagedProcess) {
	s.mu.Lock()
	s.doc.Processes[mp.ID] = mp
	s.dirty = true
	s.scheduleLocked()
	s.mu.Unlock()
}

// Delete removes a ManagedProcess from the document and schedules a write.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.doc.Processes, id)
	s.dirty = true
	s.scheduleLocked()
	s.mu.Unlock()
}

// scheduleLocked arms (or re-arms) the debounce timer. Must be called with
// s.mu held.
func (s *Store) scheduleLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(DebounceInterval, func() {
		if err := s.Save(); err != nil {
			s.log.Warn("state save failed", "error", err)
		}
	})
}

// StartAutosave runs a background ticker that forces a save at least every
// AutosaveInterval, independent of the debounce timer, until Close.
func (s *Store) StartAutosave() {
	go func() {
		t := time.NewTicker(AutosaveInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if err := s.Save(); err != nil {
					s.log.Warn("autosave failed", "error", err)
				}
			case <-s.stopCh:
				return
			}
		}
	}()
}

func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	_ = s.Save()
}

// Save performs an atomic write: encode, write to a per-pid temp file,
// rename onto the target path. A reentrancy guard discards overlapping
// save requests — the debounce/autosave timers will catch up.
func (s *Store) Save() error {
	s.mu.Lock()
	if s.writing {
		s.pending = true
		s.mu.Unlock()
		return nil
	}
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	s.writing = true
	s.doc.SavedAt = time.Now().UnixMilli()
	docCopy := s.doc
	s.dirty = false
	s.mu.Unlock()

	err := atomicWrite(s.path, docCopy)

	s.mu.Lock()
	s.writing = false
	if s.pending {
		s.pending = false
		s.dirty = true
	}
	s.mu.Unlock()
	return err
}

func atomicWrite(path string, doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Backup writes a full, non-atomic snapshot to path (or the default
// "<state>.backup.<timestamp>" when path is empty).
func (s *Store) Backup(path string) (string, error) {
	s.mu.Lock()
	doc := s.doc
	s.mu.Unlock()

	if path == "" {
		path = fmt.Sprintf("%s.backup.%d", s.path, time.Now().UnixMilli())
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Restore replaces the in-memory document with path's contents, then
// forces a save and reconciles orphans.
func (s *Store) Restore(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	if doc.Processes == nil {
		doc.Processes = make(map[string]*supervisor.ManagedProcess)
	}
	s.reconcile(&doc)

	s.mu.Lock()
	s.doc = &doc
	s.dirty = true
	s.mu.Unlock()
	return s.Save()
}

// Reset discards all process records.
func (s *Store) Reset() {
	s.mu.Lock()
	s.doc.Processes = make(map[string]*supervisor.ManagedProcess)
	s.dirty = true
	s.mu.Unlock()
}

// Validate checks every record for the invariants the state store itself
// is responsible for: non-empty id/name/script and a non-nil replica list.
func (s *Store) Validate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, mp := range s.doc.Processes {
		if mp.ID == "" || mp.Name == "" || mp.Script == "" {
			return fmt.Errorf("%w: process %s missing id/name/script", ErrValidation, id)
		}
		if mp.Replicas == nil {
			return fmt.Errorf("%w: process %s has a nil replica sequence", ErrValidation, id)
		}
	}
	return nil
}
