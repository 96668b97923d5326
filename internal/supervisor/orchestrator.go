package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/loykin/provisr/internal/idgen"
)

const (
	// StartTimeout is the bound on a replica reaching running. startReplica
	// treats a successful cmd.Start as reaching running, so no start path in
	// this package waits on it.
	StartTimeout = 30 * time.Second
	// GracefulShutdownTimeout is how long SIGTERM is given before SIGKILL.
	GracefulShutdownTimeout = 30 * time.Second
	// ForceKillTimeout is the extra grace period after SIGKILL.
	ForceKillTimeout = 5 * time.Second
	// ForceStopCleanup is the wait after an explicit force-stop SIGKILL.
	ForceStopCleanup = 1 * time.Second
)

// Store is the subset of the state store the orchestrator depends on; kept
// narrow so the orchestrator can be tested without the real atomic store.
type Store interface {
	Put(mp *ManagedProcess)
	Delete(id string)
	Snapshot() []*ManagedProcess
}

// Sampler reports live resource usage for a pid; the orchestrator's
// healthCheck operation is a thin wrapper over it.
type Sampler interface {
	Sample(pid int) (cpuPercent float64, memBytes uint64, err error)
}

type replicaRuntime struct {
	cmd          *exec.Cmd
	waitDone     chan struct{}
	stopping     bool
	forced       bool
	restartTimer *time.Timer
	exitErr      error
}

// Orchestrator owns the id -> ManagedProcess map and drives every FSM.
type Orchestrator struct {
	mu           sync.Mutex
	processes    map[string]*ManagedProcess
	byName       map[string]string // name -> id
	runtimes     map[string]*replicaRuntime
	store        Store
	bus          *Bus
	log          *slog.Logger
	sampler      Sampler
	shuttingDown bool
}

func New(store Store, bus *Bus, log *slog.Logger, sampler Sampler) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if bus == nil {
		bus = NewBus()
	}
	return &Orchestrator{
		processes: make(map[string]*ManagedProcess),
		byName:    make(map[string]string),
		runtimes:  make(map[string]*replicaRuntime),
		store:     store,
		bus:       bus,
		log:       log,
		sampler:   sampler,
	}
}

func (o *Orchestrator) Events() *Bus { return o.bus }

func now() int64 { return time.Now().UnixMilli() }

func (o *Orchestrator) publish(kind EventKind, processID, replicaID string, fields map[string]any) {
	o.bus.Publish(Event{Kind: kind, ProcessID: processID, ReplicaID: replicaID, Timestamp: now(), Fields: fields})
}

func validateConfig(cfg Config) error {
	if cfg.Script == "" {
		return &ValidationError{Field: "script", Msg: "must not be empty"}
	}
	if cfg.Name == "" {
		return &ValidationError{Field: "name", Msg: "must not be empty"}
	}
	if cfg.RestartDelay < 0 {
		return &ValidationError{Field: "restart_delay", Msg: "must be non-negative"}
	}
	if cfg.MaxRestartDelay < 0 {
		return &ValidationError{Field: "max_restart_delay", Msg: "must be non-negative"}
	}
	if cfg.MaxRestarts < 0 {
		return &ValidationError{Field: "max_restarts", Msg: "must be non-negative"}
	}
	return nil
}

// Adopt seeds the in-memory view with a ManagedProcess recovered from the
// state store at startup, without spawning anything. Replicas still marked
// running at this point are genuine orphans (their pid was alive at state
// store reconciliation time, per its own syscall-level check): this
// process has no exec.Cmd for them, so Stop falls back to signaling the
// recorded pid directly and polling for exit rather than waiting on a
// local runtime handle.
func (o *Orchestrator) Adopt(mp *ManagedProcess) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.processes[mp.ID] = mp
	o.byName[mp.Name] = mp.ID
}

// Start creates a new ManagedProcess (or rejects a duplicate name) and
// launches its declared replica count, returning once every replica has
// reached running, or sooner with a per-replica error.
func (o *Orchestrator) Start(cfg Config) (*ManagedProcess, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	instances, err := resolveInstances(cfg.Instances)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	if o.shuttingDown {
		o.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if _, exists := o.byName[cfg.Name]; exists {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: name %q already in use", ErrConflict, cfg.Name)
	}
	mp := &ManagedProcess{
		ID:        idgen.New(),
		Name:      cfg.Name,
		Script:    cfg.Script,
		Config:    cfg,
		Status:    StatusStarting,
		CreatedAt: now(),
		UpdatedAt: now(),
	}
	for i := 0; i < instances; i++ {
		mp.Replicas = append(mp.Replicas, &Replica{ID: idgen.New(), Status: ReplicaStarting})
	}
	o.processes[mp.ID] = mp
	o.byName[mp.Name] = mp.ID
	o.mu.Unlock()

	for _, r := range mp.Replicas {
		if startErr := o.startReplica(mp, r); startErr != nil {
			o.persist(mp)
			return mp, startErr
		}
	}
	o.persist(mp)
	return mp, nil
}

// startReplica launches a single replica. A successful cmd.Start is taken
// as confirmation that the child is alive: the replica moves to running at
// once, with no further wait.
func (o *Orchestrator) startReplica(mp *ManagedProcess, r *Replica) error {
	instances, _ := resolveInstances(mp.Config.Instances)
	strat := decideStrategy(instances, mp.Script)
	cmd := buildCommand(mp.Config, strat)
	cmd.Dir = mp.Config.Cwd
	cmd.Env = mergedEnv(mp.Config.Env)
	cmd.SysProcAttr = setpgidAttr()

	if err := cmd.Start(); err != nil {
		o.mu.Lock()
		r.Status = ReplicaErrored
		mp.Status = DeriveStatus(mp.Replicas)
		mp.UpdatedAt = now()
		o.mu.Unlock()
		o.publish(EventCrashed, mp.ID, r.ID, map[string]any{"error": err.Error()})
		return &SpawnFailureError{ProcessID: mp.ID, ReplicaID: r.ID, Cause: err}
	}

	rt := &replicaRuntime{cmd: cmd, waitDone: make(chan struct{})}
	o.mu.Lock()
	o.runtimes[r.ID] = rt
	r.PID = cmd.Process.Pid
	r.Status = ReplicaRunning
	r.UptimeStart = now()
	mp.Status = DeriveStatus(mp.Replicas)
	mp.UpdatedAt = now()
	o.mu.Unlock()

	o.publish(EventStarted, mp.ID, r.ID, map[string]any{"pid": r.PID})
	go o.monitor(mp, r, rt)
	return nil
}

// monitor waits for a replica's process to exit and drives the
// running -> {stopped, crashed} transition plus automatic restart.
func (o *Orchestrator) monitor(mp *ManagedProcess, r *Replica, rt *replicaRuntime) {
	err := rt.cmd.Wait()
	close(rt.waitDone)

	o.mu.Lock()
	stopping := rt.stopping
	shuttingDown := o.shuttingDown
	o.mu.Unlock()

	if stopping {
		o.finalizeStop(mp, r, err)
		return
	}

	o.mu.Lock()
	if err == nil {
		r.Status = ReplicaStopped
	} else {
		r.Status = ReplicaCrashed
	}
	r.PID = 0
	mp.Status = DeriveStatus(mp.Replicas)
	mp.UpdatedAt = now()
	o.mu.Unlock()
	o.persist(mp)

	if err == nil {
		o.publish(EventExited, mp.ID, r.ID, nil)
		return
	}
	o.publish(EventCrashed, mp.ID, r.ID, map[string]any{"error": err.Error()})

	if shuttingDown {
		return
	}
	o.scheduleRestart(mp, r)
}

// scheduleRestart arms a backoff timer for a crashed replica, tracked in
// a per-replica timer table so stop/delete/shutdown can cancel it.
func (o *Orchestrator) scheduleRestart(mp *ManagedProcess, r *Replica) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !mp.Config.autoRestartEligible() {
		return
	}
	if r.Restarts >= mp.Config.MaxRestarts {
		r.Status = ReplicaErrored
		mp.Status = DeriveStatus(mp.Replicas)
		return
	}
	delay := Backoff(r.Restarts, mp.Config.RestartDelay, mp.Config.MaxRestartDelay)
	r.Restarts++
	r.LastRestart = now()

	rt := o.runtimes[r.ID]
	if rt == nil {
		rt = &replicaRuntime{}
		o.runtimes[r.ID] = rt
	}
	rt.restartTimer = time.AfterFunc(delay, func() {
		o.mu.Lock()
		r.Status = ReplicaStarting
		o.mu.Unlock()
		if startErr := o.startReplica(mp, r); startErr != nil {
			o.log.Warn("automatic restart failed", "process", mp.Name, "replica", r.ID, "error", startErr)
		} else {
			o.publish(EventRestarted, mp.ID, r.ID, nil)
		}
	})
}

// autoRestartEligible reports whether crashed replicas of this config are
// ever relaunched automatically. A zero MaxRestarts means "never retry".
func (c Config) autoRestartEligible() bool {
	return c.MaxRestarts > 0
}

func (o *Orchestrator) finalizeStop(mp *ManagedProcess, r *Replica, _ error) {
	o.mu.Lock()
	r.Status = ReplicaStopped
	r.PID = 0
	mp.Status = DeriveStatus(mp.Replicas)
	mp.UpdatedAt = now()
	o.mu.Unlock()
	o.publish(EventExited, mp.ID, r.ID, nil)
	o.persist(mp)
}

// Stop signals every replica of a ManagedProcess and waits for all of them
// to become stopped, following the §4.1 stop protocol.
func (o *Orchestrator) Stop(id string, force bool) error {
	mp, err := o.get(id)
	if err != nil {
		return err
	}

	o.mu.Lock()
	mp.Status = StatusStopping
	replicas := append([]*Replica(nil), mp.Replicas...)
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, r := range replicas {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.stopReplica(mp, r, force)
		}()
	}
	wg.Wait()

	o.mu.Lock()
	mp.Status = DeriveStatus(mp.Replicas)
	mp.UpdatedAt = now()
	o.mu.Unlock()
	o.persist(mp)
	return nil
}

// stopReplica implements the per-replica stop protocol: SIGKILL
// immediately when force is requested, otherwise SIGTERM followed by a
// bounded escalation to SIGKILL.
func (o *Orchestrator) stopReplica(mp *ManagedProcess, r *Replica, force bool) {
	o.mu.Lock()
	rt := o.runtimes[r.ID]
	if rt != nil && rt.restartTimer != nil {
		rt.restartTimer.Stop()
	}
	if rt == nil || rt.cmd == nil || rt.cmd.Process == nil {
		// No local runtime handle: either already stopped, or a replica
		// adopted from persisted state that this process never spawned.
		// We can still signal the recorded pid directly; there is no
		// exec.Cmd to Wait on, so liveness is polled instead.
		pid := r.PID
		o.mu.Unlock()
		if pid != 0 {
			sig := sigTerm
			if force {
				sig = sigKill
			}
			_ = signalGroup(pid, sig)
			deadline := ForceStopCleanup
			if !force {
				deadline = GracefulShutdownTimeout
			}
			pollUntilDead(pid, deadline)
			if !force && processAlive(pid) {
				_ = signalGroup(pid, sigKill)
				pollUntilDead(pid, ForceKillTimeout)
			}
		}
		o.mu.Lock()
		r.Status = ReplicaStopped
		r.PID = 0
		o.mu.Unlock()
		return
	}
	rt.stopping = true
	rt.forced = force
	pid := rt.cmd.Process.Pid
	r.Status = ReplicaStopping
	wait := rt.waitDone
	o.mu.Unlock()

	if force {
		_ = signalGroup(pid, sigKill)
		waitOrTimeout(wait, ForceStopCleanup)
		o.finalizeStop(mp, r, nil)
		return
	}

	_ = signalGroup(pid, sigTerm)
	if waitOrTimeout(wait, GracefulShutdownTimeout) {
		return // monitor goroutine already finalized via waitDone close
	}
	_ = signalGroup(pid, sigKill)
	waitOrTimeout(wait, ForceKillTimeout)
}

// pollUntilDead waits up to d for pid to stop responding to the signal-0
// liveness probe, checking at a fixed short interval.
func pollUntilDead(pid int, d time.Duration) {
	const tick = 50 * time.Millisecond
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return
		}
		time.Sleep(tick)
	}
}

func waitOrTimeout(done <-chan struct{}, d time.Duration) bool {
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

// Restart resets a ManagedProcess's replicas and relaunches the full
// declared instance count (resolving the ambiguity noted in the design
// notes in favor of the documented contract).
func (o *Orchestrator) Restart(id string) error {
	mp, err := o.get(id)
	if err != nil {
		return err
	}
	if err := o.Stop(id, false); err != nil {
		return err
	}

	instances, err := resolveInstances(mp.Config.Instances)
	if err != nil {
		return err
	}
	o.mu.Lock()
	preserved := make([]int, 0, instances)
	for _, r := range mp.Replicas {
		preserved = append(preserved, r.Restarts)
	}
	newReplicas := make([]*Replica, 0, instances)
	for i := 0; i < instances; i++ {
		restarts := 0
		if i < len(preserved) {
			restarts = preserved[i]
		}
		newReplicas = append(newReplicas, &Replica{ID: idgen.New(), Status: ReplicaStarting, Restarts: restarts})
	}
	mp.Replicas = newReplicas
	mp.Status = StatusStarting
	mp.UpdatedAt = now()
	o.mu.Unlock()

	for _, r := range mp.Replicas {
		if startErr := o.startReplica(mp, r); startErr != nil {
			o.persist(mp)
			return startErr
		}
	}
	o.persist(mp)
	return nil
}

// Delete removes a ManagedProcess, refusing while any replica is non-terminal.
func (o *Orchestrator) Delete(id string) error {
	mp, err := o.get(id)
	if err != nil {
		return err
	}
	o.mu.Lock()
	for _, r := range mp.Replicas {
		if r.Status != ReplicaStopped && r.Status != ReplicaErrored {
			o.mu.Unlock()
			return fmt.Errorf("%w: process %s has a non-terminal replica", ErrConflict, id)
		}
	}
	for _, r := range mp.Replicas {
		delete(o.runtimes, r.ID)
	}
	delete(o.processes, id)
	delete(o.byName, mp.Name)
	o.mu.Unlock()

	if o.store != nil {
		o.store.Delete(id)
	}
	o.publish(EventDeleted, id, "", nil)
	return nil
}

// ReloadAll best-effort restarts every currently-running process; a
// per-process failure is logged and does not abort the remaining reloads.
func (o *Orchestrator) ReloadAll() {
	o.mu.Lock()
	ids := make([]string, 0, len(o.processes))
	for id, mp := range o.processes {
		if mp.Status == StatusRunning {
			ids = append(ids, id)
		}
	}
	o.mu.Unlock()

	for _, id := range ids {
		if err := o.Restart(id); err != nil {
			o.log.Warn("reloadAll: restart failed", "process", id, "error", err)
		}
	}
}

// Shutdown stops every managed process in parallel, cancels all pending
// restart timers, and refuses further Start calls. It is idempotent.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	if o.shuttingDown {
		o.mu.Unlock()
		return
	}
	o.shuttingDown = true
	ids := make([]string, 0, len(o.processes))
	for id := range o.processes {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = o.Stop(id, false)
		}()
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (o *Orchestrator) get(id string) (*ManagedProcess, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	mp, ok := o.processes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return mp, nil
}

// Get returns a snapshot of a single ManagedProcess by id.
func (o *Orchestrator) Get(id string) (*ManagedProcess, error) { return o.get(id) }

// GetByName resolves a ManagedProcess by its unique name.
func (o *Orchestrator) GetByName(name string) (*ManagedProcess, error) {
	o.mu.Lock()
	id, ok := o.byName[name]
	o.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return o.get(id)
}

// List returns a snapshot of every ManagedProcess.
func (o *Orchestrator) List() []*ManagedProcess {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*ManagedProcess, 0, len(o.processes))
	for _, mp := range o.processes {
		out = append(out, mp)
	}
	return out
}

// ReplicaHealth is the per-replica tuple returned by healthCheck.
type ReplicaHealth struct {
	ProcessID  string  `json:"processId"`
	ReplicaID  string  `json:"replicaId"`
	Status     string  `json:"status"`
	PID        int     `json:"pid,omitempty"`
	CPUPercent float64 `json:"cpuPercent"`
	MemBytes   uint64  `json:"memBytes"`
}

// HealthCheck reports every replica, sampling live resource usage for
// those with a pid.
func (o *Orchestrator) HealthCheck() []ReplicaHealth {
	o.mu.Lock()
	type pair struct {
		pid int
		mp  *ManagedProcess
		r   *Replica
	}
	var pairs []pair
	for _, mp := range o.processes {
		for _, r := range mp.Replicas {
			pairs = append(pairs, pair{pid: r.PID, mp: mp, r: r})
		}
	}
	o.mu.Unlock()

	out := make([]ReplicaHealth, 0, len(pairs))
	for _, p := range pairs {
		h := ReplicaHealth{ProcessID: p.mp.ID, ReplicaID: p.r.ID, Status: string(p.r.Status), PID: p.pid}
		if p.pid > 0 && o.sampler != nil {
			if cpu, mem, err := o.sampler.Sample(p.pid); err == nil {
				h.CPUPercent = cpu
				h.MemBytes = mem
			}
		}
		out = append(out, h)
	}
	return out
}

func (o *Orchestrator) persist(mp *ManagedProcess) {
	if o.store == nil {
		return
	}
	o.store.Put(mp)
}
