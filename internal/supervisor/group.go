package supervisor

import "fmt"

// GroupSpec names a set of process configs to be started, stopped, or
// queried together. Name is a diagnostic label only; the caller supplies
// the member configs directly.
type GroupSpec struct {
	Name    string
	Members []Config
}

// StartGroup starts every member config. If any member fails to start,
// already-started members from this call are stopped in reverse order
// and the first error is returned.
func (o *Orchestrator) StartGroup(gs GroupSpec) ([]*ManagedProcess, error) {
	started := make([]*ManagedProcess, 0, len(gs.Members))
	for _, cfg := range gs.Members {
		mp, err := o.Start(cfg)
		if err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				_ = o.Stop(started[i].ID, true)
			}
			return nil, fmt.Errorf("group %s: start failed on %s: %w", gs.Name, cfg.Name, err)
		}
		started = append(started, mp)
	}
	return started, nil
}

// StopGroup stops every named process best-effort, returning the first
// error encountered but always attempting the rest.
func (o *Orchestrator) StopGroup(names []string, force bool) error {
	var firstErr error
	for _, name := range names {
		mp, err := o.GetByName(name)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := o.Stop(mp.ID, force); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// StatusGroup returns the current ManagedProcess for each named member.
// A missing member does not abort the call; it is simply omitted and its
// name recorded in the returned missing slice.
func (o *Orchestrator) StatusGroup(names []string) (found map[string]*ManagedProcess, missing []string) {
	found = make(map[string]*ManagedProcess, len(names))
	for _, name := range names {
		mp, err := o.GetByName(name)
		if err != nil {
			missing = append(missing, name)
			continue
		}
		found[name] = mp
	}
	return found, missing
}
