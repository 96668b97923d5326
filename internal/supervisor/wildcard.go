package supervisor

import "strings"

// wildcardMatch matches name against pattern with '*' as a substring
// wildcard (including empty). Multiple '*' segments are allowed and must
// occur in order; matching is case-sensitive.
func wildcardMatch(name, pattern string) bool {
	if pattern == "" {
		return false
	}
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return name == pattern
	}
	parts := strings.Split(pattern, "*")
	idx := 0
	if parts[0] != "" {
		if !strings.HasPrefix(name, parts[0]) {
			return false
		}
		idx = len(parts[0])
	}
	for i := 1; i < len(parts)-1; i++ {
		p := parts[i]
		if p == "" {
			continue
		}
		j := strings.Index(name[idx:], p)
		if j < 0 {
			return false
		}
		idx += j + len(p)
	}
	last := parts[len(parts)-1]
	if last != "" {
		return strings.HasSuffix(name, last) && idx <= len(name)-len(last)
	}
	return true
}

// matchingNames returns every managed process name matching pattern.
func (o *Orchestrator) matchingNames(pattern string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var names []string
	for name := range o.byName {
		if wildcardMatch(name, pattern) {
			names = append(names, name)
		}
	}
	return names
}

// StatusMatch returns every ManagedProcess whose name matches the glob
// pattern ('*' as a substring wildcard).
func (o *Orchestrator) StatusMatch(pattern string) ([]*ManagedProcess, error) {
	names := o.matchingNames(pattern)
	res := make([]*ManagedProcess, 0, len(names))
	for _, name := range names {
		mp, err := o.GetByName(name)
		if err != nil {
			return nil, err
		}
		res = append(res, mp)
	}
	return res, nil
}

// StopMatch stops every ManagedProcess whose name matches the glob
// pattern, returning the first error encountered while attempting all of
// them, matching StopGroup's best-effort semantics.
func (o *Orchestrator) StopMatch(pattern string, force bool) error {
	names := o.matchingNames(pattern)
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
