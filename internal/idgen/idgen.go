// Package idgen generates collision-resistant ids for processes, replicas
// and control-plane clients.
package idgen

import "github.com/google/uuid"

// New returns a cryptographically strong random id. It never derives an id
// from a timestamp or other predictable source.
func New() string {
	return uuid.New().String()
}
