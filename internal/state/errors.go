package state

import "errors"

// ErrValidation is returned by Validate for a malformed record; it is
// operator-visible but never fatal to the daemon.
var ErrValidation = errors.New("state: validation error")
