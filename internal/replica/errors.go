package replica

import "errors"

// ErrRowNotFound names a row-id that has no assignment in the
// directory. No Directory method returns it: Holders reports a missing
// assignment through its bool result.
var ErrRowNotFound = errors.New("replica: row not found")

// ErrNoLivePeers is returned when an insert cannot be assigned because
// there are no live peers at all.
var ErrNoLivePeers = errors.New("replica: no live peers available")
