package pool

import "errors"

// ErrDuplicate is wrapped by Register when an id is already present in
// a non-retired state.
var ErrDuplicate = errors.New("pool: agent already registered")

// ErrUnknown is wrapped by Heartbeat/Retire for an id that was never
// registered, or is already retired.
var ErrUnknown = errors.New("pool: unknown agent")
