package core

import "errors"

// Errors surfaced to callers. Transient mesh conditions (no-ack, zombie,
// transport busy) are recovered locally and never reach the caller.
var (
	// ErrNotFound: a referenced light/sensor/group/rule/scene does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrValidation: malformed rule condition or action; the mutation is rejected.
	ErrValidation = errors.New("validation failed")

	// ErrNotInNetwork: the mesh is not formed; nothing can be submitted.
	ErrNotInNetwork = errors.New("not in network")

	// ErrQueueFull: the task queue is at its bound; retry on a later tick.
	ErrQueueFull = errors.New("task queue full")
)
